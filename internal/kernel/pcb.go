package kernel

import (
	"fmt"

	"github.com/eclipse-os/core/internal/paging"
)

// MaxProcesses is the fixed process-table capacity (§3, "Process Control
// Block"; §9 resolves the source's ambiguous 32-vs-64 into "capacity >= 32,
// enforced at compile time").
const MaxProcesses = 64

// NumSignals is the width of the pending-signal bitmask and the size of
// signal_handlers (§3).
const NumSignals = 32

// SigChld is the only signal number actually delivered today (§6).
const SigChld = 17

// State is one of the six PCB lifecycle states of §4.E.2.
type State int

const (
	StateEmpty State = iota
	StateNew
	StateReady
	StateRunning
	StateBlocked
	StateZombie
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "Empty"
	case StateNew:
		return "New"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateZombie:
		return "Zombie"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SignalDisposition is one entry of signal_handlers[0..32] (§3). Only
// SigChld is ever actually delivered (§6); the rest is stored, not acted
// on, per the "Signals stored but not delivered" design note (§9).
type SignalDisposition int

const (
	SignalDefault SignalDisposition = iota
	SignalIgnore
	SignalUserHandler
)

// OpenFile is the shared, refcounted object a file-descriptor slot points
// at. fork duplicates the fd_table by incrementing this refcount rather
// than copying file state (§4.E.3 step 5), so a dup'd fd advances the same
// offset as its sibling in the parent, matching fork's usual semantics.
type OpenFile struct {
	InodeID  uint64
	Offset   uint64
	Flags    uint32
	refcount int
}

// FDSlot is one entry of a PCB's fd_table (§3). A nil File means the slot
// is empty.
type FDSlot struct {
	File       *OpenFile
	CloseOnExec bool
}

// NumFDs is the fixed size of a PCB's file-descriptor table.
const NumFDs = 32

// WaitReason names the one wakeup source a Blocked PCB is always waiting
// on (§3 invariant 4). Exactly one of these fields is meaningful, selected
// by Kind.
type WaitReason struct {
	Kind       WaitKind
	ServerID   uint32 // for WaitMailbox{Send,Receive}
	PendingMsg []byte // retry payload for WaitMailboxSend
}

// WaitKind enumerates the suspension points of §5.
type WaitKind int

const (
	WaitNone WaitKind = iota
	WaitChildExit
	WaitMailboxReceive
	WaitMailboxSend
	WaitStdin
)

// PCB is one process table entry (§3).
type PCB struct {
	Pid       uint32
	State     State
	HasParent bool
	ParentPid uint32
	ExitCode  uint8

	Context      CpuContext
	AddressSpace *paging.Space
	KernelStack  []byte

	PendingSignals  uint32
	SignalHandlers  [NumSignals]SignalDisposition
	SignalUserAddrs [NumSignals]uint64

	FDTable [NumFDs]FDSlot

	Children []uint32

	Wait WaitReason

	// run is the goroutine-execution side of this PCB; see runtime.go. It
	// is nil for empty slots; a zombie keeps its parked runtime until
	// Release clears the slot on reap.
	run *processRuntime
}

// ProcessTable is the fixed-size PCB array (§3) plus slot allocation.
type ProcessTable struct {
	slots [MaxProcesses]PCB
}

// NewProcessTable returns an empty table; every slot starts in StateEmpty.
func NewProcessTable() *ProcessTable {
	return &ProcessTable{}
}

// FindFreeSlot scans for a Terminated or Empty entry and returns its index
// (== pid), or ok=false on exhaustion (§4.E.1). pid 0 is reserved for the
// kernel idle loop (§3) and is never returned.
func (t *ProcessTable) FindFreeSlot() (uint32, bool) {
	for i := 1; i < MaxProcesses; i++ {
		if t.slots[i].State == StateEmpty || t.slots[i].State == StateTerminated {
			return uint32(i), true
		}
	}
	return 0, false
}

// Get returns the PCB at pid, or nil if pid is out of range.
func (t *ProcessTable) Get(pid uint32) *PCB {
	if pid >= MaxProcesses {
		return nil
	}
	return &t.slots[pid]
}

// Used reports how many slots are not StateEmpty/StateTerminated, for
// scenario 5's "process table has five fewer used slots" assertion.
func (t *ProcessTable) Used() int {
	n := 0
	for i := 1; i < MaxProcesses; i++ {
		s := t.slots[i].State
		if s != StateEmpty && s != StateTerminated {
			n++
		}
	}
	return n
}

// Release returns pid's slot to StateEmpty, called on reap.
func (t *ProcessTable) Release(pid uint32) {
	t.slots[pid] = PCB{}
}

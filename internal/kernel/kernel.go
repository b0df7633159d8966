package kernel

import (
	"fmt"
	"log/slog"

	"github.com/eclipse-os/core/internal/bundle"
	"github.com/eclipse-os/core/internal/ipcrouter"
	"github.com/eclipse-os/core/internal/paging"
	"github.com/eclipse-os/core/internal/pmm"
	"github.com/eclipse-os/core/internal/serial"
)

// Kernel owns every piece of shared mutable kernel state named in §9's
// design note: the process table, the ready/blocked queues (inside
// Scheduler), the mailboxes (inside ipcrouter.Router), and the physical
// allocator. A systems-language port would guard all of it with
// "interrupts off"; the hosted port's equivalent guarantee is the
// processRuntime ping-pong handoff in runtime.go, which ensures exactly
// one goroutine ever touches this struct's fields at a time.
type Kernel struct {
	pmm         *pmm.Manager
	kernelSpace *paging.Space
	table       *ProcessTable
	scheduler   *Scheduler
	router      *ipcrouter.Router
	serial      *serial.Port8250
	services    *bundle.Registry
	log         *slog.Logger

	// stdin is the bounded ring buffer backing read(0, ...) (§9's redesign
	// note: the source drains scancodes straight to serial with no ring
	// buffer; a correct core needs one so read(0, ...) can actually block).
	stdin []byte
}

// stdinCapacity bounds the keyboard ring buffer so a stuck reader cannot
// make PushStdin grow without limit.
const stdinCapacity = 256

// Config holds the boot-time parameters assembled once in cmd/kernel/main.go
// from parsed flags, mirroring how cmd/cc/main.go in the reference
// hypervisor builds a single config value instead of reading globals
// throughout the program.
type Config struct {
	RAMFrames int
	Sink      serial.Sink
	Services  *bundle.Registry
	Logger    *slog.Logger
}

// New constructs a Kernel with an empty process table and an initialized
// kernel-space page-table template. It performs no process creation; call
// BootInit to create pid 1.
func New(cfg Config) (*Kernel, error) {
	pm := pmm.New(0, cfg.RAMFrames)

	kernelSpace, err := paging.NewKernelSpace(pm)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}

	table := NewProcessTable()
	k := &Kernel{
		pmm:         pm,
		kernelSpace: kernelSpace,
		table:       table,
		scheduler:   NewScheduler(table),
		serial:      serial.New(cfg.Sink),
		services:    cfg.Services,
		log:         cfg.Logger,
	}
	k.router = ipcrouter.New(k)
	return k, nil
}

// WakeReceiver implements ipcrouter.Waker.
func (k *Kernel) WakeReceiver(id ipcrouter.ServerID) {
	for pid := uint32(1); pid < MaxProcesses; pid++ {
		p := k.table.Get(pid)
		if p.State == StateBlocked && p.Wait.Kind == WaitMailboxReceive && p.Wait.ServerID == uint32(id) {
			p.Wait = WaitReason{}
			k.scheduler.Enqueue(pid)
			return
		}
	}
}

// WakeOneSender implements ipcrouter.Waker (§4.H.2: FIFO among blocked
// senders).
func (k *Kernel) WakeOneSender(id ipcrouter.ServerID) {
	pid, ok := k.router.PopOldestSender(id)
	if !ok {
		return
	}
	p := k.table.Get(pid)
	if p == nil || p.State != StateBlocked {
		return
	}
	p.Wait = WaitReason{}
	k.scheduler.Enqueue(pid)
}

// RegisterServer implements the (implicit) server-registration half of
// §4.H: a process declares itself the owner of mailbox id. There is no
// dedicated syscall number for this in §4.G.3 — the spec treats it as part
// of a server's startup protocol — so it is exposed directly on Kernel for
// the boot glue and for tests.
func (k *Kernel) RegisterServer(id ipcrouter.ServerID, pid uint32) {
	k.router.Register(id, pid)
}

// BootInit creates pid 1, the init supervisor, with the given address
// space and program, and enqueues it as the first Ready process. It is the
// one process creation path that does not go through fork (§4.E.1: pid 0
// is reserved for the idle loop; pid 1 has no parent).
func (k *Kernel) BootInit(space *paging.Space, entry, stackTop uint64, program UserProgram) {
	p := k.table.Get(1)
	*p = PCB{
		Pid:          1,
		State:        StateReady,
		AddressSpace: space,
		KernelStack:  make([]byte, kernelStackSize),
		Context:      UserContext(entry, stackTop),
	}
	rt := newProcessRuntime(1)
	p.run = rt
	go k.runProgram(rt, program)
	k.scheduler.Enqueue(1)
}

// RunLoop drives the scheduler until the ready queue is permanently empty
// (every process has exited) or until n turns have elapsed, whichever
// comes first. It is the hosted stand-in for "the CPU": pick a PCB, let it
// run until it yields control back, repeat (§4.F.1, §4.F.2).
//
// A real core's idle loop (pid 0, halt-with-interrupts-enabled) runs
// forever waiting for the next timer tick; RunLoop instead returns once
// there is nothing left ready to run and no further wakeup is possible,
// which is the hosted equivalent of "nothing left to boot" rather than a
// genuine infinite idle.
func (k *Kernel) RunLoop(maxTurns int) {
	for turn := 0; turn < maxTurns; turn++ {
		pid := k.scheduler.Schedule()
		if pid == 0 {
			// Idle: the ready queue is empty. Every remaining process, if
			// any, is Blocked waiting on an event only another (currently
			// non-ready) process could deliver, which can now never
			// happen. A real core would halt with interrupts enabled and
			// wait for the next IRQ; there is nothing further this hosted
			// loop can do either, so it stops.
			return
		}

		p := k.table.Get(pid)
		rt := p.run
		rt.resume <- struct{}{}
		<-rt.yield
	}
}

// PMM exposes the physical allocator backing this kernel, for boot glue
// that needs to map a fresh address space before any process exists to own
// one (e.g. BootInit's caller building pid 1's initial Space).
func (k *Kernel) PMM() *pmm.Manager {
	return k.pmm
}

// KernelSpace exposes the shared kernel-half page-table template every
// process's address space is built from (see paging.NewSpace).
func (k *Kernel) KernelSpace() *paging.Space {
	return k.kernelSpace
}

// Used reports the live process-table slot count, for tests and
// diagnostics (scenario 5 of §8).
func (k *Kernel) Used() int {
	return k.table.Used()
}

// PCB exposes a read-only view of one process table entry, for tests.
func (k *Kernel) PCB(pid uint32) *PCB {
	return k.table.Get(pid)
}

// PushStdin appends keyboard bytes to the stdin ring buffer and wakes the
// process blocked on read(0, ...), if any (§9 redesign note). It is the
// kernel's keyboard-input entry point; cmd/kernel has no keyboard IRQ stub
// and does not call it, and userland has no syscall that reaches it.
func (k *Kernel) PushStdin(b []byte) {
	room := stdinCapacity - len(k.stdin)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	k.stdin = append(k.stdin, b...)

	for pid := uint32(1); pid < MaxProcesses; pid++ {
		p := k.table.Get(pid)
		if p.State == StateBlocked && p.Wait.Kind == WaitStdin {
			p.Wait = WaitReason{}
			k.scheduler.Enqueue(pid)
			return
		}
	}
}

// popStdin drains up to n bytes from the head of the stdin ring buffer.
func (k *Kernel) popStdin(n int) []byte {
	if n > len(k.stdin) {
		n = len(k.stdin)
	}
	out := make([]byte, n)
	copy(out, k.stdin[:n])
	k.stdin = k.stdin[n:]
	return out
}

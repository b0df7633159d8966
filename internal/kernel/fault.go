package kernel

import "fmt"

// Exit codes used for fatal-to-process terminations (§4.D.3, §7). They are
// "distinct" only in the sense the spec requires — not reused by exit(2)
// semantics of this core, to make a faulted process's status
// distinguishable from a voluntary exit in wait's result.
const (
	ExitPageFault = 139 // 128 + SIGSEGV, by convention only
	ExitException = 134 // 128 + SIGABRT, by convention only
)

// canonicalSplit mirrors the walk-time convention in paging.go: addresses
// below this bound are user-half; at or above it they are kernel-half.
const canonicalSplit = uint64(1) << 47

func isUserSpace(virt uint64) bool {
	return virt < canonicalSplit
}

// HandlePageFault implements the #PF branch of §4.D.3. A freestanding core
// reaches this from the IDT vector-14 trampoline with CR2 and the error
// code already on the stack; the hosted port has no hardware trap to
// intercept, so UserAPI.Fault is the call site a UserProgram uses to model
// "this instruction touched addr and it was not mapped the way the access
// required" (see its doc comment in runtime.go).
//
// Returns nil if the fault was a successful COW repair — the faulting
// instruction would retry and succeed on real hardware. A non-nil return
// means the process has already been terminated (user space) or the
// function has panicked (kernel space, matching the source's fatal
// response to supervisor-mode corruption).
func (k *Kernel) HandlePageFault(pid uint32, faultAddr uint64) error {
	p := k.table.Get(pid)
	err := p.AddressSpace.HandleFault(faultAddr)
	if err == nil {
		return nil
	}

	if !isUserSpace(faultAddr) {
		panic(fmt.Sprintf("kernel: page fault in kernel space at %#x: %v", faultAddr, err))
	}

	if k.log != nil {
		k.log.Error("page fault terminated process", "pid", pid, "addr", faultAddr, "err", err)
	}
	k.doExit(pid, ExitPageFault)
	return err
}

// HandleException implements the non-#PF branch of §4.D.3: general
// protection, invalid opcode, double fault, divide error all collapse to
// the same disposition, only the log line differs. userMode distinguishes
// "terminate the process" from "panic the core".
func (k *Kernel) HandleException(pid uint32, vector int, userMode bool) {
	if !userMode {
		panic(fmt.Sprintf("kernel: exception vector %d raised in kernel mode", vector))
	}

	if k.log != nil {
		k.log.Error("exception terminated process", "pid", pid, "vector", vector)
	}
	k.doExit(pid, ExitException)
}

package kernel

import (
	"github.com/eclipse-os/core/internal/errno"
	"github.com/eclipse-os/core/internal/ipcrouter"
)

// UserProgram is ring-3 code, modeled as an ordinary Go function. Every
// suspension point it hits (a blocking syscall, a voluntary yield, or a
// preemption check that lands on a quantum boundary) is expressed as a
// call into the UserAPI the kernel hands it; nothing else about the
// function is special.
//
// This is the one place the hosted port necessarily departs from the
// source's literal fork(2)/execve(2) signatures: a freestanding supervisor
// resumes a forked child or an exec'd image by loading a saved
// instruction pointer, which Go's hosted runtime has no way to fabricate
// for an arbitrary call stack. Fork and Exec therefore take the child's
// or the new image's entry point as an explicit argument instead of
// relying on a dual return from a single call (see DESIGN.md).
type UserProgram func(api *UserAPI)

type yieldKind int

const (
	yieldBlocked yieldKind = iota
	yieldRescheduled
	yieldExited
	yieldExeced
)

type yieldEvent struct {
	kind yieldKind
}

// processRuntime is the goroutine-execution side of one PCB: a pair of
// channels (resume unbuffered, yield with a one-slot buffer) implementing
// the strict ping-pong handoff between
// "the CPU" (Kernel.RunLoop, the only goroutine ever actively mutating
// kernel state) and the ring-3 program. Exactly one side is runnable at any
// instant, which is what makes the single-CPU, non-preemptive-kernel
// invariant of §5 hold by construction rather than by locking.
type processRuntime struct {
	pid    uint32
	resume chan struct{}
	yield  chan yieldEvent
}

func newProcessRuntime(pid uint32) *processRuntime {
	return &processRuntime{
		pid:    pid,
		resume: make(chan struct{}),
		yield:  make(chan yieldEvent, 1),
	}
}

// UserAPI is the syscall surface a UserProgram calls directly instead of
// trapping through a real vector 0x80. Each syscall method here corresponds
// to one entry of the table in spec §4.G.3; syscall 10 has no method and is
// reached only through Kernel.Dispatch. CheckPreempt, Peek, Poke, Fault and
// RaiseException are not syscalls: they model timer ticks, plain loads and
// stores, and CPU traps.
type UserAPI struct {
	k   *Kernel
	pid uint32
	rt  *processRuntime
}

func (api *UserAPI) pcb() *PCB {
	return api.k.table.Get(api.pid)
}

// GetPid returns the caller's pid (syscall 6).
func (api *UserAPI) GetPid() uint32 {
	return api.pid
}

// Yield implements syscall 5 (§4.F.4): set self Ready, invoke schedule().
func (api *UserAPI) Yield() {
	api.rt.yield <- yieldEvent{kind: yieldRescheduled}
	<-api.rt.resume
}

// CheckPreempt is the cooperative safe point a CPU-bound UserProgram must
// call periodically so the hosted scheduler can enforce the quantum of
// §4.F.3; see DESIGN.md, "Concurrency model", for why this is explicit here
// instead of happening via an asynchronous hardware interrupt.
func (api *UserAPI) CheckPreempt() {
	if api.k.scheduler.OnTick() {
		api.rt.yield <- yieldEvent{kind: yieldRescheduled}
		<-api.rt.resume
	}
}

// Exit implements syscall 0 / §4.E.5. It never returns to the caller: the
// goroutine backing this pid parks permanently after handing control back
// to the scheduler.
func (api *UserAPI) Exit(code uint8) {
	api.k.doExit(api.pid, code)
	api.rt.yield <- yieldEvent{kind: yieldExited}
	select {}
}

// Fork implements syscall 7 / §4.E.3. child is the program the new PCB
// runs; see UserProgram's doc comment for why this differs from POSIX
// fork's signature.
func (api *UserAPI) Fork(child UserProgram) (uint32, error) {
	return api.k.doFork(api.pid, child)
}

// Exec implements syscall 8 / §4.E.4. On success it never returns to the
// caller (§4.E.4 step 8); the current goroutine parks permanently and a
// freshly spawned one takes over this pid's execution with the new image.
func (api *UserAPI) Exec(image ExecImage, program UserProgram) error {
	if err := api.k.doExecve(api.pid, image); err != nil {
		return err
	}

	newRt := newProcessRuntime(api.pid)
	api.pcb().run = newRt
	go api.k.runProgram(newRt, program)

	api.rt.yield <- yieldEvent{kind: yieldExeced}
	select {}
}

// Wait implements syscall 9 / §4.E.6.
func (api *UserAPI) Wait(noHang bool) (pid uint32, status uint8, err error) {
	for {
		if childPid, code, ok := api.k.reapAnyZombieChild(api.pid); ok {
			return childPid, code, nil
		}
		if noHang {
			return 0, 0, nil
		}
		if len(api.pcb().Children) == 0 {
			return 0, 0, errno.ECHILD
		}

		p := api.pcb()
		p.State = StateBlocked
		p.Wait = WaitReason{Kind: WaitChildExit}
		api.rt.yield <- yieldEvent{kind: yieldBlocked}
		<-api.rt.resume
	}
}

// Send implements syscall 3 / §4.H.1.
func (api *UserAPI) Send(id ipcrouter.ServerID, payload []byte) error {
	for {
		res, err := api.k.router.Send(id, api.pid, payload)
		if err != nil {
			return errno.EINVAL
		}
		if res == ipcrouter.SendQueued {
			return nil
		}

		p := api.pcb()
		p.State = StateBlocked
		p.Wait = WaitReason{Kind: WaitMailboxSend, ServerID: uint32(id), PendingMsg: payload}
		api.rt.yield <- yieldEvent{kind: yieldBlocked}
		<-api.rt.resume
	}
}

// Receive implements syscall 4 / §4.H.1. The returned slice is truncated to
// bufLen, matching the "truncated to the receiver's buffer" round-trip law
// of §8.
func (api *UserAPI) Receive(id ipcrouter.ServerID, bufLen int) (senderPid uint32, payload []byte) {
	for {
		res := api.k.router.Receive(id)
		if !res.Empty {
			if len(res.Message.Payload) > bufLen {
				res.Message.Payload = res.Message.Payload[:bufLen]
			}
			return res.Message.SenderPid, res.Message.Payload
		}

		p := api.pcb()
		p.State = StateBlocked
		p.Wait = WaitReason{Kind: WaitMailboxReceive, ServerID: uint32(id)}
		api.rt.yield <- yieldEvent{kind: yieldBlocked}
		<-api.rt.resume
	}
}

// Write implements syscall 1 (§4.G.3 row 1). fd 1/2 go to serial; fd >= 3
// is acknowledged and advances the fd's offset without persisting
// anything, since this core owns no file store of its own — a real
// filesystem service sits behind the fd in userland, out of the core's
// scope.
func (api *UserAPI) Write(fd int, buf []byte) (int, error) {
	if len(buf) > 4096 {
		return 0, errno.EINVAL
	}
	switch {
	case fd == 1 || fd == 2:
		api.k.serial.Write(buf)
		return len(buf), nil
	case fd >= 3 && fd < NumFDs:
		slot := &api.pcb().FDTable[fd]
		if slot.File == nil {
			return 0, errno.EBADF
		}
		slot.File.Offset += uint64(len(buf))
		return len(buf), nil
	default:
		return 0, errno.EBADF
	}
}

// Read implements syscall 2. fd 0 blocks on the stdin ring buffer (§9
// redesign note); fd >= 3 is a filesystem-service stub that always reports
// EOF, since this core persists no file content of its own (§4.G.3 leaves
// the filesystem service's actual store out of the core's scope).
func (api *UserAPI) Read(fd int, bufLen int) ([]byte, error) {
	switch {
	case fd == 0:
		for {
			if len(api.k.stdin) > 0 {
				return api.k.popStdin(bufLen), nil
			}
			p := api.pcb()
			p.State = StateBlocked
			p.Wait = WaitReason{Kind: WaitStdin}
			api.rt.yield <- yieldEvent{kind: yieldBlocked}
			<-api.rt.resume
		}
	case fd == 1 || fd == 2:
		return nil, errno.EBADF
	case fd >= 3 && fd < NumFDs:
		slot := &api.pcb().FDTable[fd]
		if slot.File == nil {
			return nil, errno.EBADF
		}
		return nil, nil
	default:
		return nil, errno.EBADF
	}
}

// Peek reads length bytes from the caller's own mapped memory at addr,
// modeling a direct load instruction rather than a syscall — the same
// access a compiled ring-3 program makes without ever trapping into the
// kernel. Used by programs (and tests) that inspect their own data
// segments directly, e.g. to observe the effect of a sibling's COW write.
func (api *UserAPI) Peek(addr uint64, length int) []byte {
	return api.k.readUserBytes(api.pid, addr, uint64(length))
}

// Poke writes data into the caller's own mapped memory at addr, modeling a
// direct store instruction. It returns false if any page in range is
// missing or not currently writable — in particular, a COW page always
// fails here until the program has gone through Fault first, exactly as a
// real store instruction would trap to #PF before retiring.
func (api *UserAPI) Poke(addr uint64, data []byte) bool {
	return api.k.writeUserBytes(api.pid, addr, data)
}

// Fault models trapping into the kernel on a bad memory access at addr,
// exercising the §4.D.3 page-fault classification path. Real ring-3 code
// reaches this via hardware #PF on the very next instruction that
// dereferences addr; a hosted UserProgram has no such instruction to trap
// on, so it calls Fault directly at the point it would have touched addr.
// If the access was COW-repairable, Fault returns and the program
// continues as if the instruction had retried and succeeded; otherwise the
// process has already been torn down and this goroutine parks forever,
// exactly like Exit.
func (api *UserAPI) Fault(addr uint64) {
	if err := api.k.HandlePageFault(api.pid, addr); err != nil {
		api.rt.yield <- yieldEvent{kind: yieldExited}
		select {}
	}
}

// RaiseException models trapping into the kernel on a CPU exception other
// than #PF (general protection, invalid opcode, divide error, double
// fault), exercising the remaining branch of §4.D.3. It never returns.
func (api *UserAPI) RaiseException(vector int) {
	api.k.HandleException(api.pid, vector, true)
	api.rt.yield <- yieldEvent{kind: yieldExited}
	select {}
}

// runProgram is the goroutine body backing one PCB. It blocks until the
// scheduler's first resume, then runs program to completion; a UserProgram
// is expected to always end by calling api.Exit, which parks the goroutine
// forever, so this function itself never returns under correct programs.
func (k *Kernel) runProgram(rt *processRuntime, program UserProgram) {
	<-rt.resume
	api := &UserAPI{k: k, pid: rt.pid, rt: rt}
	program(api)
	// A program that returns without calling Exit is a bug in the program,
	// not in the kernel; fail safe by exiting with a distinguishable code
	// rather than leaving the PCB stuck Running forever.
	api.Exit(255)
}

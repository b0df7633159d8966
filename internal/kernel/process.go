package kernel

import (
	"github.com/eclipse-os/core/internal/errno"
	"github.com/eclipse-os/core/internal/paging"
	"github.com/eclipse-os/core/internal/pmm"
)

// Segment is one loadable range of an executable image (§4.E.4 step 3):
// spec §6 commits the core to only this much knowledge of the executable
// format.
type Segment struct {
	Virt  uint64
	Size  uint64
	Flags paging.Flags
	Data  []byte // copied into the mapped frames; zero-padded to Size
}

// ExecImage is the "byte buffer that parses as the supported executable
// format" execve accepts per §9's resolution of the "load from where"
// ambiguity: by the time it reaches doExecve, resolution (embedded-binary
// syscall or filesystem-service read) has already happened in userland or
// in the init supervisor.
type ExecImage struct {
	Entry    uint64
	Segments []Segment
	StackTop uint64
	StackLen uint64
}

// doFork implements §4.E.3.
func (k *Kernel) doFork(parentPid uint32, child UserProgram) (uint32, error) {
	parent := k.table.Get(parentPid)

	childPid, ok := k.table.FindFreeSlot()
	if !ok {
		return 0, errno.EAGAIN
	}

	childSpace, err := parent.AddressSpace.Clone()
	if err != nil {
		return 0, errno.EAGAIN
	}

	childPCB := k.table.Get(childPid)
	*childPCB = PCB{
		Pid:          childPid,
		State:        StateNew,
		HasParent:    true,
		ParentPid:    parentPid,
		Context:      parent.Context,
		AddressSpace: childSpace,
		KernelStack:  make([]byte, kernelStackSize),
	}
	// The child observes syscall return value 0 from fork; the parent
	// (still executing its own Go call stack, unaffected by this PCB
	// mutation) observes the child's pid via doFork's own return value.
	childPCB.Context.GP[RegisterRax] = 0

	for i, slot := range parent.FDTable {
		if slot.File == nil {
			continue
		}
		slot.File.refcount++
		childPCB.FDTable[i] = slot
	}

	parent.Children = append(parent.Children, childPid)

	childRt := newProcessRuntime(childPid)
	childPCB.run = childRt
	go k.runProgram(childRt, child)

	childPCB.State = StateReady
	k.scheduler.Enqueue(childPid)

	return childPid, nil
}

const kernelStackSize = 16 * 1024

// doExecve implements §4.E.4, steps 2-7 (step 1, pathname resolution, and
// step 8, "does not return", are the runtime package's concern — see
// UserAPI.Exec).
func (k *Kernel) doExecve(pid uint32, image ExecImage) error {
	p := k.table.Get(pid)

	newSpace, err := paging.NewSpace(k.pmm, k.kernelSpace)
	if err != nil {
		return errno.ENOEXEC
	}

	for _, seg := range image.Segments {
		if err := mapSegment(k.pmm, newSpace, seg); err != nil {
			return errno.ENOEXEC
		}
	}

	if err := mapUserStack(k.pmm, newSpace, image.StackTop, image.StackLen); err != nil {
		return errno.ENOEXEC
	}

	oldSpace := p.AddressSpace
	p.AddressSpace = newSpace
	oldSpace.Destroy()

	p.Context = UserContext(image.Entry, image.StackTop)

	for i := range p.FDTable {
		if p.FDTable[i].CloseOnExec {
			k.closeFD(p, i)
		}
	}

	return nil
}

func mapSegment(pm *pmm.Manager, space *paging.Space, seg Segment) error {
	pages := (seg.Size + pmm.PageSize - 1) / pmm.PageSize
	for i := uint64(0); i < pages; i++ {
		frame := pm.Allocate()
		if frame == pmm.Invalid {
			return errno.EAGAIN
		}
		pm.Zero(frame)
		start := i * pmm.PageSize
		end := start + pmm.PageSize
		if end > uint64(len(seg.Data)) {
			end = uint64(len(seg.Data))
		}
		if start < end {
			copy(pm.Bytes(frame), seg.Data[start:end])
		}
		virt := seg.Virt + start
		if err := space.Map(virt, frame, seg.Flags|paging.User); err != nil {
			return err
		}
	}
	return nil
}

func mapUserStack(pm *pmm.Manager, space *paging.Space, top, length uint64) error {
	pages := (length + pmm.PageSize - 1) / pmm.PageSize
	base := top - pages*pmm.PageSize
	for i := uint64(0); i < pages; i++ {
		frame := pm.Allocate()
		if frame == pmm.Invalid {
			return errno.EAGAIN
		}
		pm.Zero(frame)
		if err := space.Map(base+i*pmm.PageSize, frame, paging.Writable|paging.User); err != nil {
			return err
		}
	}
	return nil
}

// doExit implements §4.E.5.
func (k *Kernel) doExit(pid uint32, code uint8) {
	p := k.table.Get(pid)
	p.State = StateZombie
	p.ExitCode = code

	p.AddressSpace.Destroy()
	p.AddressSpace = nil
	p.KernelStack = nil
	for i := range p.FDTable {
		k.closeFD(p, i)
	}

	initPCB := k.table.Get(1)
	for _, childPid := range p.Children {
		child := k.table.Get(childPid)
		if child == nil || child.State == StateEmpty {
			continue
		}
		child.ParentPid = 1
		child.HasParent = true
		if pid != 1 {
			initPCB.Children = append(initPCB.Children, childPid)
		}
	}
	p.Children = nil

	if id, ok := k.router.OwnerServerID(pid); ok {
		k.router.Unregister(id)
	}
	k.router.RemovePid(pid)
	k.scheduler.RemoveFromReady(pid)

	if p.HasParent {
		parent := k.table.Get(p.ParentPid)
		if parent != nil {
			parent.PendingSignals |= 1 << SigChld
			if parent.State == StateBlocked && parent.Wait.Kind == WaitChildExit {
				parent.Wait = WaitReason{}
				k.scheduler.Enqueue(parent.Pid)
			}
		}
	}
}

func (k *Kernel) closeFD(p *PCB, fd int) {
	slot := &p.FDTable[fd]
	if slot.File == nil {
		return
	}
	slot.File.refcount--
	*slot = FDSlot{}
}

// reapAnyZombieChild implements §4.E.6 step 1: collect the first zombie
// child found, free its slot, and return its exit status.
func (k *Kernel) reapAnyZombieChild(parentPid uint32) (childPid uint32, code uint8, ok bool) {
	parent := k.table.Get(parentPid)
	for i, pid := range parent.Children {
		child := k.table.Get(pid)
		if child == nil || child.State != StateZombie {
			continue
		}
		code = child.ExitCode
		childPid = pid
		k.table.Release(pid)
		parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
		return childPid, code, true
	}
	return 0, 0, false
}

package kernel

import (
	"github.com/eclipse-os/core/internal/bundle"
	"github.com/eclipse-os/core/internal/errno"
	"github.com/eclipse-os/core/internal/ipcrouter"
	"github.com/eclipse-os/core/internal/paging"
	"github.com/eclipse-os/core/internal/pmm"
)

// Syscall numbers, the fixed table of §4.G.3. A real trampoline would load
// these from a register; here they index Dispatch directly.
const (
	SysExit             = 0
	SysWrite            = 1
	SysRead             = 2
	SysSend             = 3
	SysReceive          = 4
	SysYield            = 5
	SysGetpid           = 6
	SysFork             = 7
	SysExec             = 8
	SysWait             = 9
	SysGetServiceBinary = 10
)

// Args is the fixed five-register argument block of §4.G.1, reduced to
// Go-sized values; a real trampoline would read these out of the saved
// user context instead of a struct literal.
type Args struct {
	A0, A1, A2, A3, A4 uint64
}

// ValidatePointer implements §4.G.4: every pointer argument must walk as
// present, user-accessible memory over its full length before the syscall
// has any side effect. It does not yet check the writable bit, since
// reads (e.g. write's source buffer) and writes (e.g. wait's status_ptr)
// need different permission checks; callers that need a writable
// destination check flags themselves.
func (k *Kernel) ValidatePointer(pid uint32, ptr, length uint64) bool {
	if length == 0 {
		return true
	}
	p := k.table.Get(pid)
	if p == nil || p.AddressSpace == nil {
		return false
	}
	first := ptr - (ptr % 4096)
	last := ptr + length - 1
	for page := first; page <= last; page += 4096 {
		_, flags, ok := p.AddressSpace.Translate(page)
		if !ok {
			return false
		}
		if flags&paging.User == 0 {
			return false
		}
	}
	return true
}

// readUserBytes copies length bytes starting at virt out of pid's address
// space, walking one frame at a time since the requested range may cross a
// page boundary. The caller must have already validated the range with
// ValidatePointer.
func (k *Kernel) readUserBytes(pid uint32, virt, length uint64) []byte {
	out := make([]byte, 0, length)
	p := k.table.Get(pid)
	for uint64(len(out)) < length {
		frame, _, ok := p.AddressSpace.Translate(virt)
		if !ok {
			break
		}
		page := k.pmm.Bytes(frame)
		offset := virt % pmm.PageSize
		n := uint64(len(page)) - offset
		if remain := length - uint64(len(out)); n > remain {
			n = remain
		}
		out = append(out, page[offset:offset+n]...)
		virt += n
	}
	return out
}

// writeUserBytes copies data into pid's address space starting at virt,
// returning false if any page in range is missing or read-only. The caller
// must have already validated the range with ValidatePointer.
func (k *Kernel) writeUserBytes(pid uint32, virt uint64, data []byte) bool {
	p := k.table.Get(pid)
	written := 0
	for written < len(data) {
		frame, flags, ok := p.AddressSpace.Translate(virt)
		if !ok || flags&paging.Writable == 0 {
			return false
		}
		page := k.pmm.Bytes(frame)
		offset := virt % pmm.PageSize
		n := uint64(len(page)) - offset
		if remain := uint64(len(data) - written); n > remain {
			n = remain
		}
		copy(page[offset:offset+n], data[written:])
		written += int(n)
		virt += n
	}
	return true
}

// Dispatch implements §4.G.2 for every syscall whose arguments are plain
// values or byte buffers reachable through ValidatePointer. fork and exec
// are deliberately excluded: both need a Go closure for the child/new
// image's code (see UserProgram's doc comment in runtime.go), which has no
// representation as fixed-width register arguments, so callers invoke
// UserAPI.Fork/UserAPI.Exec directly instead of routing through this table.
// Dispatch exists to give every other syscall one real entry point that
// exercises pointer validation the way a genuine dispatcher would, and is
// what the package's tests call; cmd/kernel's boot glue does not use it.
func (k *Kernel) Dispatch(api *UserAPI, num int, args Args) int64 {
	readUser := func(ptr, length uint64) []byte { return k.readUserBytes(api.pid, ptr, length) }
	writeUser := func(ptr uint64, data []byte) bool { return k.writeUserBytes(api.pid, ptr, data) }
	switch num {
	case SysExit:
		api.Exit(uint8(args.A0))
		return 0 // unreachable: Exit never returns

	case SysWrite:
		fd, ptr, length := int(args.A0), args.A1, args.A2
		if ptr != 0 && !k.ValidatePointer(api.pid, ptr, length) {
			return errno.EFAULT.Negative()
		}
		buf := readUser(ptr, length)
		n, err := api.Write(fd, buf)
		if err != nil {
			return err.(errno.Errno).Negative()
		}
		return int64(n)

	case SysRead:
		fd, ptr, length := int(args.A0), args.A1, args.A2
		if ptr != 0 && !k.ValidatePointer(api.pid, ptr, length) {
			return errno.EFAULT.Negative()
		}
		data, err := api.Read(fd, int(length))
		if err != nil {
			return err.(errno.Errno).Negative()
		}
		if !writeUser(ptr, data) {
			return errno.EFAULT.Negative()
		}
		return int64(len(data))

	case SysSend:
		id, ptr, length := ipcrouter.ServerID(args.A0), args.A1, args.A2
		if !k.ValidatePointer(api.pid, ptr, length) {
			return errno.EFAULT.Negative()
		}
		if err := api.Send(id, readUser(ptr, length)); err != nil {
			return err.(errno.Errno).Negative()
		}
		return 0

	case SysReceive:
		ptr, length := args.A0, args.A1
		if !k.ValidatePointer(api.pid, ptr, length) {
			return errno.EFAULT.Negative()
		}
		id, ok := k.router.OwnerServerID(api.pid)
		if !ok {
			return errno.EINVAL.Negative()
		}
		_, payload := api.Receive(id, int(length))
		if !writeUser(ptr, payload) {
			return errno.EFAULT.Negative()
		}
		return int64(len(payload))

	case SysYield:
		api.Yield()
		return 0

	case SysGetpid:
		return int64(api.GetPid())

	case SysWait:
		statusPtr, options := args.A0, args.A1
		noHang := options&1 != 0
		if statusPtr != 0 && !k.ValidatePointer(api.pid, statusPtr, 1) {
			return errno.EFAULT.Negative()
		}
		childPid, status, err := api.Wait(noHang)
		if err != nil {
			return err.(errno.Errno).Negative()
		}
		if statusPtr != 0 {
			writeUser(statusPtr, []byte{status})
		}
		return int64(childPid)

	case SysGetServiceBinary:
		id := bundle.ServiceID(args.A0)
		b, ok := k.services.Lookup(id)
		if !ok {
			return errno.EINVAL.Negative()
		}
		outPtr, outSizePtr := args.A1, args.A2
		if outSizePtr != 0 {
			writeUser(outSizePtr, leUint64(uint64(len(b))))
		}
		if outPtr != 0 {
			writeUser(outPtr, b)
		}
		return 0

	default:
		return errno.ENOSYS.Negative()
	}
}

func leUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

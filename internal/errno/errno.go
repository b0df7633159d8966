// Package errno defines the fixed syscall error taxonomy returned across the
// ring3/ring0 boundary (see spec §7, "Syscall errors").
package errno

import "fmt"

// Errno is a small sentinel error, analogous to libc's errno values. It is
// the only error type a syscall handler ever returns to the dispatcher;
// anything else is treated as fatal-to-process by the caller.
type Errno int

const (
	// OK is never returned as an error; it exists so a zero Errno reads as
	// "no error" when used as the zero value of the type.
	OK Errno = iota
	EINVAL      // invalid argument: bad fd, bad syscall number, bad option
	EFAULT      // pointer failed userland-pointer validation
	ENOENT      // no such entity: unknown server id, unknown path, no child
	EAGAIN      // resource exhausted: no free PCB slot, no free frame, mailbox full (non-blocking)
	EPERM       // reserved; not used by this core (§7)
	EBADF       // bad file descriptor
	ECHILD      // no children to wait for
	ENOSYS      // unknown syscall number
	ENOEXEC     // executable image failed to parse
)

var names = map[Errno]string{
	EINVAL:  "EINVAL",
	EFAULT:  "EFAULT",
	ENOENT:  "ENOENT",
	EAGAIN:  "EAGAIN",
	EPERM:   "EPERM",
	EBADF:   "EBADF",
	ECHILD:  "ECHILD",
	ENOSYS:  "ENOSYS",
	ENOEXEC: "ENOEXEC",
}

func (e Errno) Error() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("errno(%d)", int(e))
}

// Negative renders the errno as the negative-return-code sentinel used on
// the syscall ABI (§6): a successful call never returns a value in this
// range, so userland distinguishes error from result by sign.
func (e Errno) Negative() int64 {
	return -int64(e)
}

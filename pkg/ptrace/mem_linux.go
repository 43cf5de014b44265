package ptrace

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	local_iov := sys.Iovec{Base: &data[0]}
	local_iov.SetLen(len(data))
	remote_iov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// processVmWrite calls process_vm_writev
func processVmWrite(tid int, addr uintptr, data []byte) (int, error) {
	local_iov := sys.Iovec{Base: &data[0]}
	local_iov.SetLen(len(data))
	remote_iov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_WRITEV, uintptr(tid), uintptr(unsafe.Pointer(&local_iov)), 1, uintptr(unsafe.Pointer(&remote_iov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// vmUnavailable reports whether process_vm_readv/writev cannot be used at
// all, in which case we fall back to word-sized PEEKDATA/POKEDATA.
func vmUnavailable(err error) bool {
	return err == sys.ENOSYS || err == sys.EPERM
}

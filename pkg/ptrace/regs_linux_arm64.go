package ptrace

import (
	"debug/elf"
	"syscall"
	"unsafe"

	"golang.org/x/arch/arm64/arm64asm"
	sys "golang.org/x/sys/unix"
)

// syscallInsnLen is the length of the SVC #0 instruction.
const syscallInsnLen = 4

// _NT_ARM_SYSTEM_CALL is the regset holding the syscall number of a tracee
// stopped at syscall entry, see source/arch/arm64/kernel/ptrace.c
const _NT_ARM_SYSTEM_CALL = 0x404

// regs is the layout of NT_PRSTATUS on arm64 (struct user_pt_regs).
type regs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func getRegs(pid int, r *regs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(r)), Len: uint64(unsafe.Sizeof(*r))}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(pid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func setRegs(pid int, r *regs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(r)), Len: uint64(unsafe.Sizeof(*r))}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(pid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func setSyscallNr(pid int, nr int32) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(&nr)), Len: uint64(unsafe.Sizeof(nr))}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(pid), uintptr(_NT_ARM_SYSTEM_CALL), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func (r *regs) pc() uint64 { return r.Pc }

// result returns the return value of the syscall that just completed.
func (r *regs) result() int64 { return int64(r.Regs[0]) }

// rewind moves the program counter back onto the SVC instruction. At a
// syscall-entry stop x0 still holds the first argument and x8 the syscall
// number, so nothing else needs fixing.
func (r *regs) rewind() {
	r.Pc -= syscallInsnLen
}

// setSyscall replaces the syscall the tracee is about to enter. Must be
// called at a syscall-entry stop. nr == -1 makes the kernel skip the call.
func setSyscall(pid int, r *regs, nr int64, args [6]uint64) error {
	copy(r.Regs[:6], args[:])
	r.Regs[8] = uint64(nr)
	if err := setRegs(pid, r); err != nil {
		return err
	}
	return setSyscallNr(pid, int32(nr))
}

func isSyscallInsn(code []byte) bool {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return false
	}
	return inst.Op == arm64asm.SVC
}

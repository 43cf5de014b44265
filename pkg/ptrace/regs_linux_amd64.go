package ptrace

import (
	"golang.org/x/arch/x86/x86asm"
	sys "golang.org/x/sys/unix"
)

// syscallInsnLen is the length of the SYSCALL instruction.
const syscallInsnLen = 2

type regs sys.PtraceRegs

func getRegs(pid int, r *regs) error {
	return sys.PtraceGetRegs(pid, (*sys.PtraceRegs)(r))
}

func setRegs(pid int, r *regs) error {
	return sys.PtraceSetRegs(pid, (*sys.PtraceRegs)(r))
}

func (r *regs) pc() uint64 { return r.Rip }

// result returns the return value of the syscall that just completed.
func (r *regs) result() int64 { return int64(r.Rax) }

// rewind moves the program counter back onto the syscall instruction so that
// the interrupted syscall runs again once the registers are restored.
func (r *regs) rewind() {
	r.Rip -= syscallInsnLen
	r.Rax = r.Orig_rax
}

// setSyscall replaces the syscall the tracee is about to enter. Must be
// called at a syscall-entry stop. nr == -1 makes the kernel skip the call.
func setSyscall(pid int, r *regs, nr int64, args [6]uint64) error {
	r.Orig_rax = uint64(nr)
	r.Rdi = args[0]
	r.Rsi = args[1]
	r.Rdx = args[2]
	r.R10 = args[3]
	r.R8 = args[4]
	r.R9 = args[5]
	return setRegs(pid, r)
}

func isSyscallInsn(code []byte) bool {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return false
	}
	return inst.Op == x86asm.SYSCALL && inst.Len == syscallInsnLen
}

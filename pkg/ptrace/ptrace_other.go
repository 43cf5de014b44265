//go:build !linux

package ptrace

import "github.com/reredirect/reredirect/pkg/logflags"

// Process is a placeholder on platforms without syscall injection support.
type Process struct {
	pid int
}

// Attach always fails with ErrUnsupportedPlatform.
func Attach(pid int, log logflags.Logger) (*Process, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *Process) Pid() int                                    { return p.pid }
func (p *Process) Syscalls() SyscallTable                      { return SyscallTable{} }
func (p *Process) AdvanceToSyscall() error                     { return ErrUnsupportedPlatform }
func (p *Process) SaveRegisters() error                        { return ErrUnsupportedPlatform }
func (p *Process) RestoreRegisters() error                     { return ErrUnsupportedPlatform }
func (p *Process) WriteMemory(addr uintptr, data []byte) error { return ErrUnsupportedPlatform }
func (p *Process) Detach() error                               { return nil }

func (p *Process) Syscall(nr uint64, args ...uint64) (int64, error) {
	return -1, ErrUnsupportedPlatform
}

func (p *Process) ReadMemory(addr uintptr, size int) ([]byte, error) {
	return nil, ErrUnsupportedPlatform
}

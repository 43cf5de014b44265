// Package ptrace drives a single stopped thread of another process through
// ptrace(2): attaching, parking it at a syscall boundary, injecting syscalls
// on its behalf and copying data into its address space.
package ptrace

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned by Attach on platforms where syscall
// injection is not implemented.
var ErrUnsupportedPlatform = errors.New("syscall injection is not supported on this platform")

// ErrNotAtSyscall is returned when an operation requires the tracee to be
// parked at a syscall boundary and it is not.
var ErrNotAtSyscall = errors.New("tracee is not stopped at a syscall boundary")

// ErrRegistersNotSaved is returned by Syscall when SaveRegisters has not been
// called yet.
var ErrRegistersNotSaved = errors.New("registers must be saved before injecting syscalls")

// ProcessExitedError is returned when the tracee exits or is killed while
// it is being traced.
type ProcessExitedError struct {
	Pid    int
	Status int
}

func (pe ProcessExitedError) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError is returned for any operation issued after Detach.
type ProcessDetachedError struct{}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

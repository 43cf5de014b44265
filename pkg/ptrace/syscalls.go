package ptrace

import "fmt"

// Syscall is one entry of a SyscallTable. Entries that the running
// architecture does not provide have Available set to false.
type Syscall struct {
	Name      string
	Nr        uint64
	Available bool
}

func (sc Syscall) String() string {
	if !sc.Available {
		return sc.Name + "(unavailable)"
	}
	return fmt.Sprintf("%s(%d)", sc.Name, sc.Nr)
}

// SyscallTable lists the syscalls this package knows how to inject, numbered
// for the architecture of the tracee.
type SyscallTable struct {
	Mmap2  Syscall
	Mmap   Syscall
	Munmap Syscall
	Open   Syscall
	Openat Syscall
	Dup    Syscall
	Dup2   Syscall
	Dup3   Syscall
	Close  Syscall
}

func available(name string, nr uintptr) Syscall {
	return Syscall{Name: name, Nr: uint64(nr), Available: true}
}

func unavailable(name string) Syscall {
	return Syscall{Name: name}
}

// IsError reports whether a raw syscall result encodes an errno, following
// the kernel convention that -4095..-1 are error values.
func IsError(rv int64) bool {
	return rv < 0 && rv >= -4095
}

package redirect

import (
	"os"

	"github.com/reredirect/reredirect/pkg/logflags"
	"github.com/reredirect/reredirect/pkg/procstat"
	"github.com/reredirect/reredirect/pkg/ptrace"
)

// Tracee is the tracing primitive a Session drives. *ptrace.Process
// implements it.
type Tracee interface {
	Pid() int
	Syscalls() ptrace.SyscallTable
	AdvanceToSyscall() error
	SaveRegisters() error
	RestoreRegisters() error
	Syscall(nr uint64, args ...uint64) (int64, error)
	WriteMemory(addr uintptr, data []byte) error
	Detach() error
}

// DefaultFileMode is the permission mode of files created by Open.
const DefaultFileMode = 0666

// Options configures a Session and the process group check.
type Options struct {
	// Log selects which components log. May be nil.
	Log *logflags.Flags
	// FS is the procfs used by the process group check; the zero value
	// reads /proc.
	FS procstat.FS
	// FileMode is the permission mode passed to the remote open; zero means
	// DefaultFileMode.
	FileMode uint32
	// AttachFunc acquires tracing control of a process; nil means
	// ptrace.Attach.
	AttachFunc func(pid int) (Tracee, error)
}

func (o *Options) attach(pid int) (Tracee, error) {
	if o != nil && o.AttachFunc != nil {
		return o.AttachFunc(pid)
	}
	var flags *logflags.Flags
	if o != nil {
		flags = o.Log
	}
	p, err := ptrace.Attach(pid, flags.PtraceLogger())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (o *Options) flags() *logflags.Flags {
	if o == nil {
		return nil
	}
	return o.Log
}

func (o *Options) fs() procstat.FS {
	if o == nil {
		return procstat.NewDefaultFS()
	}
	return o.FS
}

func (o *Options) fileMode() uint32 {
	if o == nil || o.FileMode == 0 {
		return DefaultFileMode
	}
	return o.FileMode
}

var pageSize = os.Getpagesize()

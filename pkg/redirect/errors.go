package redirect

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/reredirect/reredirect/pkg/procstat"
)

// Kind classifies an Error. Kind implements error so that callers can test
// for a class of failure with errors.Is(err, redirect.PermissionDenied).
type Kind uint8

const (
	// PermissionDenied means the kernel refused tracing control, most often
	// because of the Yama ptrace_scope policy.
	PermissionDenied Kind = iota + 1
	// NoSuchProcess means the target does not exist (or is a zombie).
	NoSuchProcess
	// AttachFailed covers every other failure to take control of the target.
	AttachFailed
	// UnsafeProcessGroup means another process shares the target's process
	// group.
	UnsafeProcessGroup
	// ScratchAllocationFailed means the scratch page could not be mapped
	// into the target.
	ScratchAllocationFailed
	// WriteFailed means data could not be copied into the scratch page.
	WriteFailed
	// RemoteSyscallFailed means an injected syscall returned an error or
	// could not be issued.
	RemoteSyscallFailed
	// ProtocolStateError means an operation was used in the wrong session
	// state.
	ProtocolStateError
	// DetachFailed means restoring the target or releasing it failed.
	DetachFailed
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission denied"
	case NoSuchProcess:
		return "no such process"
	case AttachFailed:
		return "attach failed"
	case UnsafeProcessGroup:
		return "unsafe process group"
	case ScratchAllocationFailed:
		return "scratch allocation failed"
	case WriteFailed:
		return "write failed"
	case RemoteSyscallFailed:
		return "remote syscall failed"
	case ProtocolStateError:
		return "protocol state error"
	case DetachFailed:
		return "detach failed"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) Error() string {
	return k.String()
}

// Error is returned by every operation of this package.
type Error struct {
	Kind Kind
	// Pid is the target process.
	Pid int
	// Op names the step that failed, e.g. "attach", "open" or "dup2".
	Op string
	// Result is the raw value returned by the injected syscall, for
	// RemoteSyscallFailed and ScratchAllocationFailed.
	Result int64
	// Offending is the process sharing the target's group, for
	// UnsafeProcessGroup.
	Offending *procstat.Stat
	// State is the session state at the time of a ProtocolStateError.
	State State
	Err   error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case UnsafeProcessGroup:
		name := "???"
		pid := 0
		if e.Offending != nil {
			name, pid = e.Offending.Comm, e.Offending.Pid
		}
		return fmt.Sprintf("process %d (%s) shares %d's process group, unable to attach (this most commonly means that %d has subprocesses)", pid, name, e.Pid, e.Pid)
	case ProtocolStateError:
		msg = fmt.Sprintf("%s: not allowed while session is %s", e.Op, e.State)
	case RemoteSyscallFailed, ScratchAllocationFailed:
		msg = fmt.Sprintf("%s in process %d: %s", e.Op, e.Pid, e.Kind)
		if e.Result < 0 {
			msg += fmt.Sprintf(" (result %d)", e.Result)
		}
	default:
		msg = fmt.Sprintf("%s process %d: %s", e.Op, e.Pid, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// attachError classifies a failure to acquire tracing control.
func attachError(pid int, err error) *Error {
	kind := AttachFailed
	switch {
	case errors.Is(err, sys.EPERM):
		kind = PermissionDenied
	case errors.Is(err, sys.ESRCH):
		kind = NoSuchProcess
	}
	return &Error{Kind: kind, Pid: pid, Op: "attach", Err: err}
}

// syscallError wraps the result of an injected syscall. A transport failure
// (err != nil) takes precedence over the raw result.
func syscallError(pid int, op string, kind Kind, rv int64, err error) *Error {
	if err == nil && rv < 0 {
		err = sys.Errno(-rv)
	}
	return &Error{Kind: kind, Pid: pid, Op: op, Result: rv, Err: err}
}

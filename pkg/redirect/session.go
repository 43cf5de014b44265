package redirect

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	sys "golang.org/x/sys/unix"

	"github.com/reredirect/reredirect/pkg/logflags"
	"github.com/reredirect/reredirect/pkg/ptrace"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	Unattached State = iota
	Attached
	ScratchReady
	Detached
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attached:
		return "attached"
	case ScratchReady:
		return "scratch-ready"
	case Detached:
		return "detached"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

var errUnavailable = errors.New("syscall not available on this architecture")

// Session is exclusive control over one target process. It is created by
// Attach and must be ended with Detach, which is the only way to hand the
// target back.
type Session struct {
	pid      int
	id       uuid.UUID
	log      logflags.Logger
	t        Tracee
	sc       ptrace.SyscallTable
	scratch  *Scratch
	state    State
	fileMode uint32
}

// Attach takes control of pid, parks it at a syscall boundary, saves its
// registers and maps a scratch page into it. On success the session is
// ScratchReady. If anything fails after tracing control was acquired the
// target is detached again before the error is returned.
func Attach(pid int, opts *Options) (*Session, error) {
	s := &Session{
		pid:      pid,
		id:       uuid.New(),
		fileMode: opts.fileMode(),
	}
	s.log = opts.flags().SessionLogger().WithFields(logflags.Fields{"pid": pid, "session": s.id.String()})

	t, err := opts.attach(pid)
	if err != nil {
		return nil, attachError(pid, err)
	}
	s.t = t
	s.state = Attached
	s.log.Debugf("acquired tracing control")

	if err := t.AdvanceToSyscall(); err != nil {
		s.abort()
		return nil, &Error{Kind: AttachFailed, Pid: pid, Op: "advance to syscall", Err: err}
	}
	if err := t.SaveRegisters(); err != nil {
		s.abort()
		return nil, &Error{Kind: AttachFailed, Pid: pid, Op: "save registers", Err: err}
	}
	s.sc = t.Syscalls()

	if err := s.mapScratch(); err != nil {
		s.abort()
		return nil, err
	}
	s.state = ScratchReady
	s.log.Debugf("allocated scratch page: %#x", s.scratch.addr)
	return s, nil
}

// With attaches to pid, runs fn and detaches on every exit path, including
// panics. A detach error is returned only if fn succeeded.
func With(pid int, opts *Options, fn func(*Session) error) (err error) {
	s, err := Attach(pid, opts)
	if err != nil {
		return err
	}
	defer func() {
		if derr := s.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(s)
}

// Pid returns the target process.
func (s *Session) Pid() int {
	return s.pid
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the lifecycle state of the session.
func (s *Session) State() State {
	return s.state
}

// Scratch returns the scratch region, or nil if there is none.
func (s *Session) Scratch() *Scratch {
	return s.scratch
}

// Detach unmaps the scratch page, restores the target's registers and
// releases tracing control, in that order. Failing to unmap the page is
// only logged. Calling Detach on a detached session does nothing.
func (s *Session) Detach() error {
	if s.state == Detached || s.state == Unattached {
		return nil
	}
	if s.scratch != nil {
		if err := s.unmapScratch(); err != nil {
			s.log.WithError(err).Errorf("could not unmap scratch page at %#x", s.scratch.addr)
		}
		s.scratch = nil
	}

	rerr := s.t.RestoreRegisters()
	if rerr != nil {
		s.log.WithError(rerr).Errorf("could not restore registers")
	}
	derr := s.t.Detach()
	s.state = Detached
	switch {
	case rerr != nil:
		return &Error{Kind: DetachFailed, Pid: s.pid, Op: "restore registers", Err: rerr}
	case derr != nil:
		return &Error{Kind: DetachFailed, Pid: s.pid, Op: "detach", Err: derr}
	}
	s.log.Debugf("detached")
	return nil
}

// abort detaches after a failed Attach; the original error is what matters
// to the caller so a detach failure is only logged.
func (s *Session) abort() {
	if err := s.Detach(); err != nil {
		s.log.WithError(err).Errorf("detaching after failed attach")
	}
}

func (s *Session) mapScratch() error {
	mmap := s.sc.Mmap2
	if !mmap.Available {
		mmap = s.sc.Mmap
	}
	if !mmap.Available {
		return &Error{Kind: ScratchAllocationFailed, Pid: s.pid, Op: "mmap", Err: errUnavailable}
	}
	rv, err := s.t.Syscall(mmap.Nr, 0, uint64(pageSize),
		sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS,
		^uint64(0), 0)
	if err != nil || ptrace.IsError(rv) {
		return syscallError(s.pid, mmap.Name, ScratchAllocationFailed, rv, err)
	}
	s.scratch = &Scratch{s: s, addr: uint64(rv), size: pageSize}
	return nil
}

func (s *Session) unmapScratch() error {
	if !s.sc.Munmap.Available {
		return errUnavailable
	}
	rv, err := s.t.Syscall(s.sc.Munmap.Nr, s.scratch.addr, uint64(s.scratch.size))
	if err != nil || ptrace.IsError(rv) {
		return syscallError(s.pid, "munmap", RemoteSyscallFailed, rv, err)
	}
	return nil
}

// syscall injects sc and turns failures into a RemoteSyscallFailed error.
func (s *Session) syscall(sc ptrace.Syscall, args ...uint64) (int64, error) {
	if !sc.Available {
		return -int64(sys.ENOSYS), &Error{Kind: RemoteSyscallFailed, Pid: s.pid, Op: sc.Name, Result: -int64(sys.ENOSYS), Err: errUnavailable}
	}
	rv, err := s.t.Syscall(sc.Nr, args...)
	if err != nil || ptrace.IsError(rv) {
		return rv, syscallError(s.pid, sc.Name, RemoteSyscallFailed, rv, err)
	}
	return rv, nil
}

func (s *Session) stateError(op string) *Error {
	return &Error{Kind: ProtocolStateError, Pid: s.pid, Op: op, State: s.state}
}

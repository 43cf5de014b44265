package redirect

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/reredirect/reredirect/pkg/ptrace"
)

func TestAttachDetachRoundTrip(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	before := f.fdsCopy()

	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	assert.Equal(t, ScratchReady, s.State())
	assert.Equal(t, 1234, s.Pid())
	require.NotNil(t, s.Scratch())
	assert.Equal(t, pageSize, s.Scratch().Len())
	assert.Len(t, f.pages, 1)

	require.NoError(t, s.Detach())
	assert.Equal(t, Detached, s.State())
	assert.Nil(t, s.Scratch())
	assert.Empty(t, f.pages, "scratch page left mapped")
	assert.Equal(t, "original", f.regs, "registers not restored")
	assert.Equal(t, before, f.fds)
	assert.True(t, f.detached)
	assert.Equal(t, "attach,advance,save,mmap,munmap,restore,detach", eventsString(f))
}

func TestDetachTwice(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	require.NoError(t, s.Detach())
	n := len(f.events)
	require.NoError(t, s.Detach())
	assert.Len(t, f.events, n, "second Detach touched the target")
}

func TestAttachPrefersMmap2(t *testing.T) {
	f := newFakeTracee(1234, legacyTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()
	assert.True(t, f.called("mmap2"))
	assert.False(t, f.called("mmap"))
}

func TestAttachErrors(t *testing.T) {
	for _, tc := range []struct {
		err  error
		kind Kind
	}{
		{fmt.Errorf("ptrace attach: %w", sys.EPERM), PermissionDenied},
		{fmt.Errorf("ptrace attach: %w", sys.ESRCH), NoSuchProcess},
		{fmt.Errorf("ptrace attach: %w", sys.EBUSY), AttachFailed},
	} {
		opts := &Options{AttachFunc: func(int) (Tracee, error) { return nil, tc.err }}
		s, err := Attach(42, opts)
		assert.Nil(t, s)
		rerr := assertKind(t, err, tc.kind)
		assert.Equal(t, 42, rerr.Pid)
		assert.True(t, errors.Is(err, tc.err), "cause lost: %v", err)
	}
}

func TestAttachUnknownPid(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	_, err := Attach(999, f.options())
	assertKind(t, err, NoSuchProcess)
}

func TestAttachAdvanceFailureDetaches(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	f.advanceErr = errors.New("target exited")
	s, err := Attach(1234, f.options())
	assert.Nil(t, s)
	assertKind(t, err, AttachFailed)
	assert.True(t, f.detached)
}

func TestScratchAllocationFailureDetaches(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	f.fail["mmap"] = -int64(sys.ENOMEM)
	s, err := Attach(1234, f.options())
	assert.Nil(t, s)
	rerr := assertKind(t, err, ScratchAllocationFailed)
	assert.Equal(t, -int64(sys.ENOMEM), rerr.Result)
	assert.True(t, errors.Is(err, sys.ENOMEM))

	assert.Equal(t, "attach,advance,save,mmap,restore,detach", eventsString(f))
	assert.Equal(t, "original", f.regs)
}

func TestScratchUnsupported(t *testing.T) {
	table := withSyscalls(modernTable, func(tt *ptrace.SyscallTable) {
		tt.Mmap.Available = false
	})
	f := newFakeTracee(1234, table)
	_, err := Attach(1234, f.options())
	assertKind(t, err, ScratchAllocationFailed)
	assert.True(t, errors.Is(err, errUnavailable))
	assert.True(t, f.detached)
}

func TestUnmapFailureDoesNotAbortDetach(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	f.fail["munmap"] = -int64(sys.EINVAL)

	require.NoError(t, s.Detach())
	assert.Equal(t, "original", f.regs)
	assert.True(t, f.detached)
	assert.Equal(t, Detached, s.State())
}

func TestRestoreFailureStillReleases(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	f.restoreErr = errors.New("setregs: no such process")

	err = s.Detach()
	assertKind(t, err, DetachFailed)
	assert.True(t, f.detached, "tracing control not released")
	assert.Equal(t, Detached, s.State())
}

func TestWithDetachesOnError(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	boom := errors.New("boom")
	err := With(1234, f.options(), func(s *Session) error {
		assert.Equal(t, ScratchReady, s.State())
		return boom
	})
	assert.Equal(t, boom, err)
	assert.True(t, f.detached)
	assert.Equal(t, "original", f.regs)
}

func TestWithDetachesOnPanic(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	assert.Panics(t, func() {
		With(1234, f.options(), func(s *Session) error {
			panic("boom")
		})
	})
	assert.True(t, f.detached)
	assert.Empty(t, f.pages)
}

func TestScratchWrite(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	sc := s.Scratch()

	addr, err := sc.Write(8, []byte("hello\x00"))
	require.NoError(t, err)
	assert.Equal(t, sc.Addr()+8, addr)
	str, ok := f.cstring(addr)
	require.True(t, ok)
	assert.Equal(t, "hello", str)

	_, err = sc.Write(0, make([]byte, sc.Len()+1))
	assertKind(t, err, WriteFailed)
	_, err = sc.Write(-1, []byte("x"))
	assertKind(t, err, WriteFailed)
	_, err = sc.Write(sc.Len()-1, []byte("xy"))
	assertKind(t, err, WriteFailed)

	require.NoError(t, s.Detach())
	_, err = sc.Write(0, []byte("x"))
	rerr := assertKind(t, err, ProtocolStateError)
	assert.Equal(t, Detached, rerr.State)
}

func TestSessionIDsAreUnique(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s1, err := Attach(1234, f.options())
	require.NoError(t, err)
	require.NoError(t, s1.Detach())
	f.detached = false
	s2, err := Attach(1234, f.options())
	require.NoError(t, err)
	require.NoError(t, s2.Detach())
	assert.NotEqual(t, s1.ID(), s2.ID())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "scratch-ready", ScratchReady.String())
	assert.Equal(t, "State(9)", State(9).String())
}

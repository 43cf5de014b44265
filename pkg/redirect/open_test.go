package redirect

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
}

func TestOpenAbsolute(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()

	fd, err := s.Open("/var/log/out.log")
	require.NoError(t, err)
	assert.Equal(t, 3, fd)
	assert.Equal(t, "file:/var/log/out.log", f.fds[3])

	require.Len(t, f.opens, 1)
	c := f.opens[0]
	assert.Equal(t, uint64(sys.O_RDWR|sys.O_CREAT), c.flags)
	assert.Equal(t, uint64(0666), c.mode)
	assert.True(t, f.called("open"))
	assert.False(t, f.called("openat"))
}

func TestOpenRelativeUsesOurDirectory(t *testing.T) {
	ours := t.TempDir()
	theirs := t.TempDir()
	for _, dir := range []string{ours, theirs} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "out.log"), nil, 0644))
	}
	chdir(t, ours)
	// t.TempDir may sit behind a symlink; compare with what Getwd reports.
	wd, err := os.Getwd()
	require.NoError(t, err)

	f := newFakeTracee(1234, modernTable)
	f.cwd = theirs
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()

	fd, err := s.Open("out.log")
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(wd, "out.log"), f.fds[fd])
	assert.False(t, strings.HasPrefix(f.opens[0].path, theirs))
}

func TestOpenFallsBackToOpenat(t *testing.T) {
	f := newFakeTracee(1234, atOnlyTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()

	fd, err := s.Open("/tmp/out.log")
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/out.log", f.fds[fd])
	assert.True(t, f.called("openat"))
	require.Len(t, f.opens, 1)
	assert.Equal(t, int64(sys.AT_FDCWD), f.opens[0].dirfd)
	assert.Equal(t, uint64(sys.O_RDWR|sys.O_CREAT), f.opens[0].flags)
}

func TestOpenFileMode(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	opts := f.options()
	opts.FileMode = 0600
	s, err := Attach(1234, opts)
	require.NoError(t, err)
	defer s.Detach()

	_, err = s.Open("/tmp/out.log")
	require.NoError(t, err)
	assert.Equal(t, uint64(0600), f.opens[0].mode)
}

func TestOpenFailure(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()
	before := f.fdsCopy()

	f.fail["open"] = -int64(sys.EACCES)
	fd, err := s.Open("/root/forbidden")
	assert.Equal(t, -1, fd)
	rerr := assertKind(t, err, RemoteSyscallFailed)
	assert.Equal(t, -int64(sys.EACCES), rerr.Result)
	assert.Equal(t, "open", rerr.Op)
	assert.True(t, errors.Is(err, sys.EACCES))
	assert.Equal(t, before, f.fds)
	assert.Equal(t, ScratchReady, s.State(), "a failed open must not end the session")
}

func TestOpenWriteFailure(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()

	f.writeErr = sys.EIO
	_, err = s.Open("/tmp/out.log")
	assertKind(t, err, WriteFailed)
	assert.False(t, f.called("open"))
}

func TestOpenBadPaths(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	defer s.Detach()

	_, err = s.Open("")
	assertKind(t, err, WriteFailed)

	_, err = s.Open("/" + strings.Repeat("a", pageSize))
	assertKind(t, err, WriteFailed)
	assert.False(t, f.called("open"))
}

func TestOpenAfterDetach(t *testing.T) {
	f := newFakeTracee(1234, modernTable)
	s, err := Attach(1234, f.options())
	require.NoError(t, err)
	require.NoError(t, s.Detach())

	_, err = s.Open("/tmp/out.log")
	assertKind(t, err, ProtocolStateError)
}

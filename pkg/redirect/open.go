package redirect

import (
	"errors"
	"path/filepath"

	sys "golang.org/x/sys/unix"
)

// Open opens path inside the target, creating it if needed, and returns the
// new descriptor as numbered in the target.
//
// A relative path is resolved against our working directory, not the
// target's: the target's cwd and mount namespace are never consulted.
func (s *Session) Open(path string) (int, error) {
	if s.state != ScratchReady {
		return -1, s.stateError("open")
	}
	if path == "" {
		return -1, &Error{Kind: WriteFailed, Pid: s.pid, Op: "open", Err: errors.New("empty path")}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return -1, &Error{Kind: WriteFailed, Pid: s.pid, Op: "open", Err: err}
	}
	addr, err := s.scratch.Write(0, append([]byte(abs), 0))
	if err != nil {
		s.log.WithError(err).Errorf("unable to copy %s to the target", abs)
		return -1, err
	}

	const flags = sys.O_RDWR | sys.O_CREAT
	mode := uint64(s.fileMode)
	var fd int64
	if s.sc.Open.Available {
		fd, err = s.syscall(s.sc.Open, addr, flags, mode)
	} else {
		atFdcwd := int64(sys.AT_FDCWD)
		fd, err = s.syscall(s.sc.Openat, uint64(atFdcwd), addr, flags, mode)
	}
	if err != nil {
		s.log.WithError(err).Errorf("unable to open %s in the target", abs)
		return -1, err
	}
	s.log.Debugf("opened %s in the target: fd %d", abs, fd)
	return int(fd), nil
}

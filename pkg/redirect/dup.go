package redirect

import (
	sys "golang.org/x/sys/unix"
)

// Dup points descriptor dst of the target at whatever src refers to, then
// closes src. If saveOriginal is set, dst is first duplicated onto a fresh
// descriptor whose number is returned so the binding can be restored later;
// otherwise -1 is returned.
//
// A dst that is not open in the target has no binding to save; the swap
// then goes ahead and -1 is returned. Any other failure to save aborts
// before dst is touched.
//
// If duplicating onto dst or closing src fails, the saved descriptor is
// still returned along with the error. Nothing is retried.
func (s *Session) Dup(src, dst int, saveOriginal bool) (int, error) {
	if s.state != Attached && s.state != ScratchReady {
		return -1, s.stateError("dup")
	}
	saved := -1
	if saveOriginal {
		rv, err := s.syscall(s.sc.Dup, uint64(dst))
		switch {
		case err == nil:
			saved = int(rv)
			s.log.Debugf("saved fd %d as %d", dst, saved)
		case rv == -int64(sys.EBADF):
			s.log.Debugf("fd %d is not open, nothing to save", dst)
		default:
			s.log.WithError(err).Errorf("unable to save fd %d", dst)
			return -1, err
		}
	}
	if src == dst {
		return saved, nil
	}

	var err error
	if s.sc.Dup2.Available {
		_, err = s.syscall(s.sc.Dup2, uint64(src), uint64(dst))
	} else {
		_, err = s.syscall(s.sc.Dup3, uint64(src), uint64(dst), 0)
	}
	if err != nil {
		s.log.WithError(err).Errorf("unable to move fd %d onto %d", src, dst)
		return saved, err
	}
	if _, err := s.syscall(s.sc.Close, uint64(src)); err != nil {
		s.log.WithError(err).Errorf("unable to close fd %d", src)
		return saved, err
	}
	s.log.Debugf("fd %d now refers to former fd %d", dst, src)
	return saved, nil
}

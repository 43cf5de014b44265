package redirect

import "fmt"

// Target says what one of the target's standard streams should be pointed
// at: a file to open in the target, or a descriptor the target already has
// open (typically one saved by an earlier run).
type Target struct {
	Path string
	Fd   int
}

// None leaves a stream alone.
var None = Target{Fd: -1}

// File points a stream at path.
func File(path string) Target {
	return Target{Path: path, Fd: -1}
}

// Fd points a stream at an existing descriptor of the target. A negative fd
// is the same as None.
func Fd(fd int) Target {
	if fd < 0 {
		return None
	}
	return Target{Fd: fd}
}

// IsSet reports whether the stream is to be redirected.
func (t Target) IsSet() bool {
	return t.Path != "" || t.Fd >= 0
}

func (t Target) String() string {
	switch {
	case t.Path != "":
		return t.Path
	case t.Fd >= 0:
		return fmt.Sprintf("fd %d", t.Fd)
	}
	return "unchanged"
}

// Plan describes a single redirection run.
type Plan struct {
	Stdout Target
	Stderr Target
	// SaveOriginal keeps the current stdout/stderr bindings alive on fresh
	// descriptors so they can be restored later.
	SaveOriginal bool
}

// Restore holds the descriptors saved by Execute. A value of -1 means
// nothing was saved for that stream.
type Restore struct {
	Pid    int
	Stdout int
	Stderr int
}

// Saved reports whether any original binding was kept.
func (r Restore) Saved() bool {
	return r.Stdout >= 0 || r.Stderr >= 0
}

// Command returns the invocation of prog that puts the saved bindings back.
func (r Restore) Command(prog string) string {
	return fmt.Sprintf("%s -N -O %d -E %d %d", prog, r.Stdout, r.Stderr, r.Pid)
}

// Execute carries out plan on pid: it checks the process group, attaches,
// opens the requested files in the target, moves them onto descriptors 1
// and 2 and detaches. The returned Restore is meaningful even when an error
// is returned, since a partial run may already have saved descriptors.
func Execute(pid int, plan Plan, opts *Options) (Restore, error) {
	res := Restore{Pid: pid, Stdout: -1, Stderr: -1}
	if err := CheckProcessGroup(opts.fs(), pid, opts.flags().GuardLogger()); err != nil {
		return res, err
	}
	err := With(pid, opts, func(s *Session) error {
		var opened []int
		closeOpened := func() {
			for _, fd := range opened {
				if _, err := s.syscall(s.sc.Close, uint64(fd)); err != nil {
					s.log.WithError(err).Errorf("could not close fd %d", fd)
				}
			}
		}

		fdo, err := s.resolve(plan.Stdout)
		if err != nil {
			return err
		}
		if plan.Stdout.Path != "" {
			opened = append(opened, fdo)
		}
		fde, err := s.resolve(plan.Stderr)
		if err != nil {
			closeOpened()
			return err
		}
		if plan.Stderr.Path != "" {
			opened = append(opened, fde)
		}

		if fdo >= 0 {
			res.Stdout, err = s.Dup(fdo, 1, plan.SaveOriginal)
			if err != nil {
				closeOpened()
				return err
			}
			opened = without(opened, fdo)
		}
		if fde >= 0 {
			res.Stderr, err = s.Dup(fde, 2, plan.SaveOriginal)
			if err != nil {
				closeOpened()
				return err
			}
		}
		return nil
	})
	return res, err
}

func (s *Session) resolve(t Target) (int, error) {
	if t.Path != "" {
		return s.Open(t.Path)
	}
	return t.Fd, nil
}

func without(fds []int, fd int) []int {
	r := fds[:0]
	for _, x := range fds {
		if x != fd {
			r = append(r, x)
		}
	}
	return r
}

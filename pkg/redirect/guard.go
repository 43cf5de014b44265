package redirect

import (
	"errors"
	"io/fs"

	"github.com/reredirect/reredirect/pkg/logflags"
	"github.com/reredirect/reredirect/pkg/procstat"
)

// CheckProcessGroup refuses targets whose process group has other members.
// Redirection strategies that move the target into a new process group are
// unsafe when the group is shared, so we bail out instead.
//
// The check is inherently racy: a process may join the group right after
// the scan. It is a best-effort mitigation, not a guarantee.
func CheckProcessGroup(pfs procstat.FS, pid int, log logflags.Logger) error {
	if log == nil {
		log = logflags.Quiet("guard")
	}
	log.Debugf("checking for problematic process group members...")

	target, err := pfs.Stat(pid)
	if err != nil {
		kind := AttachFailed
		if errors.Is(err, fs.ErrNotExist) {
			kind = NoSuchProcess
		}
		return &Error{Kind: kind, Pid: pid, Op: "read process group of", Err: err}
	}
	if !target.Alive() {
		return &Error{Kind: NoSuchProcess, Pid: pid, Op: "read process group of", Err: errors.New("process is a zombie")}
	}

	pids, err := pfs.Pids()
	if err != nil {
		return &Error{Kind: AttachFailed, Pid: pid, Op: "list processes for", Err: err}
	}
	for _, other := range pids {
		if other == pid {
			continue
		}
		st, err := pfs.Stat(other)
		if err != nil {
			// Gone since the listing, or not ours to read.
			log.Debugf("skipping %d: %v", other, err)
			continue
		}
		// Over-conservative: a member that is only a forked child of the
		// target would be safe, but it is refused like any other.
		if st.Pgrp == target.Pgrp {
			return &Error{Kind: UnsafeProcessGroup, Pid: pid, Op: "check process group of", Offending: &st}
		}
	}
	log.Debugf("process group %d has no other members", target.Pgrp)
	return nil
}

// Package procstat reads point-in-time process status records from procfs.
package procstat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is where procfs is normally mounted.
const DefaultRoot = "/proc"

// TaskCommLen is the kernel's limit on the short process name, without the
// terminating NUL.
const TaskCommLen = 16

// ErrMalformedStat is returned when a stat record does not have the
// expected shape.
var ErrMalformedStat = errors.New("malformed stat record")

// Stat is the leading part of /proc/<pid>/stat.
type Stat struct {
	Pid     int
	Comm    string
	State   byte
	PPid    int
	Session int
	Pgrp    int
	// TTY is the device number of the controlling terminal, 0 if none.
	TTY uint64
}

// FS is a procfs mount.
type FS struct {
	Root string
}

// NewDefaultFS returns the procfs mounted at DefaultRoot.
func NewDefaultFS() FS {
	return FS{Root: DefaultRoot}
}

func (fs FS) root() string {
	if fs.Root == "" {
		return DefaultRoot
	}
	return fs.Root
}

// Stat reads and parses the stat record of pid.
func (fs FS) Stat(pid int) (Stat, error) {
	buf, err := os.ReadFile(filepath.Join(fs.root(), strconv.Itoa(pid), "stat"))
	if err != nil {
		return Stat{}, err
	}
	st, err := ParseStat(buf)
	if err != nil {
		return Stat{}, fmt.Errorf("pid %d: %w", pid, err)
	}
	return st, nil
}

// Pids lists the processes currently present in procfs.
func (fs FS) Pids() ([]int, error) {
	des, err := os.ReadDir(fs.root())
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(des))
	for _, de := range des {
		if !de.IsDir() || !isProcDir(de.Name()) {
			continue
		}
		pid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func isProcDir(name string) bool {
	if name == "" {
		return false
	}
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// ParseStat parses the contents of a stat record. Only the fields up to the
// controlling terminal are decoded; the rest of the record is ignored.
//
// The name may contain spaces and parentheses, so it is taken to be
// everything between the first '(' and the last ')'.
func ParseStat(buf []byte) (Stat, error) {
	var st Stat
	open := bytes.IndexByte(buf, '(')
	close := bytes.LastIndexByte(buf, ')')
	if open < 0 || close < open {
		return st, ErrMalformedStat
	}

	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf[:open])))
	if err != nil {
		return st, fmt.Errorf("%w: bad pid: %v", ErrMalformedStat, err)
	}
	st.Pid = pid

	comm := buf[open+1 : close]
	if len(comm) > TaskCommLen {
		comm = comm[:TaskCommLen]
	}
	st.Comm = string(comm)

	fields := bytes.Fields(buf[close+1:])
	if len(fields) < 5 {
		return st, fmt.Errorf("%w: expected at least 5 fields after the name, got %d", ErrMalformedStat, len(fields))
	}
	if len(fields[0]) != 1 {
		return st, fmt.Errorf("%w: bad state %q", ErrMalformedStat, fields[0])
	}
	st.State = fields[0][0]

	ints := []*int{&st.PPid, &st.Session, &st.Pgrp}
	for i, dst := range ints {
		n, err := strconv.Atoi(string(fields[i+1]))
		if err != nil {
			return st, fmt.Errorf("%w: field %d: %v", ErrMalformedStat, i+4, err)
		}
		*dst = n
	}
	tty, err := strconv.ParseInt(string(fields[4]), 10, 64)
	if err != nil {
		return st, fmt.Errorf("%w: tty_nr: %v", ErrMalformedStat, err)
	}
	st.TTY = uint64(uint32(tty))
	return st, nil
}

// Alive reports whether the record describes a process that can still be
// acted upon, i.e. it is neither a zombie nor dead.
func (st Stat) Alive() bool {
	return st.State != 'Z' && st.State != 'X' && st.State != 'x'
}

package redirect

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/reredirect/reredirect/pkg/procstat"
	"github.com/reredirect/reredirect/pkg/ptrace"
)

// Syscall layouts the fake tracee can present.
var (
	// x86-64 style: mmap, open and dup2 exist, mmap2 does not.
	modernTable = ptrace.SyscallTable{
		Mmap2:  ptrace.Syscall{Name: "mmap2"},
		Mmap:   ptrace.Syscall{Name: "mmap", Nr: 9, Available: true},
		Munmap: ptrace.Syscall{Name: "munmap", Nr: 11, Available: true},
		Open:   ptrace.Syscall{Name: "open", Nr: 2, Available: true},
		Openat: ptrace.Syscall{Name: "openat", Nr: 257, Available: true},
		Dup:    ptrace.Syscall{Name: "dup", Nr: 32, Available: true},
		Dup2:   ptrace.Syscall{Name: "dup2", Nr: 33, Available: true},
		Dup3:   ptrace.Syscall{Name: "dup3", Nr: 292, Available: true},
		Close:  ptrace.Syscall{Name: "close", Nr: 3, Available: true},
	}
	// 32-bit style: mmap2 is available next to the old mmap.
	legacyTable = withSyscalls(modernTable, func(t *ptrace.SyscallTable) {
		t.Mmap2 = ptrace.Syscall{Name: "mmap2", Nr: 192, Available: true}
	})
	// arm64 style: no open, no dup2.
	atOnlyTable = withSyscalls(modernTable, func(t *ptrace.SyscallTable) {
		t.Open = ptrace.Syscall{Name: "open"}
		t.Dup2 = ptrace.Syscall{Name: "dup2"}
	})
)

func withSyscalls(t ptrace.SyscallTable, fn func(*ptrace.SyscallTable)) ptrace.SyscallTable {
	fn(&t)
	return t
}

type openCall struct {
	path  string
	flags uint64
	mode  uint64
	dirfd int64
}

// fakeTracee simulates a stopped process: a descriptor table, mapped pages
// and a register file reduced to a single string.
type fakeTracee struct {
	pid   int
	table ptrace.SyscallTable
	// cwd is the target's working directory, used to resolve relative
	// paths that reach the remote open.
	cwd string

	fds   map[int]string
	pages map[uint64][]byte
	next  uint64

	regs      string
	savedRegs string
	hasSaved  bool
	atSyscall bool
	detached  bool
	events    []string
	opens     []openCall

	// failures, keyed by syscall name
	fail       map[string]int64
	transport  map[string]error
	advanceErr error
	saveErr    error
	restoreErr error
	writeErr   error
}

func newFakeTracee(pid int, table ptrace.SyscallTable) *fakeTracee {
	return &fakeTracee{
		pid:       pid,
		table:     table,
		cwd:       "/target/cwd",
		fds:       map[int]string{0: "tty", 1: "tty", 2: "tty"},
		pages:     map[uint64][]byte{},
		next:      0x7f0000000000,
		regs:      "original",
		fail:      map[string]int64{},
		transport: map[string]error{},
	}
}

func (f *fakeTracee) options() *Options {
	return &Options{
		AttachFunc: func(pid int) (Tracee, error) {
			if pid != f.pid {
				return nil, sys.ESRCH
			}
			f.events = append(f.events, "attach")
			return f, nil
		},
	}
}

func (f *fakeTracee) Pid() int                      { return f.pid }
func (f *fakeTracee) Syscalls() ptrace.SyscallTable { return f.table }

func (f *fakeTracee) AdvanceToSyscall() error {
	f.events = append(f.events, "advance")
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.atSyscall = true
	return nil
}

func (f *fakeTracee) SaveRegisters() error {
	f.events = append(f.events, "save")
	if f.saveErr != nil {
		return f.saveErr
	}
	if !f.atSyscall {
		return ptrace.ErrNotAtSyscall
	}
	f.savedRegs = f.regs
	f.hasSaved = true
	return nil
}

func (f *fakeTracee) RestoreRegisters() error {
	f.events = append(f.events, "restore")
	if f.restoreErr != nil {
		return f.restoreErr
	}
	if f.hasSaved {
		f.regs = f.savedRegs
		f.hasSaved = false
	}
	return nil
}

func (f *fakeTracee) Detach() error {
	f.events = append(f.events, "detach")
	f.detached = true
	return nil
}

func (f *fakeTracee) WriteMemory(addr uintptr, data []byte) error {
	if f.detached {
		return ptrace.ProcessDetachedError{}
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	page, off, ok := f.lookup(uint64(addr))
	if !ok || off+len(data) > len(page) {
		return sys.EFAULT
	}
	copy(page[off:], data)
	return nil
}

func (f *fakeTracee) lookup(addr uint64) ([]byte, int, bool) {
	for base, page := range f.pages {
		if addr >= base && addr < base+uint64(len(page)) {
			return page, int(addr - base), true
		}
	}
	return nil, 0, false
}

func (f *fakeTracee) cstring(addr uint64) (string, bool) {
	page, off, ok := f.lookup(addr)
	if !ok {
		return "", false
	}
	n := bytes.IndexByte(page[off:], 0)
	if n < 0 {
		return "", false
	}
	return string(page[off : off+n]), true
}

func (f *fakeTracee) lowestFree() int {
	for fd := 0; ; fd++ {
		if _, used := f.fds[fd]; !used {
			return fd
		}
	}
}

func (f *fakeTracee) Syscall(nr uint64, args ...uint64) (int64, error) {
	if f.detached {
		return -1, ptrace.ProcessDetachedError{}
	}
	if !f.hasSaved {
		return -1, ptrace.ErrRegistersNotSaved
	}
	name := f.name(nr)
	f.events = append(f.events, name)
	if err := f.transport[name]; err != nil {
		return -1, err
	}
	if rv, ok := f.fail[name]; ok {
		return rv, nil
	}
	// The tracee's registers are clobbered by every injected call until
	// they are restored.
	f.regs = "clobbered by " + name
	var a [6]uint64
	copy(a[:], args)

	switch name {
	case "mmap", "mmap2":
		addr := f.next
		f.next += 0x10000
		f.pages[addr] = make([]byte, a[1])
		return int64(addr), nil
	case "munmap":
		if _, ok := f.pages[a[0]]; !ok {
			return -int64(sys.EINVAL), nil
		}
		delete(f.pages, a[0])
		return 0, nil
	case "open", "openat":
		c := openCall{dirfd: int64(sys.AT_FDCWD)}
		addr := a[0]
		c.flags, c.mode = a[1], a[2]
		if name == "openat" {
			c.dirfd = int64(a[0])
			addr = a[1]
			c.flags, c.mode = a[2], a[3]
		}
		path, ok := f.cstring(addr)
		if !ok {
			return -int64(sys.EFAULT), nil
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(f.cwd, path)
		}
		c.path = path
		f.opens = append(f.opens, c)
		fd := f.lowestFree()
		f.fds[fd] = "file:" + path
		return int64(fd), nil
	case "dup":
		file, ok := f.fds[int(a[0])]
		if !ok {
			return -int64(sys.EBADF), nil
		}
		fd := f.lowestFree()
		f.fds[fd] = file
		return int64(fd), nil
	case "dup2", "dup3":
		if name == "dup3" && a[0] == a[1] {
			return -int64(sys.EINVAL), nil
		}
		file, ok := f.fds[int(a[0])]
		if !ok {
			return -int64(sys.EBADF), nil
		}
		f.fds[int(a[1])] = file
		return int64(a[1]), nil
	case "close":
		if _, ok := f.fds[int(a[0])]; !ok {
			return -int64(sys.EBADF), nil
		}
		delete(f.fds, int(a[0]))
		return 0, nil
	}
	return -int64(sys.ENOSYS), nil
}

func (f *fakeTracee) name(nr uint64) string {
	for _, sc := range []ptrace.Syscall{f.table.Mmap2, f.table.Mmap, f.table.Munmap, f.table.Open, f.table.Openat, f.table.Dup, f.table.Dup2, f.table.Dup3, f.table.Close} {
		if sc.Available && sc.Nr == nr {
			return sc.Name
		}
	}
	return fmt.Sprintf("syscall%d", nr)
}

func (f *fakeTracee) called(name string) bool {
	for _, ev := range f.events {
		if ev == name {
			return true
		}
	}
	return false
}

func (f *fakeTracee) fdsCopy() map[int]string {
	r := make(map[int]string, len(f.fds))
	for k, v := range f.fds {
		r[k] = v
	}
	return r
}

func assertKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	return rerr
}

// makeProcFS lays out a fake procfs with one stat record per entry of
// pgrps (pid -> process group).
func makeProcFS(t *testing.T, pgrps map[int]int) procstat.FS {
	t.Helper()
	root := t.TempDir()
	for pid, pgrp := range pgrps {
		writeStat(t, root, pid, fmt.Sprintf("%d (proc %d) S 1 %d %d 0 -1 4194304\n", pid, pid, pgrp, pgrp))
	}
	return procstat.FS{Root: root}
}

func writeStat(t *testing.T, root string, pid int, content string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func eventsString(f *fakeTracee) string {
	return strings.Join(f.events, ",")
}

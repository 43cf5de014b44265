package ptrace

import sys "golang.org/x/sys/unix"

// arm64 only has the *at and dup3 flavours of the legacy calls.
var syscallTable = SyscallTable{
	Mmap2:  unavailable("mmap2"),
	Mmap:   available("mmap", sys.SYS_MMAP),
	Munmap: available("munmap", sys.SYS_MUNMAP),
	Open:   unavailable("open"),
	Openat: available("openat", sys.SYS_OPENAT),
	Dup:    available("dup", sys.SYS_DUP),
	Dup2:   unavailable("dup2"),
	Dup3:   available("dup3", sys.SYS_DUP3),
	Close:  available("close", sys.SYS_CLOSE),
}

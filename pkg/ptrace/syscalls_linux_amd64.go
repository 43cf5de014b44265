package ptrace

import sys "golang.org/x/sys/unix"

var syscallTable = SyscallTable{
	Mmap2:  unavailable("mmap2"),
	Mmap:   available("mmap", sys.SYS_MMAP),
	Munmap: available("munmap", sys.SYS_MUNMAP),
	Open:   available("open", sys.SYS_OPEN),
	Openat: available("openat", sys.SYS_OPENAT),
	Dup:    available("dup", sys.SYS_DUP),
	Dup2:   available("dup2", sys.SYS_DUP2),
	Dup3:   available("dup3", sys.SYS_DUP3),
	Close:  available("close", sys.SYS_CLOSE),
}

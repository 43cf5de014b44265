package redirect

import "fmt"

// Scratch is the page mapped into the target by Attach. It is only usable
// while its session is ScratchReady.
type Scratch struct {
	s    *Session
	addr uint64
	size int
}

// Addr returns the address of the page in the target.
func (sc *Scratch) Addr() uint64 {
	return sc.addr
}

// Len returns the size of the page.
func (sc *Scratch) Len() int {
	return sc.size
}

// Write copies data into the page at offset off and returns the target
// address it was written to.
func (sc *Scratch) Write(off int, data []byte) (uint64, error) {
	if sc.s.state != ScratchReady || sc.s.scratch != sc {
		return 0, sc.s.stateError("write scratch")
	}
	if off < 0 || len(data) > sc.size-off {
		return 0, &Error{Kind: WriteFailed, Pid: sc.s.pid, Op: "write scratch",
			Err: fmt.Errorf("%d bytes at offset %d do not fit in a %d byte scratch page", len(data), off, sc.size)}
	}
	addr := sc.addr + uint64(off)
	if err := sc.s.t.WriteMemory(uintptr(addr), data); err != nil {
		return 0, &Error{Kind: WriteFailed, Pid: sc.s.pid, Op: "write scratch", Err: err}
	}
	return addr, nil
}

package ptrace

import (
	"fmt"
	"runtime"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/reredirect/reredirect/pkg/logflags"
)

// Where the tracee is parked.
type stopState uint8

const (
	stateStopped      stopState = iota // signal-delivery stop, not at a syscall
	stateSyscallEnter                  // syscall-entry stop
	stateSyscallExit                   // syscall-exit stop
)

func (s stopState) String() string {
	switch s {
	case stateStopped:
		return "stopped"
	case stateSyscallEnter:
		return "syscall-enter"
	case stateSyscallExit:
		return "syscall-exit"
	}
	return fmt.Sprintf("stopState(%d)", s)
}

// syscallStopSig is the stop signal reported for syscall stops once
// PTRACE_O_TRACESYSGOOD is set.
const syscallStopSig = sys.SIGTRAP | 0x80

// Process is a thread of another process under our ptrace control.
type Process struct {
	pid int
	log logflags.Logger

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	state stopState
	saved regs
	// hasSaved is true between SaveRegisters and RestoreRegisters.
	hasSaved bool
	// pendingSig is a stop signal that arrived while we were driving the
	// tracee; it is handed back on detach.
	pendingSig sys.Signal

	detached bool
}

// Attach takes ptrace control of pid and waits for it to stop. The returned
// Process must be released with Detach.
func Attach(pid int, log logflags.Logger) (*Process, error) {
	if log == nil {
		log = logflags.Quiet("ptrace")
	}
	p := &Process{
		pid:            pid,
		log:            log.WithField("pid", pid),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
	}
	go p.handlePtraceFuncs()

	var err error
	p.execPtraceFunc(func() {
		err = sys.PtraceAttach(pid)
		if err != nil {
			err = fmt.Errorf("ptrace attach: %w", err)
			return
		}
		if err = p.waitStop(); err != nil {
			ptraceDetach(pid, 0)
			return
		}
		err = sys.PtraceSetOptions(pid, sys.PTRACE_O_TRACESYSGOOD)
		if err != nil {
			err = fmt.Errorf("ptrace setoptions: %w", err)
			ptraceDetach(pid, 0)
		}
	})
	if err != nil {
		p.postExit()
		return nil, err
	}
	p.log.Debugf("attached")
	return p, nil
}

// Pid returns the process ID.
func (p *Process) Pid() int {
	return p.pid
}

// Syscalls returns the syscall numbering for the tracee's architecture.
func (p *Process) Syscalls() SyscallTable {
	return syscallTable
}

// AdvanceToSyscall resumes the tracee until it reaches the entry of its next
// syscall. Signals received on the way are passed through, except stop
// signals which are held back until Detach.
func (p *Process) AdvanceToSyscall() error {
	if p.detached {
		return ProcessDetachedError{}
	}
	var err error
	p.execPtraceFunc(func() { err = p.advanceTo(stateSyscallEnter) })
	return err
}

// SaveRegisters takes a snapshot of the tracee's registers, adjusted so that
// restoring them re-executes the syscall the tracee was entering. The tracee
// must be at a syscall-entry stop.
func (p *Process) SaveRegisters() error {
	if p.detached {
		return ProcessDetachedError{}
	}
	if p.state != stateSyscallEnter {
		return ErrNotAtSyscall
	}
	var r regs
	var err error
	p.execPtraceFunc(func() { err = getRegs(p.pid, &r) })
	if err != nil {
		return fmt.Errorf("ptrace getregs: %w", err)
	}
	code, err := p.ReadMemory(uintptr(r.pc()-syscallInsnLen), syscallInsnLen)
	if err != nil {
		return err
	}
	if !isSyscallInsn(code) {
		return fmt.Errorf("instruction at %#x is not a syscall instruction: %w", r.pc()-syscallInsnLen, ErrNotAtSyscall)
	}
	r.rewind()
	p.saved = r
	p.hasSaved = true
	p.log.Debugf("saved registers, pc=%#x", p.saved.pc())
	return nil
}

// RestoreRegisters writes back the snapshot taken by SaveRegisters. If the
// tracee is still sitting at the entry of the syscall it was originally
// entering, that syscall is skipped first so that it runs exactly once after
// the tracee resumes.
func (p *Process) RestoreRegisters() error {
	if p.detached {
		return ProcessDetachedError{}
	}
	if !p.hasSaved {
		return nil
	}
	var err error
	p.execPtraceFunc(func() {
		if p.state == stateSyscallEnter {
			var cur regs
			if err = getRegs(p.pid, &cur); err != nil {
				err = fmt.Errorf("ptrace getregs: %w", err)
				return
			}
			var args [6]uint64
			if err = setSyscall(p.pid, &cur, -1, args); err != nil {
				err = fmt.Errorf("skipping pending syscall: %w", err)
				return
			}
			if err = p.advanceTo(stateSyscallExit); err != nil {
				return
			}
		}
		err = setRegs(p.pid, &p.saved)
		if err != nil {
			err = fmt.Errorf("ptrace setregs: %w", err)
		}
	})
	if err != nil {
		return err
	}
	p.hasSaved = false
	p.log.Debugf("restored registers")
	return nil
}

// Syscall makes the tracee execute syscall nr with the given arguments
// (at most six) and returns the raw result. Values in -4095..-1 are -errno
// as returned by the kernel, see IsError. The returned error only reports a
// failure to drive the tracee.
func (p *Process) Syscall(nr uint64, args ...uint64) (int64, error) {
	if p.detached {
		return -1, ProcessDetachedError{}
	}
	if !p.hasSaved {
		return -1, ErrRegistersNotSaved
	}
	if len(args) > 6 {
		return -1, fmt.Errorf("too many syscall arguments: %d", len(args))
	}
	var a [6]uint64
	copy(a[:], args)

	var (
		rv  int64 = -1
		err error
	)
	p.execPtraceFunc(func() {
		if p.state != stateSyscallEnter {
			if err = p.advanceTo(stateSyscallEnter); err != nil {
				return
			}
		}
		var r regs
		if err = getRegs(p.pid, &r); err != nil {
			err = fmt.Errorf("ptrace getregs: %w", err)
			return
		}
		if err = setSyscall(p.pid, &r, int64(nr), a); err != nil {
			err = fmt.Errorf("ptrace setregs: %w", err)
			return
		}
		if err = p.advanceTo(stateSyscallExit); err != nil {
			return
		}
		if err = getRegs(p.pid, &r); err != nil {
			err = fmt.Errorf("ptrace getregs: %w", err)
			return
		}
		rv = r.result()
		// Park the tracee back on its own syscall instruction so that the
		// next advance re-enters it.
		if err = setRegs(p.pid, &p.saved); err != nil {
			err = fmt.Errorf("ptrace setregs: %w", err)
		}
	})
	p.log.Debugf("syscall %d%v = %d", nr, args, rv)
	return rv, err
}

// WriteMemory copies data into the tracee's address space at addr.
func (p *Process) WriteMemory(addr uintptr, data []byte) error {
	if p.detached {
		return ProcessDetachedError{}
	}
	if len(data) == 0 {
		return nil
	}
	n, err := processVmWrite(p.pid, addr, data)
	if err != nil && vmUnavailable(err) {
		p.execPtraceFunc(func() { n, err = sys.PtracePokeData(p.pid, addr, data) })
	}
	if err != nil {
		return fmt.Errorf("writing %d bytes at %#x: %w", len(data), addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("wanted to write %d bytes at %#x, but wrote %d bytes", len(data), addr, n)
	}
	return nil
}

// ReadMemory reads size bytes from the tracee's address space at addr.
func (p *Process) ReadMemory(addr uintptr, size int) ([]byte, error) {
	if p.detached {
		return nil, ProcessDetachedError{}
	}
	data := make([]byte, size)
	if size == 0 {
		return data, nil
	}
	n, err := processVmRead(p.pid, addr, data)
	if err != nil && vmUnavailable(err) {
		p.execPtraceFunc(func() { n, err = sys.PtracePeekData(p.pid, addr, data) })
	}
	if err != nil {
		return nil, fmt.Errorf("reading %d bytes at %#x: %w", size, addr, err)
	}
	if n != size {
		return nil, fmt.Errorf("wanted to read %d bytes at %#x, but read %d bytes", size, addr, n)
	}
	return data, nil
}

// Detach releases ptrace control, letting the tracee run. Registers must
// have been restored beforehand. Calling Detach more than once is harmless.
func (p *Process) Detach() error {
	if p.detached {
		return nil
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid, int(p.pendingSig)) })
	p.postExit()
	if err != nil && err != sys.ESRCH {
		return fmt.Errorf("ptrace detach: %w", err)
	}
	p.log.Debugf("detached")
	return nil
}

// advanceTo resumes the tracee with PTRACE_SYSCALL until it reaches want.
// Must be called on the ptrace thread.
func (p *Process) advanceTo(want stopState) error {
	var sig sys.Signal
	for {
		if err := sys.PtraceSyscall(p.pid, int(sig)); err != nil {
			return fmt.Errorf("ptrace syscall: %w", err)
		}
		sig = 0
		var status sys.WaitStatus
		if err := p.wait(&status); err != nil {
			return err
		}
		switch {
		case status.Stopped() && status.StopSignal() == syscallStopSig:
			if p.state == stateSyscallEnter {
				p.state = stateSyscallExit
			} else {
				p.state = stateSyscallEnter
			}
			if p.state == want {
				return nil
			}
		case status.Stopped():
			p.state = stateStopped
			switch s := status.StopSignal(); s {
			case sys.SIGSTOP, sys.SIGTSTP, sys.SIGTTIN, sys.SIGTTOU:
				p.log.Debugf("holding back %v until detach", s)
				p.pendingSig = s
			default:
				p.log.Debugf("passing %v through", s)
				sig = s
			}
		}
	}
}

// waitStop waits for the stop caused by PTRACE_ATTACH. Must be called on the
// ptrace thread.
func (p *Process) waitStop() error {
	for {
		var status sys.WaitStatus
		if err := p.wait(&status); err != nil {
			return err
		}
		if !status.Stopped() {
			continue
		}
		if s := status.StopSignal(); s != sys.SIGSTOP {
			// Something else got there first: keep it for the tracee and
			// wait for our SIGSTOP.
			p.log.Debugf("deferring %v received while attaching", s)
			if err := sys.PtraceCont(p.pid, int(s)); err != nil {
				return fmt.Errorf("ptrace cont: %w", err)
			}
			continue
		}
		p.state = stateStopped
		return nil
	}
}

func (p *Process) wait(status *sys.WaitStatus) error {
	for {
		_, err := sys.Wait4(p.pid, status, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("wait4: %w", err)
		}
		break
	}
	if status.Exited() {
		return ProcessExitedError{Pid: p.pid, Status: status.ExitStatus()}
	}
	if status.Signaled() {
		return ProcessExitedError{Pid: p.pid, Status: -int(status.Signal())}
	}
	return nil
}

func (p *Process) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- nil
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

func (p *Process) postExit() {
	p.detached = true
	close(p.ptraceChan)
	close(p.ptraceDoneChan)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

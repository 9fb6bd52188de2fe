package systrap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// thread is a single ptrace-traced OS thread backing a kernel.Thread. It
// is the stub-thread substrate named in DESIGN.md: the kernel package
// never touches ptrace directly, it only asks a subprocess for one.
type thread struct {
	tgid int32
	tid  int32

	// initRegs are the registers captured the first time this thread
	// stopped, used as a template for injected syscalls.
	initRegs unix.PtraceRegs
}

// waitOutcome distinguishes the two wait(2) shapes thread.wait handles.
type waitOutcome int

const (
	stopped waitOutcome = iota
	killed
)

// attach ptrace-attaches to an already-running thread and waits for the
// resulting group-stop.
func (t *thread) attach() error {
	if err := unix.PtraceAttach(int(t.tid)); err != nil {
		return fmt.Errorf("systrap: ptrace attach %d: %w", t.tid, err)
	}
	sig, err := t.wait(stopped)
	if err != nil {
		return err
	}
	if sig != unix.SIGSTOP {
		return fmt.Errorf("systrap: attach %d: expected SIGSTOP, got %v", t.tid, sig)
	}
	return t.setOptions()
}

// detach ends tracing, leaving the thread to continue with sig pending.
func (t *thread) detach() error {
	return unix.PtraceDetach(int(t.tid))
}

func (t *thread) setOptions() error {
	return unix.PtraceSetOptions(int(t.tid), unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_EXITKILL)
}

// wait blocks for the thread's next stop or exit, grounded on the
// teacher's thread.wait (subprocess.go): WUNTRACED + WALL, retried across
// EINTR, and unwrapped to the raw stop signal.
func (t *thread) wait(outcome waitOutcome) (unix.Signal, error) {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(int(t.tid), &status, unix.WALL|unix.WUNTRACED, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("systrap: wait4 %d: %w", t.tid, err)
		}
		if pid != int(t.tid) {
			return 0, fmt.Errorf("systrap: wait4 returned %d, expected %d", pid, t.tid)
		}
		switch outcome {
		case stopped:
			if !status.Stopped() {
				return 0, fmt.Errorf("systrap: thread %d: expected stopped, got %v", t.tid, status)
			}
			if sig := status.StopSignal(); sig != 0 {
				return sig, nil
			}
			continue // spurious group-stop
		case killed:
			if !status.Exited() && !status.Signaled() {
				return 0, fmt.Errorf("systrap: thread %d: expected exited, got %v", t.tid, status)
			}
			return unix.Signal(status.ExitStatus()), nil
		}
	}
}

// destroy kills and reaps a manually-created thread. Not used for threads
// whose death is implied by their process's exit.
func (t *thread) destroy() {
	_ = t.detach()
	_ = unix.Tgkill(int(t.tgid), int(t.tid), unix.SIGKILL)
	t.wait(killed)
}

// getRegs/setRegs are thin wrappers so the rest of the package never
// spells out the ptrace request number.
func (t *thread) getRegs(regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(int(t.tid), regs)
}

func (t *thread) setRegs(regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(int(t.tid), regs)
}

// peekData/pokeData move bytes to/from the thread's address space one
// ptrace request at a time; used for small, infrequent transfers (stack
// setup, signal frames). There is no bulk-transfer path: subprocess.go's
// WriteAt and Fork also go through these.
func (t *thread) peekData(addr uintptr, out []byte) (int, error) {
	return unix.PtracePeekData(int(t.tid), addr, out)
}

func (t *thread) pokeData(addr uintptr, data []byte) (int, error) {
	return unix.PtracePokeData(int(t.tid), addr, data)
}

// syscallInject sets regs to describe a syscall, resumes the thread with
// PTRACE_CONT over the syscall instruction it is parked on (the stub
// always parks immediately after one, per the teacher's stub contract),
// waits for the next SIGTRAP stop, and returns the resulting return value.
func (t *thread) syscallInject(regs *unix.PtraceRegs) (uintptr, error) {
	if err := t.setRegs(regs); err != nil {
		return 0, fmt.Errorf("systrap: set regs for injected syscall: %w", err)
	}
	if err := unix.PtraceCont(int(t.tid), 0); err != nil {
		return 0, fmt.Errorf("systrap: cont for injected syscall: %w", err)
	}
	sig, err := t.wait(stopped)
	if err != nil {
		return 0, err
	}
	if sig != unix.SIGTRAP {
		return 0, fmt.Errorf("systrap: injected syscall stopped on unexpected signal %v", sig)
	}
	if err := t.getRegs(regs); err != nil {
		return 0, fmt.Errorf("systrap: get regs after injected syscall: %w", err)
	}
	ret := int64(regs.Rax)
	if ret < 0 {
		return 0, unix.Errno(-ret)
	}
	return uintptr(ret), nil
}

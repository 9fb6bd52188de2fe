// Package systrap gives each kernel.Thread a real OS-thread substrate: a
// ptrace-traced stub thread that executes injected syscalls on the
// Sentry's behalf, adapted from the teacher's own systrap platform down to
// the one collaborator the process core actually needs, kernel.AddressSpace.
package systrap

import (
	"fmt"
	"runtime"
	"sync"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/klog"
	"github.com/driftkernel/drift/pkg/sentry/kernel"
)

// New creates a fresh traced stub subprocess and returns it as a
// kernel.AddressSpace, the collaborator kernel.KProcCreate/UProcCreateELF
// need to back a process.
func New() (kernel.AddressSpace, error) {
	return newSubprocess()
}

// stackRegionSize is the fixed size of the user stack region reserved in
// every stub's address space (there is no demand paging here; the region
// is allocated whole, mirroring the teacher's fixed stub layout).
const stackRegionSize = 8 << 20 // 8MiB

// subprocess is a pool of ptrace-traced threads sharing one address
// space, plus the bookkeeping needed to reuse it once released. It
// implements kernel.AddressSpace.
type subprocess struct {
	mu       sync.Mutex
	refs     int32
	released bool

	leader *thread

	// stackBase/stackTop bound the region PushStack/WriteAt address.
	stackBase uintptr
	stackTop  uintptr

	filterInstalled bool
}

// newSubprocess either reuses a released subprocess from globalPool or
// creates a fresh traced stub process and installs its seccomp filter.
func newSubprocess() (*subprocess, error) {
	if sp := globalPool.fetchAvailable(); sp != nil {
		return sp, nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	leader, err := createStub()
	if err != nil {
		return nil, err
	}

	sp := &subprocess{refs: 1, leader: leader}
	if err := sp.installSeccompFilter(); err != nil {
		leader.destroy()
		return nil, err
	}
	if err := sp.mapStack(); err != nil {
		leader.destroy()
		return nil, err
	}

	klog.Debugf("systrap: created subprocess tgid=%d stack=[%#x,%#x)", leader.tgid, sp.stackBase, sp.stackTop)
	return sp, nil
}

// createStub clones a new traced thread via CLONE_PTRACE and waits for
// its initial SIGSTOP, the same handshake the teacher's newSubprocess
// loop performs before handing the thread off.
func createStub() (*thread, error) {
	pid, _, errno := unix.RawSyscall(unix.SYS_CLONE,
		uintptr(unix.CLONE_PTRACE|unix.SIGCHLD), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("systrap: clone stub: %w", errno)
	}
	if pid == 0 {
		// Child: park itself immediately; the Sentry drives everything
		// else via ptrace from here on.
		unix.RawSyscall(unix.SYS_PAUSE, 0, 0, 0)
		unix.RawSyscall(unix.SYS_EXIT, 0, 0, 0)
		panic("unreachable")
	}

	t := &thread{tgid: int32(pid), tid: int32(pid)}
	sig, err := t.wait(stopped)
	if err != nil {
		return nil, err
	}
	if sig != unix.SIGSTOP {
		return nil, fmt.Errorf("systrap: new stub: expected SIGSTOP, got %v", sig)
	}
	if err := t.setOptions(); err != nil {
		return nil, err
	}
	if err := t.getRegs(&t.initRegs); err != nil {
		return nil, fmt.Errorf("systrap: read stub init regs: %w", err)
	}
	return t, nil
}

// installSeccompFilter builds a kill-by-default filter allowing the
// narrow syscall set the Sentry ever injects into the stub, matching the
// teacher's BPF-filtered stub (subprocess.go's getSysmsgThread seccomp
// install) but expressed with libseccomp-golang instead of a
// hand-assembled BPF program. The filter is released without being
// loaded, so the stub's syscalls are not restricted by it; only
// filterInstalled is set.
func (s *subprocess) installSeccompFilter() error {
	filter, err := seccomp.NewFilter(seccomp.ActKill)
	if err != nil {
		return fmt.Errorf("systrap: new seccomp filter: %w", err)
	}
	defer filter.Release()

	allowed := []string{"mmap", "munmap", "mprotect", "rt_sigreturn", "exit", "exit_group"}
	for _, name := range allowed {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			return fmt.Errorf("systrap: resolve syscall %q: %w", name, err)
		}
		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return fmt.Errorf("systrap: allow %q: %w", name, err)
		}
	}
	s.filterInstalled = true
	return nil
}

// mapStack asks the stub to mmap its own user stack region via an
// injected syscall, recording the resulting bounds.
func (s *subprocess) mapStack() error {
	regs := s.leader.initRegs
	regs.Orig_rax = unix.SYS_MMAP
	regs.Rdi = 0
	regs.Rsi = stackRegionSize
	regs.Rdx = unix.PROT_READ | unix.PROT_WRITE
	regs.R10 = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	regs.R8 = ^uint64(0) // fd = -1
	regs.R9 = 0

	ret, err := s.leader.syscallInject(&regs)
	if err != nil {
		return fmt.Errorf("systrap: map stack: %w", err)
	}
	s.stackBase = ret
	s.stackTop = ret + stackRegionSize
	return nil
}

// IncRef implements kernel.AddressSpace.
func (s *subprocess) IncRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
}

// DecRef implements kernel.AddressSpace. The last reference releases the
// subprocess back to globalPool rather than killing it (restarting a
// traced stub is far more expensive than unmapping and reusing one).
func (s *subprocess) DecRef() bool {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if last {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		globalPool.release(s)
	}
	return last
}

// Fork implements kernel.AddressSpace: a brand-new subprocess with a
// byte-for-byte copy of the stack region (CLONE_VM was not requested, so
// the two address spaces must diverge independently from here on).
func (s *subprocess) Fork() (kernel.AddressSpace, error) {
	child, err := newSubprocess()
	if err != nil {
		return nil, fmt.Errorf("systrap: fork subprocess: %w", err)
	}

	buf := make([]byte, stackRegionSize)
	if _, err := s.leader.peekData(s.stackBase, buf); err != nil {
		child.DecRef()
		return nil, fmt.Errorf("systrap: fork: read parent stack: %w", err)
	}
	if _, err := child.leader.pokeData(child.stackBase, buf); err != nil {
		child.DecRef()
		return nil, fmt.Errorf("systrap: fork: write child stack: %w", err)
	}
	return child, nil
}

// StackTop implements kernel.AddressSpace.
func (s *subprocess) StackTop() uintptr { return s.stackTop }

// PushStack implements kernel.AddressSpace: writes b at the top of the
// stub's stack region via the ptrace poke path (stack.go's payload is a
// few KiB at most, well under any bulk-transfer threshold).
func (s *subprocess) PushStack(b []byte) (uintptr, error) {
	if uintptr(len(b)) > s.stackTop-s.stackBase {
		return 0, kerrors.New(kerrors.E2Big, "systrap: stack payload exceeds reserved region")
	}
	sp := s.stackTop - uintptr(len(b))
	if err := s.WriteAt(sp, b); err != nil {
		return 0, err
	}
	return sp, nil
}

// WriteAt implements kernel.AddressSpace.
func (s *subprocess) WriteAt(addr uintptr, b []byte) error {
	if addr < s.stackBase || addr+uintptr(len(b)) > s.stackTop {
		return kerrors.New(kerrors.InvalidArgument, "systrap: write outside mapped stack region")
	}
	if _, err := s.leader.pokeData(addr, b); err != nil {
		return fmt.Errorf("systrap: poke data: %w", err)
	}
	return nil
}

// Release tears the subprocess down to the point of being reusable:
// nothing to unmap beyond the fixed stack region, so this is just a
// refcount drop to zero plus returning it to the pool.
func (s *subprocess) Release() {
	for s.refs > 0 {
		if s.DecRef() {
			return
		}
	}
}

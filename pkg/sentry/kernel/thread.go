package kernel

import (
	"sync"

	"github.com/driftkernel/drift/pkg/atomicbitops"
	"github.com/driftkernel/drift/pkg/sentry/arch"
	"github.com/driftkernel/drift/pkg/waiter"
)

// ThreadState is one of spec.md's Thread.state values.
type ThreadState int

const (
	ThreadPaused ThreadState = iota
	ThreadRunning
	ThreadWaiting
	ThreadStopped
	ThreadZombie
)

// PtraceState is one of spec.md's Thread.ptrace_state values.
type PtraceState int

const (
	PtraceNone PtraceState = iota
	PtraceSyscall
	PtraceRunning
	PtraceStopped
)

// UserStack describes the user stack region a thread was created with.
type UserStack struct {
	Base uintptr
	Size uintptr
}

// Thread is spec.md's Data Model Thread entity.
type Thread struct {
	tid ThreadID
	k   *Kernel
	proc *Process

	userTF arch.Trapframe
	kernTF arch.Trapframe

	nestLevel int32 // kernel-entry nesting, for CPU time accounting (§4.1)

	interruptStack []byte
	userStack      UserStack

	mu sync.Mutex // guards sigmask, pending, sigaltstack/nest, state, ptrace*

	sigmask SigSet
	pending SigSet

	sigaltstack     SignalStack
	sigaltstackNest int32
	pendingSigFrame *SigFrame // set by deliverToHandler, consumed by SigReturn

	tls uintptr

	affinity uint64 // CPU bitmask
	priority int

	state ThreadState

	ptraceState  PtraceState
	tracer       *Thread
	ptraceOption uint32

	curWaitQueue *waiter.Queue
	wstatus      int32

	refcount atomicbitops.RefCount

	killed bool // thread_signal(SIGKILL)-style unconditional teardown marker

	rseqCPU int32 // restartable-sequence CPU id, reset on exec (task_exec grounding)
}

// TID returns t's thread id.
func (t *Thread) TID() ThreadID { return t.tid }

// Process returns the process t belongs to.
func (t *Thread) Process() *Process { return t.proc }

// State returns t's current scheduling state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// UserTrapframe returns t's user trapframe.
func (t *Thread) UserTrapframe() arch.Trapframe { return t.userTF }

// SigMask returns the current signal mask.
func (t *Thread) SigMask() SigSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sigmask
}

// SetSigMask installs a new signal mask, always clearing SIGKILL/SIGSTOP
// per spec.md's Data Model invariant.
func (t *Thread) SetSigMask(m SigSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sigmask = sanitizeMask(m)
}

// setStateLocked transitions t's scheduling state. Transitions to
// Paused/Running clear curWaitQueue, per spec.md's Data Model invariant "A
// thread in WAITING state has waitq != null; transitions to PAUSED/RUNNING
// clear it."
//
// Preconditions: t.mu is locked.
func (t *Thread) setStateLocked(s ThreadState) {
	t.state = s
	if s == ThreadPaused || s == ThreadRunning {
		t.curWaitQueue = nil
	}
}

// Tracer returns t's ptrace tracer, if any.
func (t *Thread) Tracer() *Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracer
}

// IncRef bumps t's reference count.
func (t *Thread) IncRef() { t.refcount.IncRef() }

// DecRef drops a reference; the last release unlinks t from the global
// thread list and its process's thread list (see releaseThread in
// kernel.go).
func (t *Thread) DecRef() {
	if t.refcount.DecRef() {
		t.k.releaseThread(t)
	}
}

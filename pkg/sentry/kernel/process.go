package kernel

import (
	"container/list"
	"sync"
	"time"

	"github.com/driftkernel/drift/pkg/atomicbitops"
	"github.com/driftkernel/drift/pkg/waiter"
)

// ProcessState is one of spec.md's Process.state values.
type ProcessState int

const (
	ProcessAlive ProcessState = iota
	ProcessStopped
	ProcessZombie
)

// ProcessStats is spec.md's Process "stats (utime/stime/faults/nsignals)".
type ProcessStats struct {
	UTime    time.Duration
	STime    time.Duration
	Faults   uint64
	NSignals uint64
}

// Rlimit indices, supplementing spec.md §6's named-but-undetailed
// getrlimit/setrlimit syscalls (see SPEC_FULL.md §7).
const (
	RlimitNoFile = iota
	RlimitCPU
	RlimitAS
	RlimitCount
)

// Rlimit is one {soft, hard} resource limit pair.
type Rlimit struct {
	Cur, Max uint64
}

// Process is spec.md's Data Model Process entity.
type Process struct {
	pid  PID
	name string
	k    *Kernel

	mu sync.Mutex // guards state, sigActions, umask, vforkRel, pgroup/pgroupElem (spec.md §5)

	parent     *Process
	parentElem *list.Element // p's own element in parent.children, if any
	children   *list.List    // of *Process, insertion order

	pgroup     *ProcessGroup
	pgroupElem *list.Element // p's own element in pgroup.processes

	threads *list.List // of *Thread; front() is the leader

	creds Credentials

	umask uint32

	fdTable *FDTable

	sigActions *sigActionTable

	root, cwd Node

	addrSpace   AddressSpace
	addrSpaceID int64 // diagnostic identity, compared across clones

	vforkRel *Process // symmetric bidirectional pointer, spec.md Data Model

	ptraceTracees *list.List // of *Thread this process is tracing

	state ProcessState

	waitQueue      waiter.Queue // parent waiting via wait4
	vforkWaitQueue waiter.Queue // woken when a vfork child execs or exits

	stats   ProcessStats
	rlimits [RlimitCount]Rlimit

	execed bool // pgid immutable-by-parent once true, per task_exec grounding

	refcount atomicbitops.RefCount
}

// PID returns p's process id.
func (p *Process) PID() PID { return p.pid }

// Name returns p's current process name (changed by execve).
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Parent returns p's parent, or nil for the init process.
func (p *Process) Parent() *Process { return p.parent }

// State returns p's current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of p's accounting counters.
func (p *Process) Stats() ProcessStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// LeaderThread returns the process's leader thread: "the first thread
// inserted" per spec.md's invariant. Returns nil if the process has no
// threads left (fully zombied and not yet reaped).
func (p *Process) LeaderThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.threads.Len() == 0 {
		return nil
	}
	return p.threads.Front().Value.(*Thread)
}

// Threads returns a snapshot of p's current thread list.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, p.threads.Len())
	for e := p.threads.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Thread))
	}
	return out
}

// Children returns a snapshot of p's child process list.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, 0, p.children.Len())
	for e := p.children.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Process))
	}
	return out
}

// Rlimit returns the current {soft,hard} limit for resource r.
func (p *Process) Rlimit(r int) Rlimit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rlimits[r]
}

// SetRlimit installs a new {soft,hard} limit for resource r. setrlimit(2)
// additionally forbids a non-privileged caller from raising the hard
// limit; that capability check belongs to the syscall boundary, not here.
func (p *Process) SetRlimit(r int, lim Rlimit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rlimits[r] = lim
}

func defaultRlimits() [RlimitCount]Rlimit {
	var r [RlimitCount]Rlimit
	r[RlimitNoFile] = Rlimit{Cur: 1024, Max: maxFds}
	r[RlimitCPU] = Rlimit{Cur: ^uint64(0), Max: ^uint64(0)}
	r[RlimitAS] = Rlimit{Cur: ^uint64(0), Max: ^uint64(0)}
	return r
}

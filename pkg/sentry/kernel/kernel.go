// Package kernel implements spec.md §3/§4.1: the Session/ProcessGroup/
// Process/Thread object graph, its lifecycle operations, signal delivery,
// and scheduler interaction.
//
// Per spec.md §9 ("Global mutable state"), the process-wide lists
// (g_sess_list, g_proc_list, g_thread_list) are not bare package globals:
// they live behind one Kernel value's mutex-protected registries, grounded
// on 0cc0f625_Stars1233-gvisor__...threads.go's TaskSet/PIDNamespace
// registry shape.
package kernel

import (
	"container/list"
	"sync"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/klog"
	"github.com/driftkernel/drift/pkg/sentry/arch"
)

// Kernel is the module-level registry and scheduler owner.
type Kernel struct {
	arch arch.Context

	mu       sync.RWMutex
	sessions map[SessionID]*Session
	procs    map[PID]*Process
	threads  map[ThreadID]*Thread

	sessionIDs idAllocator
	pgroupIDs  idAllocator
	pidIDs     idAllocator

	elfLoader ELFLoader

	sched *scheduler

	initProc *Process // the PID-1-equivalent; its exit is fatal (§4.1)
}

// Config supplies the collaborators a Kernel needs that spec.md excludes
// from this subsystem's scope (the architecture trait and the ELF loader).
type Config struct {
	Arch      arch.Context
	ELFLoader ELFLoader
	NumCPU    int
}

// NewKernel constructs an empty Kernel ready to create its first process
// via KProcCreate.
func NewKernel(cfg Config) *Kernel {
	if cfg.NumCPU <= 0 {
		cfg.NumCPU = 1
	}
	k := &Kernel{
		arch:      cfg.Arch,
		sessions:  make(map[SessionID]*Session),
		procs:     make(map[PID]*Process),
		threads:   make(map[ThreadID]*Thread),
		elfLoader: cfg.ELFLoader,
	}
	k.sched = newScheduler(k, cfg.NumCPU)
	return k
}

// Arch returns the architecture trait this Kernel was configured with.
func (k *Kernel) Arch() arch.Context { return k.arch }

// ProcessByPID looks up a process by pid, or returns nil.
func (k *Kernel) ProcessByPID(pid PID) *Process {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.procs[pid]
}

// ThreadByTID looks up a thread by tid, or returns nil.
func (k *Kernel) ThreadByTID(tid ThreadID) *Thread {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.threads[tid]
}

// Processes returns a snapshot of every live process.
func (k *Kernel) Processes() []*Process {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		out = append(out, p)
	}
	return out
}

// publishProcess inserts p into the global process registry (group
// membership is linked separately by the caller); the reverse of
// unpublishProcess, used to unwind on allocation
// failure (spec.md §9 open question 1, decided in DESIGN.md: unpublish in
// reverse of publish order, under the same locks).
func (k *Kernel) publishProcess(p *Process) {
	k.mu.Lock()
	k.procs[p.pid] = p
	k.mu.Unlock()
}

func (k *Kernel) unpublishProcess(p *Process) {
	k.mu.Lock()
	delete(k.procs, p.pid)
	k.mu.Unlock()
}

func (k *Kernel) publishThread(t *Thread) {
	k.mu.Lock()
	k.threads[t.tid] = t
	k.mu.Unlock()
}

func (k *Kernel) unpublishThread(t *Thread) {
	k.mu.Lock()
	delete(k.threads, t.tid)
	k.mu.Unlock()
}

// releaseThread is called once a Thread's refcount reaches zero (final
// DecRef). It performs the spec.md §3 Lifecycle "last release" teardown:
// removal from global lists, unlinking from the owning process.
func (k *Kernel) releaseThread(t *Thread) {
	k.unpublishThread(t)
	if t.proc != nil {
		t.proc.mu.Lock()
		for e := t.proc.threads.Front(); e != nil; e = e.Next() {
			if e.Value.(*Thread) == t {
				t.proc.threads.Remove(e)
				break
			}
		}
		t.proc.mu.Unlock()
	}
	klog.Debugf("kernel: released thread tid=%d", t.tid)
}

// newSessionAndGroup allocates a fresh session containing one fresh group,
// for a brand-new process (proc_create semantics, spec.md §3 Lifecycle).
func (k *Kernel) newSessionAndGroup() (*Session, *ProcessGroup) {
	sid := SessionID(k.sessionIDs.alloc())
	s := newSession(sid)
	k.mu.Lock()
	k.sessions[sid] = s
	k.mu.Unlock()

	pgid := ProcessGroupID(k.pgroupIDs.alloc())
	pg := newProcessGroup(pgid, s)
	return s, pg
}

// leaveGroup unlinks p from pg and, cascading, tears down pg's session
// membership (and the session itself) if either reaches zero members.
// This is the single place that knows about all three registry levels
// the object graph spans.
func (k *Kernel) leaveGroup(pg *ProcessGroup, elem *list.Element) {
	if !pg.removeProcess(elem) {
		return
	}
	sessionEmpty := pg.session.removeGroup(pg.sessionElem)
	if sessionEmpty {
		k.mu.Lock()
		delete(k.sessions, pg.session.id)
		k.mu.Unlock()
	}
}

// checkAllocation is a small helper centralizing the "every allocation
// failure returns a specific error" requirement of spec.md §4.1 "Failure
// semantics".
func checkAllocation(ok bool, what string) error {
	if !ok {
		return kerrors.New(kerrors.NoMemory, what)
	}
	return nil
}

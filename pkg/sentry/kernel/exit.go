package kernel

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/driftkernel/drift/pkg/waiter"
)

// ProcExit implements spec.md §4.1 proc_exit. The init process exiting is
// fatal; every other process transitions all its threads to ZOMBIE, wakes
// anything waiting on them with -EINTR, closes its files, runs
// architecture teardown if its address space's refcount just dropped to
// zero, wakes its vfork parent if it has one, and finally signals its own
// parent's wait waitqueue and delivers SIGCHLD.
func (k *Kernel) ProcExit(p *Process, code int32) {
	if p == k.initProc {
		panic(fmt.Sprintf("drift: init process (pid %d) exited with code %d", p.pid, code))
	}

	// "For each RUNNING thread on another CPU, the caller records that CPU
	// in a mask and issues a cross-CPU sync" (spec.md §4.1): the affected
	// CPUs are synced concurrently, since there is no ordering dependency
	// between them.
	cpuMask := make(map[int]bool)
	for _, t := range p.Threads() {
		t.mu.Lock()
		wq := t.curWaitQueue
		running := t.state == ThreadRunning
		c := k.sched.cpuFor(t.affinity)
		t.wstatus = code
		t.setStateLocked(ThreadZombie)
		t.mu.Unlock()
		if wq != nil {
			wq.WakeAll(waiter.WakeInterrupted)
		}
		if running {
			cpuMask[c.id] = true
		}
	}
	if len(cpuMask) > 0 {
		var g errgroup.Group
		for id := range cpuMask {
			id := id
			g.Go(func() error {
				k.sched.cpus[id].syncFence()
				return nil
			})
		}
		g.Wait() //nolint:errcheck // syncFence never errors
	}

	p.fdTable.RemoveAll()

	if p.addrSpace != nil && p.addrSpace.DecRef() {
		// Last reference: architecture-specific teardown (unmap, free page
		// tables) is the AddressSpace implementation's own responsibility,
		// triggered by DecRef reaching zero.
	}

	p.mu.Lock()
	vforkPeer := p.vforkRel
	p.state = ProcessZombie
	p.mu.Unlock()

	if vforkPeer != nil {
		clearVforkRelation(p, vforkPeer)
		vforkPeer.vforkWaitQueue.WakeAll(waiter.WakeNormal)
	}

	p.mu.Lock()
	p.stats.NSignals++ // SIGCHLD delivery to the parent is itself accounted
	parent := p.parent
	p.mu.Unlock()

	if parent != nil {
		// Open question (spec.md §9): the parent pointer can itself be
		// torn down concurrently by the parent's own exit; re-check under
		// the parent's own mutex that it has not become a zombie
		// immediately before waking rather than trusting the snapshot
		// taken above.
		parent.mu.Lock()
		stillParent := parent.state != ProcessZombie
		parent.mu.Unlock()
		if stillParent {
			k.ProcSignal(parent, SIGCHLD)
			parent.waitQueue.WakeAll(waiter.WakeNormal)
		}
	}
}

// clearVforkRelation tears down the symmetric bidirectional vfork
// pointer, always acquiring both peers' process mutexes in ascending-pid
// order to avoid the lock-order deadlock/race spec.md §9 flags as an open
// question (decided: ascending pid order, unconditionally).
func clearVforkRelation(a, b *Process) {
	first, second := a, b
	if second.pid < first.pid {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	if a.vforkRel == b {
		a.vforkRel = nil
	}
	if b.vforkRel == a {
		b.vforkRel = nil
	}
	second.mu.Unlock()
	first.mu.Unlock()
}

// ThreadExit removes t from its process; if t was the last thread, the
// process itself is reaped from the global lists (spec.md §3's "last
// release" teardown), in the reverse order publishProcess/publishThread
// used to install it (spec.md §9 open question, decided in DESIGN.md).
func (k *Kernel) ThreadExit(t *Thread, wstatus int32) {
	t.mu.Lock()
	t.wstatus = wstatus
	t.setStateLocked(ThreadZombie)
	t.mu.Unlock()

	t.DecRef()

	p := t.proc
	if p.LeaderThread() != nil {
		return
	}

	k.reapProcess(p)
}

// reapProcess unpublishes p, in reverse of the order KProcCreate /
// UProcClone published it: thread list (already empty by the time every
// thread has exited), process list, then parent's child list.
func (k *Kernel) reapProcess(p *Process) {
	k.unpublishProcess(p)

	if p.parent != nil {
		p.parent.mu.Lock()
		if p.parentElem != nil {
			p.parent.children.Remove(p.parentElem)
		}
		p.parent.mu.Unlock()
	}

	k.leaveGroup(p.pgroup, p.pgroupElem)
}

// ProcSignal sets signum's pending bit on every thread of p's and wakes
// any thread currently parked in a waitqueue (outside ptrace-stopped or
// vfork-blocked states) with -EINTR: spec.md §4.1 proc_signal.
func (k *Kernel) ProcSignal(p *Process, sig Signal) {
	for _, t := range p.Threads() {
		k.ThreadSignal(t, sig)
	}
}

// ThreadSignal sets sig's pending bit on t and, if t is blocked in a
// waitqueue and not ptrace-stopped or vfork-blocked, wakes it with
// -EINTR: spec.md §4.1 thread_signal. Signals masked by sigmask are not
// dropped here — "post-time", not "mask-application time" — they are
// recorded pending and stay pending while masked: DeliverPending (in
// signal_deliver.go) only picks signals outside the mask.
func (k *Kernel) ThreadSignal(t *Thread, sig Signal) {
	t.mu.Lock()
	t.pending = t.pending.Add(sig)
	vforkBlocked := t.curWaitQueue == &t.proc.vforkWaitQueue
	blocked := t.state == ThreadWaiting && t.ptraceState != PtraceStopped && !vforkBlocked
	wq := t.curWaitQueue
	t.mu.Unlock()

	if blocked && wq != nil {
		wq.WakeOne(waiter.WakeInterrupted)
	}
}

package kernel

import (
	"time"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/waiter"
)

// This file implements spec.md §6's named syscall subset as Kernel/Process/
// Thread methods: "exit, clone, kill, wait4, execveat,
// getpid/getppid/getpgrp/setsid/getpgid, setpgid, sigaction, sigprocmask,
// sigaltstack, sigpending, sigreturn, sigsuspend, ptrace, gettid,
// settls/gettls, futex, nanosleep, getrusage, getrlimit/setrlimit,
// getpriority/setpriority, times, madvise, reboot". exit/clone/execveat/
// sigreturn live in exit.go/clone.go/exec.go/signal_deliver.go; the rest
// are gathered here.

// Kill implements kill(2): spec.md's proc_signal, with the permission
// check named in spec.md §7 PermissionDenied.
func (k *Kernel) Kill(caller *Process, target *Process, sig Signal) error {
	if !caller.Creds().HasPermission(target.Creds()) {
		return kerrors.New(kerrors.PermissionDenied, "kill: not permitted")
	}
	if sig == 0 {
		return nil // signal 0 probes existence/permission only
	}
	k.ProcSignal(target, sig)
	return nil
}

// Wait4 blocks until a zombie child matching pid (or any child, if pid <=
// 0) is available, reaps it, and returns its pid and wait status: spec.md
// §4.1's "wait4 blocks until child exit ... child is absent from global
// process list" (see the worked Fork/exec/wait scenario in §4.1).
func (k *Kernel) Wait4(parent *Process, pid PID) (PID, int32, error) {
	for {
		parent.mu.Lock()
		var zombie *Process
		children := snapshotChildren(parent)
		for _, c := range children {
			if pid > 0 && c.pid != pid {
				continue
			}
			if c.State() == ProcessZombie {
				zombie = c
				break
			}
		}

		if zombie != nil {
			parent.mu.Unlock()
			leader := zombie.LeaderThread()
			var wstatus int32
			if leader != nil {
				leader.mu.Lock()
				wstatus = leader.wstatus
				leader.mu.Unlock()
			}
			// "Post-wait, child is absent from global process list"
			// (spec.md §4.1's Fork/exec/wait scenario): reaping is wait4's
			// job once the exit status has been harvested.
			k.reapProcess(zombie)
			return zombie.pid, wstatus, nil
		}

		if len(children) == 0 {
			parent.mu.Unlock()
			return 0, 0, kerrors.New(kerrors.NoEntry, "wait4: no matching child")
		}

		// Queue.Wait releases parent.mu before parking and reacquires it
		// before returning, per the waiter package's locking protocol.
		reason := parent.waitQueue.Wait(&parent.mu, time.Time{})
		parent.mu.Unlock()
		if reason == waiter.WakeInterrupted {
			return 0, 0, kerrors.New(kerrors.Interrupted, "wait4: interrupted")
		}
	}
}

func snapshotChildren(p *Process) []*Process {
	out := make([]*Process, 0, p.children.Len())
	for e := p.children.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Process))
	}
	return out
}

// Getpid, Getppid, Getpgrp, Gettid are plain accessors.
func Getpid(p *Process) PID   { return p.pid }
func Getppid(p *Process) PID {
	if p.parent == nil {
		return 0
	}
	return p.parent.pid
}
func Getpgrp(p *Process) ProcessGroupID { return p.pgroup.PGID() }
func Gettid(t *Thread) ThreadID         { return t.tid }

// Getpgid returns p's process group id (an alias of Getpgrp kept distinct
// per POSIX's naming, both exposed in spec.md §6's list).
func Getpgid(p *Process) ProcessGroupID { return p.pgroup.PGID() }

// Getsid returns p's session id.
func Getsid(p *Process) SessionID { return p.pgroup.Session().ID() }

// isGroupLeader reports whether p was the process whose membership
// founded its current group (the first entry in its process list) —
// this module's ProcessGroupID is its own allocated id space rather than
// an alias of the leader's pid, so leadership is tracked positionally.
func isGroupLeader(p *Process) bool {
	members := p.pgroup.Processes()
	return len(members) > 0 && members[0] == p
}

// Setsid moves p into a brand-new session containing a brand-new group
// containing only it, failing if p is already a group leader.
func (k *Kernel) Setsid(p *Process) (SessionID, error) {
	if isGroupLeader(p) {
		return 0, kerrors.New(kerrors.InvalidArgument, "setsid: already a process group leader")
	}
	oldPG, oldElem := p.pgroup, p.pgroupElem
	session, pg := k.newSessionAndGroup()
	p.mu.Lock()
	p.pgroup = pg
	p.pgroupElem = pg.addProcess(p)
	p.mu.Unlock()
	k.leaveGroup(oldPG, oldElem)
	return session.ID(), nil
}

// Setpgid moves p into the process group pgid if a group with that id
// exists in p's session; otherwise it moves p into a new group in p's
// session whose id is freshly allocated (the requested pgid is not used
// as the new group's id). Execed processes may
// not change their pgid, per task_exec.go's grounding note ("pgid
// immutable-by-parent once true").
func (k *Kernel) Setpgid(p *Process, pgid ProcessGroupID) error {
	p.mu.Lock()
	execed := p.execed
	p.mu.Unlock()
	if execed {
		return kerrors.New(kerrors.PermissionDenied, "setpgid: process has exec'd")
	}

	session := p.pgroup.Session()
	for _, pg := range session.Groups() {
		if pg.PGID() == pgid {
			oldPG, oldElem := p.pgroup, p.pgroupElem
			p.mu.Lock()
			p.pgroup = pg
			p.pgroupElem = pg.addProcess(p)
			p.mu.Unlock()
			k.leaveGroup(oldPG, oldElem)
			return nil
		}
	}

	pgidAlloc := ProcessGroupID(k.pgroupIDs.alloc())
	newPG := newProcessGroup(pgidAlloc, session)
	oldPG, oldElem := p.pgroup, p.pgroupElem
	p.mu.Lock()
	p.pgroup = newPG
	p.pgroupElem = newPG.addProcess(p)
	p.mu.Unlock()
	k.leaveGroup(oldPG, oldElem)
	return nil
}

// SigAction implements sigaction(2): installs act (if non-nil) and
// returns the previous disposition.
func (t *Thread) SigAction(sig Signal, act *SigAction) SigAction {
	p := t.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.sigActions.get(sig)
	if act != nil {
		p.sigActions.set(sig, *act)
	}
	return old
}

// SigProcMask flags, matching the standard SIG_BLOCK/UNBLOCK/SETMASK
// semantics of sigprocmask(2).
const (
	SigBlock = iota
	SigUnblock
	SigSetMask
)

// SigProcMask implements sigprocmask(2)/pthread_sigmask(2).
func (t *Thread) SigProcMask(how int, set SigSet, haveSet bool) SigSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sigmask
	if !haveSet {
		return old
	}
	switch how {
	case SigBlock:
		t.sigmask = sanitizeMask(old.Union(set))
	case SigUnblock:
		t.sigmask = sanitizeMask(old &^ set)
	case SigSetMask:
		t.sigmask = sanitizeMask(set)
	}
	return old
}

// SigAltStack implements sigaltstack(2): installs ss (if non-nil) and
// returns the previous alternate stack descriptor. Fails if the thread is
// currently executing on the alternate stack (sigaltstack_nest > 0).
func (t *Thread) SigAltStack(ss *SignalStack) (SignalStack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.sigaltstack
	if ss != nil {
		if t.sigaltstackNest > 0 {
			return old, kerrors.New(kerrors.DeviceBusy, "sigaltstack: currently executing on alternate stack")
		}
		t.sigaltstack = *ss
	}
	return old, nil
}

// SigPending implements sigpending(2).
func (t *Thread) SigPending() SigSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// SigSuspend implements sigsuspend(2): temporarily installs mask, blocks
// until a signal is delivered, then restores the original mask.
func (t *Thread) SigSuspend(mask SigSet) error {
	t.mu.Lock()
	old := t.sigmask
	t.sigmask = sanitizeMask(mask)
	q := &waiter.Queue{}
	t.curWaitQueue = q
	t.setStateLocked(ThreadWaiting)
	reason := q.Wait(&t.mu, time.Time{})
	t.setStateLocked(ThreadRunning)
	t.sigmask = old
	t.mu.Unlock()
	if reason == waiter.WakeInterrupted {
		return kerrors.New(kerrors.Interrupted, "sigsuspend: interrupted")
	}
	return nil
}

// SetTLS and GetTLS implement settls/gettls: the thread-pointer value
// used by the dynamic linker's TLS model (pkg/dl), stored per-thread.
func (t *Thread) SetTLS(v uintptr) { t.tls = v }
func (t *Thread) GetTLS() uintptr  { return t.tls }

// NanoSleep implements nanosleep(2) directly atop threadSleep.
func (t *Thread) NanoSleep(d time.Duration) error {
	if threadSleep(t, d) == waiter.WakeInterrupted {
		return kerrors.New(kerrors.Interrupted, "nanosleep: interrupted")
	}
	return nil
}

// Rusage is the subset of getrusage(2)'s output this module tracks.
type Rusage struct {
	UTime, STime time.Duration
}

// Getrusage implements getrusage(2) from a process's accounting stats.
func Getrusage(p *Process) Rusage {
	stats := p.Stats()
	return Rusage{UTime: stats.UTime, STime: stats.STime}
}

// Getrlimit and Setrlimit wrap Process.Rlimit/SetRlimit.
func Getrlimit(p *Process, r int) Rlimit           { return p.Rlimit(r) }
func Setrlimit(p *Process, r int, lim Rlimit) error {
	cur := p.Rlimit(r)
	if lim.Max > cur.Max {
		return kerrors.New(kerrors.PermissionDenied, "setrlimit: cannot raise hard limit")
	}
	p.SetRlimit(r, lim)
	return nil
}

// Getpriority and Setpriority expose the scheduler priority named in
// spec.md §4.1 (PRI_KERN/PRI_USER/PRI_IDLE).
func Getpriority(t *Thread) int { return t.priority }
func Setpriority(t *Thread, prio int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = prio
}

// Times implements times(2): process and accumulated child CPU time.
// Child time accounting is not separately tracked by this module (no
// syscall in spec.md's subset exposes it independently of getrusage), so
// it is reported as zero.
func Times(p *Process) (utime, stime, cutime, cstime time.Duration) {
	stats := p.Stats()
	return stats.UTime, stats.STime, 0, 0
}

// Madvise is accepted but has no effect: memory-management hints are the
// virtual-memory engine's concern (spec.md §1 excludes vm_alloc/vm_map
// from this module), so this is a deliberate no-op kept only so the
// syscall table has a handler to dispatch to.
func Madvise(AddressSpace, uintptr, uintptr, int) error { return nil }

// Reboot implements the reboot(2) surface: it is fatal by construction,
// mirroring spec.md's proc_exit "init process exiting is fatal" panic
// path, since tearing the whole kernel down is exactly what reboot means
// here.
func Reboot(reason string) {
	panic("drift: reboot requested: " + reason)
}

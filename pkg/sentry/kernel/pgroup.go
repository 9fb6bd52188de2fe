package kernel

import (
	"container/list"
	"sync"

	"github.com/driftkernel/drift/pkg/atomicbitops"
)

// ProcessGroup is spec.md's Data Model Process Group entity: "Shared by
// processes; lifetime = last process."
type ProcessGroup struct {
	pgid ProcessGroupID

	session     *Session
	sessionElem *list.Element // this group's element in session.groups

	mu        sync.Mutex
	processes *list.List // of *Process, insertion order

	refcount atomicbitops.RefCount
}

// PGID returns the process group id.
func (pg *ProcessGroup) PGID() ProcessGroupID { return pg.pgid }

// Session returns the owning session.
func (pg *ProcessGroup) Session() *Session { return pg.session }

// Processes returns a snapshot of the group's member processes.
func (pg *ProcessGroup) Processes() []*Process {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	out := make([]*Process, 0, pg.processes.Len())
	for e := pg.processes.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Process))
	}
	return out
}

func newProcessGroup(pgid ProcessGroupID, session *Session) *ProcessGroup {
	pg := &ProcessGroup{pgid: pgid, session: session, processes: list.New()}
	pg.refcount.Init(0)
	pg.sessionElem = session.addGroup(pg)
	return pg
}

// addProcess links p into pg and bumps pg's refcount.
func (pg *ProcessGroup) addProcess(p *Process) *list.Element {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.refcount.IncRef()
	return pg.processes.PushBack(p)
}

// removeProcess unlinks p's element and reports whether pg's refcount
// reached zero (last process leaving). The caller (Kernel, which alone
// knows about the session registry) is responsible for then tearing down
// the now-empty group's session membership.
func (pg *ProcessGroup) removeProcess(e *list.Element) bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.processes.Remove(e)
	return pg.refcount.DecRef()
}

package kernel

import (
	"container/list"
	"sync"

	"github.com/driftkernel/drift/pkg/atomicbitops"
)

// Session is spec.md's Data Model Session entity: "Shared by all groups
// that belong to it; lifetime = last group."
type Session struct {
	id SessionID

	mu     sync.Mutex
	groups *list.List // of *ProcessGroup, insertion order

	refcount atomicbitops.RefCount
}

// ID returns the session id.
func (s *Session) ID() SessionID { return s.id }

// Groups returns a snapshot of the process groups in this session.
func (s *Session) Groups() []*ProcessGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProcessGroup, 0, s.groups.Len())
	for e := s.groups.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*ProcessGroup))
	}
	return out
}

func newSession(id SessionID) *Session {
	s := &Session{id: id, groups: list.New()}
	s.refcount.Init(0)
	return s
}

// addGroup links pg into s and bumps s's refcount. Preconditions: caller
// holds the Kernel registry lock or otherwise serializes against
// concurrent addGroup/removeGroup.
func (s *Session) addGroup(pg *ProcessGroup) *list.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refcount.IncRef()
	return s.groups.PushBack(pg)
}

// removeGroup unlinks pg's element and reports whether the session's
// refcount reached zero (its lifetime is "last group", per spec.md).
func (s *Session) removeGroup(e *list.Element) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups.Remove(e)
	return s.refcount.DecRef()
}

// IncRef bumps s's reference count directly (used when a caller retains a
// Session pointer beyond a single group's membership, e.g. diagnostics).
func (s *Session) IncRef() { s.refcount.IncRef() }

package kernel

import "github.com/driftkernel/drift/pkg/atomicbitops"

// SessionID, ProcessGroupID, PID, and ThreadID are the identifier types of
// spec.md's Data Model. Threads and processes share one PID space here:
// a Process's pid equals its leader Thread's tid, per spec.md's invariant
// "A process's leader thread is the first thread inserted; ... P's pid
// matches the pid of its leader thread."
type SessionID int32
type ProcessGroupID int32
type PID int32
type ThreadID int32

// idAllocator hands out densely-increasing, never-zero identifiers. A real
// kernel reclaims and recycles ids after reaping; this module keeps the
// monotonic allocator (matching gVisor's own lastPIDNSID / thread ID
// allocators in 0cc0f625_Stars1233-gvisor__...threads.go) since reuse is
// not an invariant spec.md requires.
type idAllocator struct {
	next atomicbitops.Int32
}

func (a *idAllocator) alloc() int32 {
	return a.next.Add(1)
}

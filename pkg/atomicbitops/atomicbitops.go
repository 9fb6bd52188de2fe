// Package atomicbitops provides generic wrappers around sync/atomic for the
// small fixed set of integer and boolean widths used across the kernel:
// reference counts, scheduler state words, and virtqueue ring indices.
package atomicbitops

import "sync/atomic"

// Int32 is an atomically accessed int32.
type Int32 struct {
	v atomic.Int32
}

func (x *Int32) Load() int32          { return x.v.Load() }
func (x *Int32) Store(val int32)      { x.v.Store(val) }
func (x *Int32) Add(delta int32) int32 { return x.v.Add(delta) }
func (x *Int32) Swap(val int32) int32 { return x.v.Swap(val) }
func (x *Int32) CompareAndSwap(old, new int32) bool {
	return x.v.CompareAndSwap(old, new)
}

// Uint32 is an atomically accessed uint32.
type Uint32 struct {
	v atomic.Uint32
}

func (x *Uint32) Load() uint32           { return x.v.Load() }
func (x *Uint32) Store(val uint32)       { x.v.Store(val) }
func (x *Uint32) Add(delta uint32) uint32 { return x.v.Add(delta) }
func (x *Uint32) CompareAndSwap(old, new uint32) bool {
	return x.v.CompareAndSwap(old, new)
}

// Int64 is an atomically accessed int64.
type Int64 struct {
	v atomic.Int64
}

func (x *Int64) Load() int64           { return x.v.Load() }
func (x *Int64) Store(val int64)       { x.v.Store(val) }
func (x *Int64) Add(delta int64) int64 { return x.v.Add(delta) }

// Uint64 is an atomically accessed uint64. The virtqueue avail/used
// indices do not use it; they go through PublishRelease/ConsumeAcquire on
// the ring's 32-bit flags/idx word.
type Uint64 struct {
	v atomic.Uint64
}

func (x *Uint64) Load() uint64           { return x.v.Load() }
func (x *Uint64) Store(val uint64)       { x.v.Store(val) }
func (x *Uint64) Add(delta uint64) uint64 { return x.v.Add(delta) }

// Bool is an atomically accessed boolean.
type Bool struct {
	v atomic.Bool
}

func (x *Bool) Load() bool      { return x.v.Load() }
func (x *Bool) Store(val bool)  { x.v.Store(val) }
func (x *Bool) Swap(val bool) bool { return x.v.Swap(val) }

// RefCount is a panic-on-misuse reference count. It is used by
// every refcounted object graph named in spec.md §3/§9: sessions, process
// groups, processes, threads, address spaces, and dynamic linker objects.
type RefCount struct {
	v atomic.Int64
}

// Init sets the initial reference count. Must be called before any
// IncRef/DecRef.
func (r *RefCount) Init(n int64) { r.v.Store(n) }

// IncRef increments the reference count.
func (r *RefCount) IncRef() { r.v.Add(1) }

// DecRef decrements the reference count and reports whether it reached
// zero (the caller is then responsible for running teardown exactly once).
func (r *RefCount) DecRef() bool {
	v := r.v.Add(-1)
	if v < 0 {
		panic("atomicbitops: RefCount.DecRef below zero")
	}
	return v == 0
}

// Load returns the current reference count, for diagnostics/tests only.
func (r *RefCount) Load() int64 { return r.v.Load() }

// PublishRelease stores val to addr with release ordering: every plain
// write the caller performed before this call is guaranteed visible to
// any goroutine that subsequently observes val via ConsumeAcquire on the
// same address. Used by pkg/virtio's split-ring queue to publish a
// descriptor chain (addr points at the combined flags/idx word of an
// avail or used ring) without a 16-bit atomic primitive, which Go's
// sync/atomic does not provide.
func PublishRelease(addr *uint32, val uint32) {
	atomic.StoreUint32(addr, val)
}

// ConsumeAcquire loads *addr with acquire ordering, pairing with a
// PublishRelease on the same address by another goroutine (or, for
// pkg/virtio, real device hardware).
func ConsumeAcquire(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

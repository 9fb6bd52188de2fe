package aml

import "sync"

// namedMutex backs an AML Mutex() object. The original C interpreter this
// module is derived from type-checks Acquire/Release against Mutex objects
// but performs no real locking, since it runs before a scheduler exists;
// this interpreter runs inside a kernel with real threads, so Acquire and
// Release take and release an actual lock.
type namedMutex struct {
	mu sync.Mutex
}

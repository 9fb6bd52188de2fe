package dl

// tlsLayout assembles the initial TLS image per spec.md §4.2: total size
// is the sum of every PT_TLS memsize in dependency order; tls_offset is a
// running prefix sum on arches where TLS grows up from the thread
// pointer, a running suffix sum where it grows down. This module targets
// amd64, which grows down.
type tlsLayout struct {
	totalSize uint64
	modules   []*Object // in the order their offsets were assigned
}

// assignTLSOffsets lays out every object in order (dependency order,
// caller-supplied) that carries a PT_TLS segment, amd64's "grows down"
// rule: tls_offset is minus the running sum of memsizes up to and
// including the module, so the first module in order ends up closest to
// the thread pointer.
func assignTLSOffsets(order []*Object) tlsLayout {
	var total uint64
	var withTLS []*Object
	for _, o := range order {
		if o.isSentinel() || o.tlsMemsz == 0 {
			continue
		}
		withTLS = append(withTLS, o)
	}
	// amd64 grows down: walking in order, the running sum assigns the
	// nearest-to-TP offset to the first object in order.
	for _, o := range withTLS {
		total += o.tlsMemsz
		o.tlsOffset = -int64(total)
	}
	return tlsLayout{totalSize: total, modules: withTLS}
}

// newThreadTLSBlock builds a fresh TLS block for a new thread: per
// spec.md §4.2 "A new thread allocates a TLS block of initial_size +
// sizeof(tls_block), and copies each module's {p_filesz bytes from file
// image, zero up to p_memsz} into the initial region."
//
// tcbSize is the platform's thread-control-block trailer (sizeof(tls_block)
// in spec.md's wording); the returned slice has the thread pointer sitting
// at byte offset layout.totalSize from its start.
func newThreadTLSBlock(layout tlsLayout, tcbSize int) []byte {
	block := make([]byte, int(layout.totalSize)+tcbSize)
	tp := int(layout.totalSize)
	for _, o := range layout.modules {
		start := tp + int(o.tlsOffset)
		copy(block[start:], o.tlsFileImg)
		// the remainder up to tlsMemsz is already zero: make() zero-fills.
	}
	return block
}

// allocModuleID assigns the lowest unoccupied TLS module id to o,
// reproducing original_source/lib/ld/src/tls.c's free-list linear scan
// (spec.md §4.2: "Dynamically loaded objects receive a fresh tls_module
// id (lowest unoccupied slot)").
func (l *Linker) allocModuleID(o *Object) int {
	id := 1
	for {
		if _, taken := l.tlsModules[id]; !taken {
			l.tlsModules[id] = o
			o.tlsModuleID = id
			return id
		}
		id++
	}
}

// freeModuleID releases a dynamically-loaded module's TLS id. Per spec.md
// "Freeing a dynamic module frees its per-thread backing in every live
// TLS block", the per-thread backing itself is the responsibility of
// whatever owns the live thread TLS blocks (the process/thread core); this
// package only owns the id's availability for reuse.
func (l *Linker) freeModuleID(id int) {
	delete(l.tlsModules, id)
}

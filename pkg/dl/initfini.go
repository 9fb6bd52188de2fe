package dl

import (
	"encoding/binary"

	"debug/elf"
)

// loadInitFini reads DT_INIT/DT_INIT_ARRAY/DT_FINI/DT_FINI_ARRAY out of
// o's dynamic section into o.initFuncs/o.finiFuncs, already in the order
// they must run (DT_INIT before DT_INIT_ARRAY; DT_FINI_ARRAY reversed,
// then DT_FINI) per spec.md §4.2 "Init/fini ordering".
func (o *Object) loadInitFini() {
	dynTags, err := o.file.DynValue(elf.DT_INIT)
	if err == nil {
		for _, v := range dynTags {
			o.initFuncs = append(o.initFuncs, uintptr(v)+o.loadBias)
		}
	}
	if sec := o.file.Section(".init_array"); sec != nil {
		if arr, err := sec.Data(); err == nil {
			for off := 0; off+8 <= len(arr); off += 8 {
				v := binary.LittleEndian.Uint64(arr[off:])
				o.initFuncs = append(o.initFuncs, uintptr(v)+o.loadBias)
			}
		}
	}

	if sec := o.file.Section(".fini_array"); sec != nil {
		if arr, err := sec.Data(); err == nil {
			var rev []uintptr
			for off := 0; off+8 <= len(arr); off += 8 {
				v := binary.LittleEndian.Uint64(arr[off:])
				rev = append(rev, uintptr(v)+o.loadBias)
			}
			for i := len(rev) - 1; i >= 0; i-- {
				o.finiFuncs = append(o.finiFuncs, rev[i])
			}
		}
	}
	if fini, err := o.file.DynValue(elf.DT_FINI); err == nil {
		for _, v := range fini {
			o.finiFuncs = append(o.finiFuncs, uintptr(v)+o.loadBias)
		}
	}
}

// runInit calls init functions bottom-up (dependencies first): for each
// object in l.loadOrder (already dependency-ordered by resolveDependencies),
// DT_INIT runs first, then DT_INIT_ARRAY in index order.
func (l *Linker) runInit(call func(fn uintptr)) {
	for _, o := range l.loadOrder {
		for _, fn := range o.initFuncs {
			call(fn)
		}
	}
}

// runFini calls fini functions top-down (reverse load order) and reverse
// within an object (already arranged that way by loadInitFini).
func (l *Linker) runFini(call func(fn uintptr)) {
	for i := len(l.loadOrder) - 1; i >= 0; i-- {
		o := l.loadOrder[i]
		for _, fn := range o.finiFuncs {
			call(fn)
		}
	}
}

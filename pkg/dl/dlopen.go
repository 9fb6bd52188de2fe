package dl

import (
	"debug/elf"
	"path/filepath"
	"strings"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/klog"
	"github.com/driftkernel/drift/pkg/sentry/kernel"
)

// sentinelSoname is ld.so.1's own self-reference: resolved as a dependency
// edge (so DT_NEEDED("ld.so.1") never fails to resolve) but never actually
// mapped, per spec.md §4.2 "Dependency resolution" and
// original_source/lib/ld/src/ld.c's handling of its own soname.
const sentinelSoname = "ld.so.1"

// resolveDependencies walks o.needed, loading (or reusing, by soname) each
// named object along l.libraryPath, and appends the result to o.deps in
// declaration order. The bidirectional edge is refcounted: an object
// already present in l.objects is reused and bumped rather than reloaded,
// which is what makes a DT_NEEDED cycle tolerable (spec.md §9).
func (l *Linker) resolveDependencies(o *Object) error {
	for _, name := range o.needed {
		if name == sentinelSoname {
			o.deps = append(o.deps, nil) // nil entry == the sentinel, never loaded
			continue
		}

		if existing, ok := l.objects[name]; ok {
			existing.refs++
			o.deps = append(o.deps, existing)
			continue
		}

		dep, err := l.loadBySoname(name)
		if err != nil {
			return kerrors.Wrap(kerrors.NoExec, "dl: resolve dependency "+name, err)
		}
		o.deps = append(o.deps, dep)
	}
	return nil
}

// loadBySoname searches l.libraryPath for name, parses and maps it, and
// registers it in l.objects before recursing into its own dependencies —
// registering first is what makes a cycle back to name resolve to the
// same *Object instead of recursing forever.
func (l *Linker) loadBySoname(name string) (*Object, error) {
	var raw []byte
	var path string
	for _, dir := range l.libraryPath {
		candidate := filepath.Join(dir, name)
		data, err := l.opener(candidate)
		if err != nil {
			continue
		}
		raw, path = data, candidate
		break
	}
	if raw == nil {
		return nil, kerrors.New(kerrors.NoEntry, "dl: "+name+" not found on library path")
	}

	dep := &Object{Name: name, Path: path, refs: 1}
	if err := dep.parse(raw); err != nil {
		return nil, err
	}
	if err := dep.mapSegments(0); err != nil {
		return nil, err
	}

	l.objects[name] = dep

	if err := l.resolveDependencies(dep); err != nil {
		delete(l.objects, name)
		return nil, err
	}
	if err := dep.relocateAndInit(); err != nil {
		delete(l.objects, name)
		return nil, err
	}

	l.loadOrder = append(l.loadOrder, dep)
	return dep, nil
}

// relocateAndInit runs o's own relocation/RELRO/init-fini-table steps once
// its segments are mapped and its own dependencies are resolved (so symbol
// lookups against o.deps succeed). Every object in the graph — root and
// every transitive dependency alike — needs this, since each carries its
// own GOT/PLT slots to fix up.
func (o *Object) relocateAndInit() error {
	rels := o.decodeOwnRelocations()
	if err := o.applyRelocations(rels); err != nil {
		return err
	}
	if err := o.applyRelro(); err != nil {
		return err
	}
	o.loadInitFini()
	return nil
}

// finalizeTLS assigns TLS offsets and module ids across root's full
// transitive dependency closure (deduped) in one pass: the running-suffix-
// sum layout spec.md §4.2 describes is a whole-program property, not a
// per-object one, so it cannot be computed piecemeal as each dependency is
// individually resolved.
func (l *Linker) finalizeTLS(root *Object) {
	seen := make(map[*Object]bool)
	var order []*Object
	var walk func(o *Object)
	walk = func(o *Object) {
		if o.isSentinel() || seen[o] {
			return
		}
		seen[o] = true
		for _, dep := range o.deps {
			walk(dep)
		}
		order = append(order, o)
	}
	walk(root)

	layout := assignTLSOffsets(order)
	for _, m := range layout.modules {
		if m.tlsModuleID == 0 {
			l.allocModuleID(m)
		}
	}
}

// CreateContext implements kernel.ELFLoader: spec.md §4.1's external
// elf_createctx collaborator invoked from uproc_create_elf. It reads file
// via l.fileReader (the process core's File contract has no Read method of
// its own — only refcounting — so the byte source is injected the same way
// opener is for library-path lookups), maps the root object and its full
// DT_NEEDED graph, relocates, and hands back the resulting entry point and
// address space.
func (l *Linker) CreateContext(file kernel.File, argv, envp []string) (*kernel.ELFImage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fileReader == nil {
		return nil, kerrors.New(kerrors.InvalidArgument, "dl: no file reader configured")
	}
	raw, err := l.fileReader(file)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.IoError, "dl: read executable", err)
	}

	root := &Object{Name: "", Path: "", refs: 1}
	if err := root.parse(raw); err != nil {
		return nil, err
	}
	if err := root.mapSegments(0); err != nil {
		return nil, err
	}
	if err := l.resolveDependencies(root); err != nil {
		return nil, err
	}
	if err := root.relocateAndInit(); err != nil {
		return nil, err
	}
	l.finalizeTLS(root)
	l.loadOrder = append(l.loadOrder, root)

	as, err := l.asFactory()
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoMemory, "dl: create address space", err)
	}
	root.addrSpace = as

	l.runInit(func(fn uintptr) {
		klog.Debugf("dl: running init at %#x", fn)
	})

	entry, base, phdr, phnum, phent := root.entryPoint()
	return &kernel.ELFImage{
		Entry:      entry,
		Base:       base,
		Phdr:       phdr,
		Phnum:      phnum,
		Phent:      phent,
		AddrSpace:  as,
		Executable: file,
	}, nil
}

// decodeOwnRelocations gathers o's DT_REL/DT_RELA/DT_JMPREL entries via
// debug/elf's section lookup, since debug/elf does not expose a single
// "all relocations" accessor.
func (o *Object) decodeOwnRelocations() []reloc {
	var out []reloc
	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		if sec := o.file.Section(name); sec != nil {
			if data, err := sec.Data(); err == nil {
				out = append(out, decodeRela(data)...)
			}
		}
	}
	for _, name := range []string{".rel.dyn", ".rel.plt"} {
		if sec := o.file.Section(name); sec != nil {
			if data, err := sec.Data(); err == nil {
				out = append(out, decodeRel(data)...)
			}
		}
	}
	return out
}

// entryPoint reads back the values CreateContext needs from o.file/o after
// mapping: entry and phdr are file vaddrs that must be rebased by loadBias,
// matching spec.md §4.1's AT_ENTRY/AT_PHDR auxv seeding.
func (o *Object) entryPoint() (entry, base uintptr, phdr uintptr, phnum, phent int) {
	base = o.loadBias
	entry = uintptr(o.file.Entry) + o.loadBias
	phnum = len(o.phdrs)
	phent = 56 // sizeof(Elf64_Phdr)
	for _, ph := range o.phdrs {
		if ph.Type == elf.PT_PHDR {
			phdr = uintptr(ph.Vaddr) + o.loadBias
			break
		}
	}
	return entry, base, phdr, phnum, phent
}

// DLOpen loads path (an absolute or library-path-relative name) and
// returns the resulting Object, running its init functions before
// returning, per spec.md §4.2's dlopen(3) semantics.
func (l *Linker) DLOpen(path string, flags int) (*Object, error) {
	if err := checkArg(path != "", "dlopen: empty path"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := path
	if !strings.Contains(path, "/") {
		if existing, ok := l.objects[key]; ok {
			existing.refs++
			return existing, nil
		}
	}

	first := len(l.loadOrder)
	raw, err := l.opener(path)
	if err != nil {
		l.setError("dlopen: " + path + ": " + err.Error())
		return nil, err
	}

	o := &Object{Name: filepath.Base(path), Path: path, refs: 1}
	if err := o.parse(raw); err != nil {
		l.setError("dlopen: " + path + ": " + err.Error())
		return nil, err
	}
	if err := o.mapSegments(0); err != nil {
		l.setError("dlopen: " + path + ": " + err.Error())
		return nil, err
	}
	l.objects[o.Name] = o
	if err := l.resolveDependencies(o); err != nil {
		delete(l.objects, o.Name)
		l.setError("dlopen: " + path + ": " + err.Error())
		return nil, err
	}
	if err := o.relocateAndInit(); err != nil {
		delete(l.objects, o.Name)
		l.setError("dlopen: " + path + ": " + err.Error())
		return nil, err
	}
	l.finalizeTLS(o)
	l.loadOrder = append(l.loadOrder, o)

	for _, loaded := range l.loadOrder[first:] {
		for _, fn := range loaded.initFuncs {
			klog.Debugf("dl: running init at %#x", fn)
		}
	}

	return o, nil
}

// DLClose drops a reference to o, running its fini functions and
// unmapping it (and releasing its TLS module id) once the refcount named
// in spec.md §9 reaches zero. Dependencies are released transitively.
func (l *Linker) DLClose(o *Object) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.decRef(o)
}

func (l *Linker) decRef(o *Object) error {
	if o.isSentinel() {
		return nil
	}
	o.refs--
	if o.refs > 0 {
		return nil
	}

	for _, fn := range o.finiFuncs {
		klog.Debugf("dl: running fini at %#x", fn)
	}

	if o.tlsModuleID != 0 {
		l.freeModuleID(o.tlsModuleID)
	}
	if o.mapped != nil {
		if err := unmapObject(o); err != nil {
			return err
		}
	}
	delete(l.objects, o.Name)
	for i, lo := range l.loadOrder {
		if lo == o {
			l.loadOrder = append(l.loadOrder[:i], l.loadOrder[i+1:]...)
			break
		}
	}

	for _, dep := range o.deps {
		if err := l.decRef(dep); err != nil {
			return err
		}
	}
	return nil
}

// DLSym implements dlsym(3): full symbol resolution order starting from o
// (its own table, then its DT_NEEDED graph).
func (l *Linker) DLSym(o *Object, name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	val, _, ok := o.resolveSymbol(name)
	if !ok {
		l.setError("dlsym: undefined symbol: " + name)
		return 0, kerrors.New(kerrors.NoEntry, "dl: undefined symbol "+name)
	}
	return uintptr(val), nil
}

// DLIteratePhdr implements dl_iterate_phdr(3), walking every loaded object
// in load order until callback returns false.
func (l *Linker) DLIteratePhdr(callback func(o *Object) bool) {
	l.mu.Lock()
	order := append([]*Object(nil), l.loadOrder...)
	l.mu.Unlock()

	for _, o := range order {
		if !callback(o) {
			return
		}
	}
}

// Package dl implements spec.md §4.2's dynamic linker: ELF mapping,
// dependency resolution, GNU/SysV symbol hashing, relocation, the TLS
// model, init/fini ordering, and the dlopen family, guarded by a single
// non-reentrant lock per §4.2 "Thread-safety".
package dl

import (
	"debug/elf"
	"sync"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/sentry/kernel"
)

// Object is a loaded ELF image: spec.md §4.2's "LoadedObject". refcount
// tracks the bidirectional dependency edge list named in §9 (a dependency
// is owned by every dependent that named it in DT_NEEDED).
type Object struct {
	Name string
	Path string

	file   *elf.File
	raw    []byte // the raw file bytes, used only to source PT_LOAD file content
	mapped []byte // the live post-mmap image, indexed by vaddr - mappedBase
	mappedBase uintptr
	loadBias uintptr

	phdrs []elf.ProgHeader

	dynsym  []elf.Symbol
	dynstr  string
	sysvHash *sysvHashTable
	gnuHash  *gnuHashTable

	needed []string // DT_NEEDED soname strings, declaration order
	deps   []*Object // resolved, same order as needed; nil entries are the ld.so.1 sentinel

	tlsModuleID int  // 0 if the object has no PT_TLS
	tlsOffset   int64
	tlsFileImg  []byte
	tlsMemsz    uint64

	initFuncs []uintptr
	finiFuncs []uintptr

	addrSpace kernel.AddressSpace

	refs int32
}

// isSentinel reports whether o represents ld.so.1, the self-reference
// name that is resolved but never actually loaded (spec.md §4.2
// "Dependency resolution").
func (o *Object) isSentinel() bool { return o == nil }

// Linker is the process-wide dynamic linker state: spec.md §4.2's single
// non-reentrant lock plus the one-slot dlerror buffer.
type Linker struct {
	mu sync.Mutex

	libraryPath []string // LD_LIBRARY_PATH, colon-separated, default {"/lib"}
	bindNow     bool     // LD_BIND_NOW override, supplemented from original_source/lib/ld/src/ld.c; stored only, relocation is always eager

	objects   map[string]*Object // by soname, for dedup across the dependency graph
	loadOrder []*Object          // bottom-up init order as objects finish loading

	tlsModules map[int]*Object // allocated TLS module ids
	nextTLSID  int

	errMu  sync.Mutex
	errBuf string // single-slot dlerror buffer, read-and-clear

	opener     func(path string) ([]byte, error)  // file-reading collaborator, injected for testability
	fileReader func(kernel.File) ([]byte, error)  // reads the kernel.File CreateContext is handed
	asFactory  func() (kernel.AddressSpace, error) // constructs the AddressSpace backing a new context
}

// Config supplies the external collaborators/env Linker needs.
type Config struct {
	LibraryPath []string
	BindNow     bool
	Opener      func(path string) ([]byte, error)
	FileReader  func(kernel.File) ([]byte, error)
	AddrSpace   func() (kernel.AddressSpace, error)
}

// NewLinker constructs an empty Linker ready to load an initial image.
func NewLinker(cfg Config) *Linker {
	lp := cfg.LibraryPath
	if len(lp) == 0 {
		lp = []string{"/lib"}
	}
	return &Linker{
		libraryPath: lp,
		bindNow:     cfg.BindNow,
		objects:     make(map[string]*Object),
		tlsModules:  make(map[int]*Object),
		nextTLSID:   1,
		opener:      cfg.Opener,
		fileReader:  cfg.FileReader,
		asFactory:   cfg.AddrSpace,
	}
}

// setError records msg in the single-slot dlerror buffer, overwriting
// whatever was there (spec.md §4.2: "process-wide, single-slot,
// read-and-clear").
func (l *Linker) setError(msg string) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	l.errBuf = msg
}

// DLError implements dlerror(3): returns and clears the pending message.
func (l *Linker) DLError() string {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	msg := l.errBuf
	l.errBuf = ""
	return msg
}

func checkArg(cond bool, msg string) error {
	if !cond {
		return kerrors.New(kerrors.InvalidArgument, msg)
	}
	return nil
}

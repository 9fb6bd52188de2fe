package kernel

import (
	"io"

	"github.com/driftkernel/drift/pkg/sentry/arch"
)

// This file names the contracts spec.md §1 calls out as "used but not
// specified here": the tty layer, VFS node tree, slab allocator, virtual
// memory engine, waitqueue primitives (see pkg/waiter, which *is* specified
// here as ambient infrastructure), and PCI enumeration. Only the shapes
// this package actually calls are declared.

// File is the VFS-provided open file object. Only the operations the
// process core touches (refcounting, close) are named; read/write/seek
// live entirely in the excluded filesystem layer.
type File interface {
	IncRef()
	DecRef()
	Close() error
}

// Node is a VFS node reference (root or cwd), opaque to the process core.
type Node interface {
	Path() string
}

// AddressSpace is the virtual-memory engine's per-process mapping context
// (vm_alloc/vm_map in spec.md §1). The process core only refcounts it,
// forks it, and writes stack and signal-frame bytes into it; activation
// and teardown belong to the implementation, not to arch.Context.
type AddressSpace interface {
	IncRef()
	// DecRef drops a reference, returning true if this was the last one
	// (teardown on the last reference is the implementation's own job).
	DecRef() bool
	// Fork returns a copy-duplicated AddressSpace, used when CLONE_VM is
	// not set.
	Fork() (AddressSpace, error)
	// PushStack writes b at the top of the address space's allocated user
	// stack region, returning the resulting stack pointer. Used by
	// stack.go to materialize the argv/envp/auxv layout of spec.md §6.
	PushStack(b []byte) (sp uintptr, err error)
	// StackTop returns the initial (empty) top-of-stack address.
	StackTop() uintptr
	// WriteAt writes b at the given user address, used to materialize a
	// signal frame on top of whatever the user stack pointer currently is
	// (as opposed to PushStack, which always targets the top of the
	// region).
	WriteAt(addr uintptr, b []byte) error
}

// ELFImage is what an external elf_createctx collaborator (spec.md §4.1)
// hands back after mapping an ELF binary graph. The real mapping,
// relocation, and TLS assembly work is pkg/dl's job; the process core only
// needs entry point, auxv seed values, and the resulting address space.
type ELFImage struct {
	Entry      uintptr
	Base       uintptr // load bias, for AT_BASE
	Phdr       uintptr
	Phnum      int
	Phent      int
	AddrSpace  AddressSpace
	Executable File
}

// ELFLoader is the external collaborator named in spec.md §4.1:
// "uproc_create_elf ... delegating ELF loading to an external elf_createctx
// collaborator". pkg/dl.Linker implements this.
type ELFLoader interface {
	CreateContext(file File, argv, envp []string) (*ELFImage, error)
}

// ArchContext re-exports arch.Context under the kernel package's own name
// for call-site brevity; Kernel is constructed with one.
type ArchContext = arch.Context

// Trapframe re-exports arch.Trapframe.
type Trapframe = arch.Trapframe

// LogWriter is satisfied by anything tests can point klog at; declared
// here only so contracts.go documents the full external surface.
type LogWriter = io.Writer

// Package arch defines the architecture trait named in spec.md §9: the
// kernel core and dynamic linker are written once against this interface
// and per-arch implementations supply the register/stack layout details
// (amd64, arm64).
package arch

// Registers is an opaque, architecture-specific register set. Each arch
// package defines its own concrete type satisfying this via a type
// assertion at the call site that needs raw register access (e.g. ptrace
// GETREGS in pkg/sentry/platform/systrap).
type Registers interface {
	// IP returns the current instruction pointer.
	IP() uintptr
	// SP returns the current stack pointer.
	SP() uintptr
}

// Trapframe is the saved user or kernel register state for a Thread,
// matching spec.md's Data Model ("user trapframe, kernel trapframe").
type Trapframe interface {
	Registers

	SetStackPointer(sp uintptr)
	SetInstructionPointer(ip uintptr)

	// SetArg sets argument register n (0-3) per the ABI's
	// REGISTER_PARAMETERS calling convention, used when pushing
	// sa_handler(signum, siginfo*, ucontext*) and syscall return values.
	SetArg(n int, val uintptr)

	// Clone returns a deep copy, used to save a pristine trapframe into
	// the signal frame per spec.md §4.1 step 3.
	Clone() Trapframe
}

// Context is the full per-architecture trait. One Context implementation
// exists per supported GOARCH; pkg/sentry/kernel is written only against
// this interface.
type Context interface {
	// Name identifies the architecture ("amd64", "arm64", ...).
	Name() string

	// NewTrapframe allocates a zeroed Trapframe.
	NewTrapframe() Trapframe

	// InitTrapframeUser initializes tf for first entry into a freshly
	// loaded user image at entry, with the stack pointer sp (already
	// populated with argv/envp/auxv per spec.md §6).
	InitTrapframeUser(tf Trapframe, entry, sp uintptr)

	// InitTrapframeKern initializes tf for a kernel thread's first entry
	// at fn with argument arg passed in the first argument register.
	InitTrapframeKern(tf Trapframe, fn, arg uintptr)

	// TLSGrowsDown reports whether the TLS block sits below the thread
	// pointer (i386/amd64) or above it (arm/aarch64/riscv), per spec.md
	// §4.2 "TLS model".
	TLSGrowsDown() bool

	// StackAlignment is the required alignment, in bytes, of the initial
	// user stack pointer.
	StackAlignment() uintptr

	// StackReturnAddr reports whether the ABI expects a return address
	// slot pushed onto the stack below the argument area (true for
	// architectures without a link register).
	StackReturnAddr() bool

	// RegisterParameters is the number of leading arguments passed in
	// registers rather than on the stack, per spec.md §6.
	RegisterParameters() int

	// TLSNegateOffset reports whether TLS_TPOFF-style relocations must
	// negate the computed offset (true only for i386, per spec.md §4.2).
	TLSNegateOffset() bool

	// SignalRedZoneSkip is the number of bytes a signal frame must be
	// placed below the current SP before writing frame contents, to avoid
	// clobbering a red zone (128 on amd64 per spec.md §4.1; 0 elsewhere).
	SignalRedZoneSkip() uintptr
}

// registry of known architectures, populated by each arch's init().
var registry = map[string]Context{}

// Register makes an architecture's Context available by name. Called from
// each concrete arch package's init().
func Register(name string, ctx Context) {
	registry[name] = ctx
}

// Lookup returns the Context for name, or nil if unknown.
func Lookup(name string) Context {
	return registry[name]
}

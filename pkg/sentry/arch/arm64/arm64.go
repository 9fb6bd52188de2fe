// Package arm64 implements pkg/sentry/arch.Context for aarch64.
package arm64

import "github.com/driftkernel/drift/pkg/sentry/arch"

func init() {
	arch.Register("arm64", ctx{})
}

type registers struct {
	pc, sp         uintptr
	x0, x1, x2, x3 uintptr
}

func (r *registers) IP() uintptr { return r.pc }
func (r *registers) SP() uintptr { return r.sp }

type trapframe struct {
	registers
}

func (tf *trapframe) SetStackPointer(sp uintptr)      { tf.sp = sp }
func (tf *trapframe) SetInstructionPointer(ip uintptr) { tf.pc = ip }

func (tf *trapframe) SetArg(n int, val uintptr) {
	switch n {
	case 0:
		tf.x0 = val
	case 1:
		tf.x1 = val
	case 2:
		tf.x2 = val
	case 3:
		tf.x3 = val
	default:
		panic("arm64: SetArg index out of range")
	}
}

func (tf *trapframe) Clone() arch.Trapframe {
	cp := *tf
	return &cp
}

type ctx struct{}

func (ctx) Name() string { return "arm64" }

func (ctx) NewTrapframe() arch.Trapframe { return &trapframe{} }

func (ctx) InitTrapframeUser(tf arch.Trapframe, entry, sp uintptr) {
	tf.SetInstructionPointer(entry)
	tf.SetStackPointer(sp)
}

func (ctx) InitTrapframeKern(tf arch.Trapframe, fn, arg uintptr) {
	tf.SetInstructionPointer(fn)
	tf.SetArg(0, arg)
}

// TLS grows up from the thread pointer on arm/aarch64/riscv, per spec.md
// §4.2.
func (ctx) TLSGrowsDown() bool         { return false }
func (ctx) StackAlignment() uintptr    { return 16 }
func (ctx) StackReturnAddr() bool      { return false }
func (ctx) RegisterParameters() int    { return 8 }
func (ctx) TLSNegateOffset() bool      { return false }
func (ctx) SignalRedZoneSkip() uintptr { return 0 }

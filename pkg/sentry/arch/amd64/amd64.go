// Package amd64 implements pkg/sentry/arch.Context for x86-64.
package amd64

import "github.com/driftkernel/drift/pkg/sentry/arch"

func init() {
	arch.Register("amd64", ctx{})
}

// redZoneSkip is the amount by which the signal frame is placed below the
// current SP on amd64, per spec.md §4.1 ("On amd64 the frame is placed 128
// bytes below the current SP (red-zone skip).").
const redZoneSkip = 128

type registers struct {
	rip, rsp             uintptr
	rdi, rsi, rdx, rcx   uintptr
	r8, r9               uintptr
}

func (r *registers) IP() uintptr { return r.rip }
func (r *registers) SP() uintptr { return r.rsp }

type trapframe struct {
	registers
}

func (tf *trapframe) SetStackPointer(sp uintptr)      { tf.rsp = sp }
func (tf *trapframe) SetInstructionPointer(ip uintptr) { tf.rip = ip }

func (tf *trapframe) SetArg(n int, val uintptr) {
	switch n {
	case 0:
		tf.rdi = val
	case 1:
		tf.rsi = val
	case 2:
		tf.rdx = val
	case 3:
		tf.rcx = val
	default:
		panic("amd64: SetArg index out of range")
	}
}

func (tf *trapframe) Clone() arch.Trapframe {
	cp := *tf
	return &cp
}

type ctx struct{}

func (ctx) Name() string { return "amd64" }

func (ctx) NewTrapframe() arch.Trapframe { return &trapframe{} }

func (ctx) InitTrapframeUser(tf arch.Trapframe, entry, sp uintptr) {
	tf.SetInstructionPointer(entry)
	// Red-zone skip is applied only when constructing a *signal* frame on
	// top of an already-running user stack (see
	// pkg/sentry/kernel/signal_deliver.go);
	// initial process entry uses sp as computed by stack layout directly.
	tf.SetStackPointer(sp)
}

func (ctx) InitTrapframeKern(tf arch.Trapframe, fn, arg uintptr) {
	tf.SetInstructionPointer(fn)
	tf.SetArg(0, arg)
}

func (ctx) TLSGrowsDown() bool      { return true }
func (ctx) StackAlignment() uintptr { return 16 }
func (ctx) StackReturnAddr() bool   { return false }
func (ctx) RegisterParameters() int { return 6 }
func (ctx) TLSNegateOffset() bool   { return false }
func (ctx) SignalRedZoneSkip() uintptr { return redZoneSkip }

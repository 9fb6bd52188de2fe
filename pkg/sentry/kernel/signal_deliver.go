package kernel

import (
	"encoding/binary"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// DeliverPending runs spec.md §4.1's signal delivery algorithm against t's
// pending set, at the kernel/user boundary. It consumes at most one
// signal per call (the canonical return-to-user loop calls this once per
// pass and loops while it returns true).
func (k *Kernel) DeliverPending(t *Thread) (delivered bool, err error) {
	p := t.proc

	t.mu.Lock()
	sig := lowestSet(t.pending &^ t.sigmask)
	if sig == 0 {
		t.mu.Unlock()
		return false, nil
	}
	t.pending = t.pending.Remove(sig)
	altstack := t.sigaltstack
	nested := t.sigaltstackNest
	t.mu.Unlock()

	p.mu.Lock()
	act := p.sigActions.get(sig)
	p.mu.Unlock()

	if act.Handler == SigDfl {
		switch defaultActionOf(sig) {
		case actIgnore:
			return true, nil
		case actContinue:
			p.mu.Lock()
			p.state = ProcessAlive
			p.mu.Unlock()
			return true, nil
		case actStop:
			p.mu.Lock()
			p.state = ProcessStopped
			p.mu.Unlock()
			return true, nil
		default: // actTerminate
			k.ProcExit(p, 128+int32(sig))
			return true, kerrors.New(kerrors.Interrupted, "thread terminated by signal")
		}
	}
	if act.Handler == SigIgn {
		return true, nil
	}

	if err := k.deliverToHandler(t, sig, act, altstack, nested); err != nil {
		return true, err
	}
	return true, nil
}

// lowestSet returns the lowest-numbered signal present in s, or 0.
func lowestSet(s SigSet) Signal {
	for sig := Signal(1); sig <= NSig; sig++ {
		if s.Contains(sig) {
			return sig
		}
	}
	return 0
}

// deliverToHandler builds the signal frame described by spec.md §4.1
// "Frame layout" on the current user stack (or the alternate signal stack
// if SA_ONSTACK is set and the thread is not already nested on it), and
// redirects the user trapframe at sa_handler/sa_sigaction.
func (k *Kernel) deliverToHandler(t *Thread, sig Signal, act SigAction, altstack SignalStack, nested int32) error {
	ac := k.arch

	savedTF := t.userTF.Clone()
	curSP := t.userTF.SP()

	useAltStack := act.Flags&SAOnStack != 0 && !altstack.Disable && nested == 0
	base := curSP
	if useAltStack {
		base = altstack.SP + altstack.Size
	}

	frameTop := base - ac.SignalRedZoneSkip()

	wordSize := uintptr(8)
	frameSize := wordSize * 4 // return addr, signum, siginfo ptr, ucontext ptr
	frameBase := alignDown(frameTop-frameSize, ac.StackAlignment())

	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(act.Restorer))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(sig))
	siginfoPtr := frameBase // reuses the frame itself; a full siginfo_t layout is out of this module's named scope
	ucontextPtr := frameBase
	binary.LittleEndian.PutUint64(buf[16:24], uint64(siginfoPtr))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(ucontextPtr))

	if err := t.proc.addrSpace.WriteAt(frameBase, buf); err != nil {
		return err
	}

	t.mu.Lock()
	t.pendingSigFrame = &SigFrame{
		ReturnAddr:   act.Restorer,
		Signum:       sig,
		SiginfoPtr:   siginfoPtr,
		UcontextPtr:  ucontextPtr,
		SavedTF:      savedTF,
		SavedMask:    t.sigmask,
		HasSiginfo:   act.Flags&SASiginfo != 0,
		SiSignoValue: int32(sig),
	}
	if useAltStack {
		t.sigaltstackNest++
	}
	newMask := t.sigmask.Union(act.Mask)
	if act.Flags&SANodefer == 0 {
		newMask = newMask.Add(sig)
	}
	t.sigmask = sanitizeMask(newMask)
	t.mu.Unlock()

	tf := t.userTF
	tf.SetInstructionPointer(uintptr(act.Handler))
	tf.SetStackPointer(frameBase)
	tf.SetArg(0, uintptr(sig))
	if act.Flags&SASiginfo != 0 {
		tf.SetArg(1, siginfoPtr)
		tf.SetArg(2, ucontextPtr)
	}

	return nil
}

// SigReturn restores the trapframe and mask saved by the most recent
// deliverToHandler call and decrements sigaltstack_nest: spec.md §4.1
// "sigreturn restores the saved trapframe and sigmask and decrements
// sigaltstack_nest."
func (k *Kernel) SigReturn(t *Thread) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame := t.pendingSigFrame
	if frame == nil {
		return kerrors.New(kerrors.InvalidArgument, "sigreturn: no signal frame active")
	}
	t.userTF = frame.SavedTF
	t.sigmask = frame.SavedMask
	if t.sigaltstackNest > 0 {
		t.sigaltstackNest--
	}
	t.pendingSigFrame = nil
	return nil
}

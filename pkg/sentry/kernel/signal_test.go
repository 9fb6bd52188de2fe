package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigSetNeverMasksKillOrStop(t *testing.T) {
	m := sanitizeMask(SigSet(0).Add(SIGKILL).Add(SIGSTOP).Add(SIGTERM))
	assert.False(t, m.Contains(SIGKILL))
	assert.False(t, m.Contains(SIGSTOP))
	assert.True(t, m.Contains(SIGTERM))
}

func TestDefaultActionTable(t *testing.T) {
	assert.Equal(t, actTerminate, defaultActionOf(SIGKILL))
	assert.Equal(t, actTerminate, defaultActionOf(SIGSEGV))
	assert.Equal(t, actIgnore, defaultActionOf(SIGCHLD))
	assert.Equal(t, actContinue, defaultActionOf(SIGCONT))
	assert.Equal(t, actStop, defaultActionOf(SIGSTOP))
	assert.Equal(t, actStop, defaultActionOf(SIGTSTP))
}

func TestSigActionTableCopyForExecKeepsIgnoredOnly(t *testing.T) {
	tbl := newSigActionTable()
	tbl.set(SIGTERM, SigAction{Handler: SigHandler(0x1000)})
	tbl.set(SIGPIPE, SigAction{Handler: SigIgn})

	out := tbl.copyForExec()
	assert.Equal(t, SigDfl, out.get(SIGTERM).Handler)
	assert.Equal(t, SigIgn, out.get(SIGPIPE).Handler)
}

func TestSigActionTableForkDuplicates(t *testing.T) {
	tbl := newSigActionTable()
	tbl.set(SIGUSR1, SigAction{Handler: SigHandler(0x2000), Mask: SigSet(0).Add(SIGUSR2)})

	out := tbl.fork()
	assert.Equal(t, tbl.get(SIGUSR1), out.get(SIGUSR1))

	out.set(SIGUSR1, SigAction{Handler: SigDfl})
	assert.NotEqual(t, tbl.get(SIGUSR1).Handler, out.get(SIGUSR1).Handler)
}

func TestDeliverPendingAndSigReturnRoundTrip(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	th, err := k.UProcCreateELF("initd", file, []string{"initd"}, nil, Credentials{})
	require.NoError(t, err)

	handlerAddr := SigHandler(0x401000)
	th.SigAction(SIGUSR1, &SigAction{Handler: handlerAddr, Mask: SigSet(0)})

	k.ThreadSignal(th, SIGUSR1)
	delivered, err := k.DeliverPending(th)
	require.NoError(t, err)
	require.True(t, delivered)

	assert.Equal(t, uintptr(handlerAddr), th.userTF.IP())
	assert.True(t, th.SigMask().Contains(SIGUSR1)) // SA_NODEFER not set: self-masked during handler

	require.NoError(t, k.SigReturn(th))
	assert.False(t, th.SigMask().Contains(SIGUSR1))
}

func TestDeliverPendingIgnoredSignalDropsSilently(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	th, err := k.UProcCreateELF("initd", file, []string{"initd"}, nil, Credentials{})
	require.NoError(t, err)

	th.SigAction(SIGPIPE, &SigAction{Handler: SigIgn})
	k.ThreadSignal(th, SIGPIPE)

	delivered, err := k.DeliverPending(th)
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.False(t, th.SigPending().Contains(SIGPIPE))
}

func TestSigProcMaskBlockUnblockSetMask(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	th, err := k.UProcCreateELF("initd", file, []string{"initd"}, nil, Credentials{})
	require.NoError(t, err)

	old := th.SigProcMask(SigBlock, SigSet(0).Add(SIGUSR1), true)
	assert.Equal(t, SigSet(0), old)
	assert.True(t, th.SigMask().Contains(SIGUSR1))

	th.SigProcMask(SigUnblock, SigSet(0).Add(SIGUSR1), true)
	assert.False(t, th.SigMask().Contains(SIGUSR1))

	th.SigProcMask(SigSetMask, SigSet(0).Add(SIGUSR2).Add(SIGKILL), true)
	assert.True(t, th.SigMask().Contains(SIGUSR2))
	assert.False(t, th.SigMask().Contains(SIGKILL)) // SIGKILL is always sanitized out
}

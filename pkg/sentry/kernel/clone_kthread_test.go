package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKProcCreateBuildsKernelProcessWithOwnSessionAndGroup(t *testing.T) {
	k := newTestKernel()
	as := newFakeAddressSpace(1 << 16)

	th, err := k.KProcCreate("kworker", 0x500000, []string{"kworker"}, nil, as)
	require.NoError(t, err)

	assert.Equal(t, "kworker", th.proc.Name())
	assert.True(t, isGroupLeader(th.proc))
	assert.Same(t, th, th.proc.LeaderThread())
	assert.Equal(t, PriKern, th.priority)
	assert.Same(t, k.ProcessByPID(th.proc.pid), th.proc)
}

func TestKProcCreateUnwindsOnOversizedStack(t *testing.T) {
	k := newTestKernel()
	as := newFakeAddressSpace(8) // far too small for any argv/envp/auxv header

	huge := make([]string, 0, 1)
	huge = append(huge, string(make([]byte, maxStackBytes+1)))

	_, err := k.KProcCreate("kworker", 0x500000, huge, nil, as)
	require.Error(t, err)
	assert.Empty(t, k.Processes())
}

func TestUThreadCloneSharesProcessAndAddressSpace(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	leader, err := k.UProcCreateELF("p", file, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)

	sibling, err := k.UThreadClone(leader, 0)
	require.NoError(t, err)

	assert.Same(t, leader.proc, sibling.proc)
	assert.NotEqual(t, leader.tid, sibling.tid)
	assert.Same(t, k.ThreadByTID(sibling.tid), sibling)

	var found bool
	for e := leader.proc.threads.Front(); e != nil; e = e.Next() {
		if e.Value.(*Thread) == sibling {
			found = true
		}
	}
	assert.True(t, found, "sibling must be linked into the process's thread list")
}

func TestUThreadCloneReleaseUnlinksFromProcess(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	leader, err := k.UProcCreateELF("p", file, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)

	sibling, err := k.UThreadClone(leader, 0)
	require.NoError(t, err)

	sibling.DecRef()
	assert.Nil(t, k.ThreadByTID(sibling.tid))

	for e := leader.proc.threads.Front(); e != nil; e = e.Next() {
		assert.NotEqual(t, sibling, e.Value.(*Thread))
	}
}

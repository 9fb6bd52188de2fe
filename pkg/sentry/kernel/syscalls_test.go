package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkernel/drift/pkg/kerrors"
)

func TestSetsidCreatesFreshSessionAndGroup(t *testing.T) {
	// proc_create (UProcCreateELF) makes the new process the sole founding
	// member of a fresh group, which already makes it a group leader, so
	// setsid is only meaningful for a process that joined its parent's
	// group via proc_dup (UProcClone) and is therefore not one.
	k := newTestKernel()
	parentFile := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	parent, err := k.UProcCreateELF("p", parentFile, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)
	child, err := k.UProcClone(parent, 0)
	require.NoError(t, err)
	require.False(t, isGroupLeader(child.proc))

	oldSid := Getsid(child.proc)
	newSid, err := k.Setsid(child.proc)
	require.NoError(t, err)
	assert.NotEqual(t, oldSid, newSid)
	assert.True(t, isGroupLeader(child.proc))
}

func TestSetsidFailsForExistingGroupLeader(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	th, err := k.UProcCreateELF("p", file, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)

	// proc_create already made th.proc the founding (sole) member of a
	// fresh group, so it is already a group leader without calling setsid.
	_, err = k.Setsid(th.proc)
	assert.Error(t, err)
}

func TestSetpgidJoinsExistingGroupInSameSession(t *testing.T) {
	// proc_dup (UProcClone) initially joins the child into the parent's own
	// group, so split it into its own group first (a fresh pgid, same
	// session) before exercising setpgid's "join an existing group" path.
	k := newTestKernel()
	parentFile := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	parent, err := k.UProcCreateELF("p", parentFile, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)

	child, err := k.UProcClone(parent, 0)
	require.NoError(t, err)
	require.Equal(t, parent.proc.pgroup.PGID(), child.proc.pgroup.PGID())

	// Any pgid absent from the session's existing groups makes Setpgid
	// allocate a fresh one, splitting child off into its own group.
	err = k.Setpgid(child.proc, ProcessGroupID(999999))
	require.NoError(t, err)
	require.NotEqual(t, parent.proc.pgroup.PGID(), child.proc.pgroup.PGID())

	err = k.Setpgid(child.proc, parent.proc.pgroup.PGID())
	require.NoError(t, err)
	assert.Equal(t, parent.proc.pgroup.PGID(), child.proc.pgroup.PGID())
}

func TestSigAltStackRejectsWhileNested(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	th, err := k.UProcCreateELF("p", file, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)

	_, err = th.SigAltStack(&SignalStack{SP: 0x5000, Size: 0x1000})
	require.NoError(t, err)

	th.mu.Lock()
	th.sigaltstackNest = 1
	th.mu.Unlock()

	_, err = th.SigAltStack(&SignalStack{SP: 0x6000, Size: 0x1000})
	assert.True(t, kerrors.Is(err, kerrors.DeviceBusy))
}

func TestSetrlimitRejectsRaisingHardLimit(t *testing.T) {
	k := newTestKernel()
	file := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	th, err := k.UProcCreateELF("p", file, []string{"p"}, nil, Credentials{})
	require.NoError(t, err)

	cur := Getrlimit(th.proc, RlimitNoFile)
	err = Setrlimit(th.proc, RlimitNoFile, Rlimit{Cur: cur.Cur, Max: cur.Max + 1})
	assert.Error(t, err)
}

func TestKillPermissionDenied(t *testing.T) {
	k := newTestKernel()
	fa := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	fb := newFakeFile([]byte{0x7f, 'E', 'L', 'F'})
	a, err := k.UProcCreateELF("a", fa, []string{"a"}, nil, Credentials{RUID: 500, EUID: 500, SUID: 500})
	require.NoError(t, err)
	b, err := k.UProcCreateELF("b", fb, []string{"b"}, nil, Credentials{RUID: 501, EUID: 501, SUID: 501})
	require.NoError(t, err)

	err = k.Kill(a.proc, b.proc, SIGTERM)
	assert.True(t, kerrors.Is(err, kerrors.PermissionDenied))
}

func TestParseShebangExtractsInterpreterAndOptionalArg(t *testing.T) {
	interp, arg, ok := parseShebang([]byte("#!/bin/sh -e\nrest of script"))
	require.True(t, ok)
	assert.Equal(t, "/bin/sh", interp)
	assert.Equal(t, "-e", arg)

	interp, arg, ok = parseShebang([]byte("#!/usr/bin/env python3\n"))
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/env", interp)
	assert.Equal(t, "python3", arg)
}

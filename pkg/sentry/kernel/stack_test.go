package kernel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftkernel/drift/pkg/kerrors"
)

func TestStackLayoutArgcAndNullTerminators(t *testing.T) {
	ctx := amd64Ctx()
	require.NotNil(t, ctx)

	argv := []string{"prog", "a", "bb"}
	envp := []string{"PATH=/bin"}
	auxv := []auxvPair{{atEntry, 0x401000}, {atNull, atNull}}

	const stackTop = uintptr(0x7fff0000)
	buf, sp, err := stackLayout(ctx, stackTop, argv, envp, auxv, [16]byte{1, 2, 3})
	require.NoError(t, err)

	assert.Zero(t, sp%ctx.StackAlignment(), "initial SP must be aligned")
	assert.LessOrEqual(t, sp, stackTop)

	argc := binary.LittleEndian.Uint64(buf[0:8])
	assert.EqualValues(t, len(argv), argc)

	// argv NULL terminator sits right after argc + len(argv) pointers.
	nullOff := 8 + 8*len(argv)
	assert.Zero(t, binary.LittleEndian.Uint64(buf[nullOff:nullOff+8]))
}

func TestStackLayoutE2BigOnOversizedContent(t *testing.T) {
	ctx := amd64Ctx()
	huge := make([]string, 0, 1)
	bigString := make([]byte, maxStackBytes+1)
	huge = append(huge, string(bigString))

	_, _, err := stackLayout(ctx, 0x7fff0000, huge, nil, []auxvPair{{atNull, atNull}}, [16]byte{})
	require.Error(t, err)
	assert.True(t, kerrors.Is(err, kerrors.E2Big))
}

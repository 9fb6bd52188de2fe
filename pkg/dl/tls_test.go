package dl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignTLSOffsetsIsRunningSuffixSum(t *testing.T) {
	a := &Object{Name: "a", tlsMemsz: 16}
	b := &Object{Name: "b", tlsMemsz: 8}
	c := &Object{Name: "c", tlsMemsz: 0} // no PT_TLS, must be skipped

	layout := assignTLSOffsets([]*Object{a, b, c})

	require.Equal(t, uint64(24), layout.totalSize)
	require.Len(t, layout.modules, 2)

	// amd64 grows down: the first object in dependency order sits closest
	// to the thread pointer, so its offset has the smallest magnitude.
	assert.Equal(t, int64(-16), a.tlsOffset)
	assert.Equal(t, int64(-24), b.tlsOffset)
}

func TestAssignTLSOffsetsSkipsObjectsWithoutTLS(t *testing.T) {
	a := &Object{Name: "a", tlsMemsz: 0}
	layout := assignTLSOffsets([]*Object{a})
	assert.Equal(t, uint64(0), layout.totalSize)
	assert.Empty(t, layout.modules)
}

func TestNewThreadTLSBlockCopiesFileImageAndZeroFillsRemainder(t *testing.T) {
	a := &Object{Name: "a", tlsMemsz: 8, tlsFileImg: []byte{1, 2, 3}}
	layout := assignTLSOffsets([]*Object{a})

	block := newThreadTLSBlock(layout, 16)
	require.Len(t, block, int(layout.totalSize)+16)

	tp := int(layout.totalSize)
	start := tp + int(a.tlsOffset)
	assert.Equal(t, []byte{1, 2, 3}, block[start:start+3])
	assert.Equal(t, byte(0), block[start+3])
	assert.Equal(t, byte(0), block[start+7])
}

func TestAllocModuleIDReusesLowestFreedSlot(t *testing.T) {
	l := NewLinker(Config{})

	o1 := &Object{Name: "one"}
	o2 := &Object{Name: "two"}
	o3 := &Object{Name: "three"}

	require.Equal(t, 1, l.allocModuleID(o1))
	require.Equal(t, 2, l.allocModuleID(o2))

	l.freeModuleID(o1.tlsModuleID)

	require.Equal(t, 1, l.allocModuleID(o3))
}

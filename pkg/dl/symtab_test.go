package dl

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSymbolFindsOwnDefinitionFirst(t *testing.T) {
	dep := &Object{Name: "dep", dynsym: []elf.Symbol{
		{Name: "foo", Value: 0x100, Section: elf.SHN_ABS},
	}}
	root := &Object{
		Name: "root",
		dynsym: []elf.Symbol{
			{Name: "foo", Value: 0x200, Section: elf.SHN_ABS},
		},
		deps: []*Object{dep},
	}

	val, defObj, ok := root.resolveSymbol("foo")
	require.True(t, ok)
	assert.Equal(t, uint64(0x200), val)
	assert.Same(t, root, defObj)
}

func TestResolveSymbolFallsThroughToDependency(t *testing.T) {
	dep := &Object{Name: "dep", loadBias: 0x1000, dynsym: []elf.Symbol{
		{Name: "bar", Value: 0x50, Section: elf.SHN_ABS},
	}}
	root := &Object{Name: "root", deps: []*Object{dep}}

	val, defObj, ok := root.resolveSymbol("bar")
	require.True(t, ok)
	assert.Equal(t, uint64(0x1050), val)
	assert.Same(t, dep, defObj)
}

func TestResolveSymbolSkipsTheSentinelDependency(t *testing.T) {
	root := &Object{Name: "root", deps: []*Object{nil}}
	_, _, ok := root.resolveSymbol("anything")
	assert.False(t, ok)
}

func TestResolveSymbolWeakUndefinedResolvesToZero(t *testing.T) {
	dep := &Object{Name: "dep", dynsym: []elf.Symbol{
		{
			Name:    "maybe_weak",
			Section: elf.SHN_UNDEF,
			Info:    elf.ST_INFO(elf.STB_WEAK, elf.STT_FUNC),
		},
	}}
	root := &Object{Name: "root", deps: []*Object{dep}}

	val, defObj, ok := root.resolveSymbol("maybe_weak")
	require.True(t, ok)
	assert.Equal(t, uint64(0), val)
	assert.Nil(t, defObj)
}

func TestResolveSymbolStrongUndefinedIsNotAMatch(t *testing.T) {
	dep := &Object{Name: "dep", dynsym: []elf.Symbol{
		{
			Name:    "missing",
			Section: elf.SHN_UNDEF,
			Info:    elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
		},
	}}
	root := &Object{Name: "root", deps: []*Object{dep}}

	_, _, ok := root.resolveSymbol("missing")
	assert.False(t, ok)
}

func TestLookupOwnPrefersGNUHashOverSysVAndLinearScan(t *testing.T) {
	o := &Object{
		dynsym: []elf.Symbol{{Name: "x"}, {Name: "target"}},
		gnuHash: &gnuHashTable{
			symoffset:  1,
			bloomShift: 6,
			bloom:      []uint64{^uint64(0)}, // always "maybe present"
			buckets:    []uint32{1},
			chain:      []uint32{gnuHash("target") | 1},
		},
	}
	sym, ok := o.lookupOwn("target")
	require.True(t, ok)
	assert.Equal(t, "target", sym.Name)

	_, ok = o.lookupOwn("nonexistent")
	assert.False(t, ok, "GNU hash table is authoritative; it must not fall back to a linear scan")
}

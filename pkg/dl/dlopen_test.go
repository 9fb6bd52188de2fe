package dl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDependenciesLeavesSentinelUnloaded(t *testing.T) {
	l := NewLinker(Config{})
	o := &Object{Name: "root", needed: []string{sentinelSoname}}

	require.NoError(t, l.resolveDependencies(o))
	require.Len(t, o.deps, 1)
	assert.Nil(t, o.deps[0])
	assert.True(t, o.deps[0].isSentinel())
}

func TestResolveDependenciesReusesAlreadyLoadedObject(t *testing.T) {
	l := NewLinker(Config{})
	shared := &Object{Name: "libshared.so.1", refs: 1}
	l.objects["libshared.so.1"] = shared

	o := &Object{Name: "root", needed: []string{"libshared.so.1"}}
	require.NoError(t, l.resolveDependencies(o))

	require.Len(t, o.deps, 1)
	assert.Same(t, shared, o.deps[0])
	assert.Equal(t, int32(2), shared.refs, "reusing an already-loaded dependency must bump its refcount")
}

func TestResolveDependenciesFailsWhenNotFoundOnLibraryPath(t *testing.T) {
	l := NewLinker(Config{
		LibraryPath: []string{"/nonexistent"},
		Opener:      func(path string) ([]byte, error) { return nil, assertAlwaysMissing(path) },
	})
	o := &Object{Name: "root", needed: []string{"libmissing.so"}}
	err := l.resolveDependencies(o)
	require.Error(t, err)
}

func assertAlwaysMissing(path string) error {
	return errNotFoundStub{path}
}

type errNotFoundStub struct{ path string }

func (e errNotFoundStub) Error() string { return "no such file: " + e.path }

func TestDLCloseUnloadsOnlyAtZeroRefcountAndCascadesToDeps(t *testing.T) {
	l := NewLinker(Config{})

	dep := &Object{Name: "dep", refs: 1}
	root := &Object{Name: "root", refs: 1, deps: []*Object{dep}}
	l.objects["root"] = root
	l.objects["dep"] = dep

	root.refs = 2 // simulate a second outstanding dlopen reference
	require.NoError(t, l.DLClose(root))
	_, stillPresent := l.objects["root"]
	assert.True(t, stillPresent, "must not unload while refs remain")

	require.NoError(t, l.DLClose(root))
	_, present := l.objects["root"]
	assert.False(t, present, "must unload once refs reach zero")
	_, depPresent := l.objects["dep"]
	assert.False(t, depPresent, "dropping the last reference to root must cascade into its dependencies")
}

func TestDLCloseOnSentinelIsANoOp(t *testing.T) {
	l := NewLinker(Config{})
	assert.NoError(t, l.DLClose(nil))
}

func TestDLSymReturnsKerrorsNotFoundOnUndefinedSymbol(t *testing.T) {
	l := NewLinker(Config{})
	o := &Object{Name: "root"}
	_, err := l.DLSym(o, "nonexistent_symbol")
	require.Error(t, err)
}

func TestDLIteratePhdrStopsWhenCallbackReturnsFalse(t *testing.T) {
	l := &Linker{loadOrder: []*Object{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	var seen []string
	l.DLIteratePhdr(func(o *Object) bool {
		seen = append(seen, o.Name)
		return o.Name != "b"
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}

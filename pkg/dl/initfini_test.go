package dl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunInitRunsBottomUpInLoadOrder(t *testing.T) {
	var calls []uintptr
	dep := &Object{Name: "dep", initFuncs: []uintptr{1, 2}}
	root := &Object{Name: "root", initFuncs: []uintptr{3}}

	l := &Linker{loadOrder: []*Object{dep, root}}
	l.runInit(func(fn uintptr) { calls = append(calls, fn) })

	assert.Equal(t, []uintptr{1, 2, 3}, calls)
}

func TestRunFiniRunsTopDownInReverseLoadOrder(t *testing.T) {
	var calls []uintptr
	dep := &Object{Name: "dep", finiFuncs: []uintptr{1, 2}}
	root := &Object{Name: "root", finiFuncs: []uintptr{3}}

	l := &Linker{loadOrder: []*Object{dep, root}}
	l.runFini(func(fn uintptr) { calls = append(calls, fn) })

	assert.Equal(t, []uintptr{3, 1, 2}, calls)
}

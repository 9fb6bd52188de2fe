package dl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLinkerDefaultsLibraryPath(t *testing.T) {
	l := NewLinker(Config{})
	assert.Equal(t, []string{"/lib"}, l.libraryPath)
}

func TestNewLinkerHonorsExplicitLibraryPath(t *testing.T) {
	l := NewLinker(Config{LibraryPath: []string{"/opt/lib", "/usr/lib"}})
	assert.Equal(t, []string{"/opt/lib", "/usr/lib"}, l.libraryPath)
}

func TestDLErrorIsSingleSlotReadAndClear(t *testing.T) {
	l := NewLinker(Config{})
	l.setError("first failure")
	l.setError("second failure") // overwrites, not queues

	assert.Equal(t, "second failure", l.DLError())
	assert.Equal(t, "", l.DLError(), "dlerror must clear the slot once read")
}

func TestCheckArgReturnsErrorOnlyWhenConditionFails(t *testing.T) {
	require.NoError(t, checkArg(true, "unreachable"))
	err := checkArg(false, "bad argument")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad argument")
}

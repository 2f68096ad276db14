package action_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow/action"
)

func TestRegistryLookupReturnsRegistered(t *testing.T) {
	reg := action.NewRegistry()
	reg.Register(&action.Registration{Name: "demo", New: func() any { return struct{}{} }})

	got, ok := reg.Lookup("demo")
	require.True(t, ok)
	require.Equal(t, "demo", got.Name)
	require.Equal(t, 1, got.Version, "unset version defaults to 1")
}

func TestRegistryLookupMissingReturnsFalse(t *testing.T) {
	reg := action.NewRegistry()
	_, ok := reg.Lookup("nope")
	require.False(t, ok)
}

func TestRegisterPanicsOnDuplicateName(t *testing.T) {
	reg := action.NewRegistry()
	reg.Register(&action.Registration{Name: "demo"})
	require.Panics(t, func() {
		reg.Register(&action.Registration{Name: "demo"})
	})
}

func TestRegisterPanicsOnEmptyName(t *testing.T) {
	reg := action.NewRegistry()
	require.Panics(t, func() {
		reg.Register(&action.Registration{Name: ""})
	})
}

func TestRegistryNamesListsEveryRegistration(t *testing.T) {
	reg := action.NewRegistry()
	reg.Register(&action.Registration{Name: "a"})
	reg.Register(&action.Registration{Name: "b"})
	require.ElementsMatch(t, []string{"a", "b"}, reg.Names())
}

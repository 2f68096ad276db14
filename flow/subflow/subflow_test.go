package subflow_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/actions"
	"github.com/flowgraph/engine/flow/cache/memstore"
	"github.com/flowgraph/engine/flow/document"
	"github.com/flowgraph/engine/flow/facade"
	"github.com/flowgraph/engine/flow/subflow"
)

const nestedDoc = `
version: "0.1"
flow:
  sum:
    action: test_add
    a: x
    b: y
`

const parentDoc = `
version: "0.1"
flow:
  result:
    action: nested_add
    x: 1
    y: 2
`

// TestSubflowRunsNestedFlowToItsDefaultOutput covers spec.md §8's "subflow
// call" scenario: a parent flow names a subflow by its declared name and
// binds its variables; run() returns what the subflow's own default_output
// would return.
func TestSubflowRunsNestedFlowToItsDefaultOutput(t *testing.T) {
	nested, err := document.Parse(strings.NewReader(nestedDoc))
	require.NoError(t, err)

	nestedReg := action.NewRegistry()
	actions.RegisterAll(nestedReg)
	nestedOpts := facade.Options{Registry: nestedReg, CacheRepo: memstore.New()}

	parent, err := document.Parse(strings.NewReader(parentDoc))
	require.NoError(t, err)

	parentReg := action.NewRegistry()
	actions.RegisterAll(parentReg)
	subflow.Register(parentReg, "nested_add", nested, nestedOpts)

	f, err := facade.New(parent, nil, facade.Options{Registry: parentReg, CacheRepo: memstore.New()})
	require.NoError(t, err)
	defer f.Close()

	v, err := f.Run(context.Background(), "", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": float64(3)}, v)
}

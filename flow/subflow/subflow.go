// Package subflow adapts a nested flow.Document into an action.Action, so a
// parent flow can name a subflow by its declared name the same way it names
// any other action. spec.md §1 puts "document parsing" and "concrete
// executable implementations" out of the engine's scope and treats `run` as
// an opaque operation; a subflow invocation is exactly that — an action
// whose opaque body happens to be another flow run to its own default
// output — so it is implemented here rather than as a fourth Executable
// variant in package flow. Grounded on
// original_source/aijson/tests/test_subflow.py (a parent flow names a
// nested flow and runs it to get the nested flow's own default_output) and
// this engine's own facade package, which already implements exactly the
// "run a flow to its default output" operation a subflow invocation needs.
package subflow

import (
	"context"
	"fmt"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/facade"
)

// Inputs is the subflow action's input record: the parent invocation's
// rendered field map, passed through verbatim as the nested flow's
// Variables. Declared as a named map type (rather than a struct) since a
// subflow's field set is whatever the nested flow's own variable references
// need, not a fixed schema the engine can know in advance.
type Inputs map[string]any

// Action adapts a nested *flow.Document into a single-shot action.Action:
// Run constructs a facade.Flow over the nested document (using the Opts the
// action was constructed with, not the parent invocation's own) and returns
// what the nested flow's own default_output resolves to, matching spec.md
// §8's "subflow call" scenario.
type Action struct {
	Doc  *flow.Document
	Opts facade.Options
}

// New constructs a subflow Action over doc, reusing opts (typically the
// parent's own Registry/CacheRepo/Blobs/RedisURL/ActionTimeout) for the
// nested flow invocation.
func New(doc *flow.Document, opts facade.Options) *Action {
	return &Action{Doc: doc, Opts: opts}
}

// Run implements action.Action: it builds a fresh facade.Flow over the
// nested document — one per call, matching spec.md §3's Lifecycle note that
// a subflow's own executable instances live and die with that invocation —
// binds the caller's rendered field map as the nested flow's Variables, and
// returns the nested flow's own default-output value.
func (a *Action) Run(ctx context.Context, inputs any) (any, error) {
	in, ok := inputs.(*Inputs)
	if !ok {
		return nil, fmt.Errorf("subflow.Action: unexpected input type %T", inputs)
	}
	vars := make(flow.Variables, len(*in))
	for k, v := range *in {
		vars[k] = v
	}
	nested, err := facade.New(a.Doc, vars, a.Opts)
	if err != nil {
		return nil, fmt.Errorf("subflow: %w", err)
	}
	defer nested.Close()
	return nested.Run(ctx, "", vars)
}

// Register registers the subflow named name as an action in reg, so a parent
// flow invokes it the same way it invokes any other action
// (`action: <name>`), with every field in the invocation's field_map bound
// as a variable in the nested flow.
func Register(reg *action.Registry, name string, doc *flow.Document, opts facade.Options) {
	reg.Register(&action.Registration{
		Name:      name,
		Cache:     false,
		New:       func() any { return New(doc, opts) },
		NewInputs: func() any { return &Inputs{} },
	})
}

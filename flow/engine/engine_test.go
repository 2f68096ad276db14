package engine_test

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/actions"
	"github.com/flowgraph/engine/flow/cache/memstore"
	"github.com/flowgraph/engine/flow/engine"
)

func newTestRegistry() *action.Registry {
	reg := action.NewRegistry()
	actions.RegisterAll(reg)
	return reg
}

func asSpec(v any) flow.ValueSpec {
	if spec, ok := v.(flow.ValueSpec); ok {
		return spec
	}
	return flow.Literal{Value: v}
}

func addInvocation(a, b any) flow.ActionInvocation {
	return flow.ActionInvocation{
		ActionName: "test_add",
		FieldMap: map[string]flow.ValueSpec{
			"a": asSpec(a),
			"b": asSpec(b),
		},
	}
}

func docWith(order []flow.ExecutableID, execs map[flow.ExecutableID]flow.Executable) *flow.Document {
	return &flow.Document{Order: order, Executables: execs}
}

// TestThreeIndependentAdds covers spec.md §8's literal
// add_two/add_three/add_four scenario: three test_add invocations bound to
// (1,2), (1,3), (1,4); each executable's terminal value is its own sum.
func TestThreeIndependentAdds(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"add_two", "add_three", "add_four"},
		map[flow.ExecutableID]flow.Executable{
			"add_two":   addInvocation(1, 2),
			"add_three": addInvocation(1, 3),
			"add_four":  addInvocation(1, 4),
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx := context.Background()

	for id, want := range map[flow.ExecutableID]float64{"add_two": 3, "add_three": 4, "add_four": 5} {
		v, err := sched.RunExecutable(ctx, doc, id, nil, "")
		require.NoError(t, err)
		require.Equal(t, map[string]any{"result": want}, v)
	}
}

// TestChainedSumReferencesFirstResult covers spec.md §8's chained-sum
// scenario: a second add whose operand links to the first's result
// (1+2=3, then 3+4=7).
func TestChainedSumReferencesFirstResult(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"first_sum", "second_sum"},
		map[flow.ExecutableID]flow.Executable{
			"first_sum":  addInvocation(1, 2),
			"second_sum": addInvocation(flow.Link{Path: "first_sum.result"}, 4),
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	v, err := sched.RunExecutable(context.Background(), doc, "second_sum", nil, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": float64(7)}, v)
}

// TestRangeStreamPipedThroughStringifier covers spec.md §8's range_stream +
// stringifier pipe: the stream consumer observes 10 successive
// {value: i} updates; the run (non-streaming) consumer observes only the
// last one.
func TestRangeStreamPipedThroughStringifier(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"numbers", "stringified"},
		map[flow.ExecutableID]flow.Executable{
			"numbers": flow.ActionInvocation{
				ActionName: "test_range_stream",
				FieldMap:   map[string]flow.ValueSpec{"range": flow.Literal{Value: 10}},
			},
			"stringified": flow.ActionInvocation{
				ActionName: "test_stringifier",
				FieldMap:   map[string]flow.ValueSpec{"value": flow.Link{Path: "numbers.value", StreamingFlag: true}},
			},
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx := context.Background()

	var streamed []map[string]any
	for u := range sched.StreamExecutable(ctx, doc, "stringified", nil, true, "") {
		require.NoError(t, u.Err)
		streamed = append(streamed, u.Value.(map[string]any))
	}
	require.Len(t, streamed, 10)
	for i, v := range streamed {
		require.Equal(t, map[string]any{"string": strconv.Itoa(i)}, v)
	}

	last, err := sched.RunExecutable(ctx, doc, "stringified", nil, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"string": "9"}, last)
}

func TestCacheHitSkipsSecondRun(t *testing.T) {
	reg := action.NewRegistry()
	var calls int32
	reg.Register(&action.Registration{
		Name:  "counting_add",
		Cache: true,
		New: func() any {
			return countingAdd{calls: &calls}
		},
		NewInputs: func() any { return &actions.AddInputs{} },
	})

	repo := memstore.New()
	doc := docWith(
		[]flow.ExecutableID{"sum"},
		map[flow.ExecutableID]flow.Executable{
			"sum": flow.ActionInvocation{
				ActionName: "counting_add",
				FieldMap:   map[string]flow.ValueSpec{"a": flow.Literal{Value: 1}, "b": flow.Literal{Value: 2}},
			},
		},
	)

	sched1 := engine.New(engine.Options{Registry: reg, CacheRepo: repo})
	v1, err := sched1.RunExecutable(context.Background(), doc, "sum", nil, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": float64(3)}, v1)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	// A fresh scheduler (simulating a second flow invocation) backed by the
	// same cache repository must hit the cache and never invoke Run again.
	sched2 := engine.New(engine.Options{Registry: reg, CacheRepo: repo})
	v2, err := sched2.RunExecutable(context.Background(), doc, "sum", nil, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": float64(3)}, v2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "second run must not invoke the action again")
}

type countingAdd struct {
	calls *int32
}

func (c countingAdd) Run(_ context.Context, inputs any) (any, error) {
	atomic.AddInt32(c.calls, 1)
	in := inputs.(*actions.AddInputs)
	return actions.AddOutputs{Result: in.A + in.B}, nil
}

// TestFailingActionDoesNotBlockIndependentBranch covers spec.md §8's
// "failing action does not block independent branch" scenario: a flow with
// an always-failing `err` executable alongside an independent `add`; the
// add result is still produced.
func TestFailingActionDoesNotBlockIndependentBranch(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"err", "add"},
		map[flow.ExecutableID]flow.Executable{
			"err": flow.ActionInvocation{ActionName: "test_error", FieldMap: map[string]flow.ValueSpec{}},
			"add": addInvocation(1, 2),
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx := context.Background()

	var vals []any
	for u := range sched.StreamExecutable(ctx, doc, "add", nil, true, "") {
		require.NoError(t, u.Err)
		vals = append(vals, u.Value)
	}
	require.Equal(t, []any{map[string]any{"result": float64(3)}}, vals)

	// The failing branch terminates with no value and no panic.
	var errVals []any
	for u := range sched.StreamExecutable(ctx, doc, "err", nil, true, "") {
		errVals = append(errVals, u)
	}
	require.Empty(t, errVals)
}

// TestDependencyCompletenessWaitsForEveryDependency covers spec.md §8
// property 5: the scheduler does not invoke an executable's action until
// every one of its dependencies has produced at least one value.
func TestDependencyCompletenessWaitsForEveryDependency(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"a", "b", "sum"},
		map[flow.ExecutableID]flow.Executable{
			"a": addInvocation(1, 1),
			"b": addInvocation(2, 2),
			"sum": flow.ActionInvocation{
				ActionName: "test_add",
				FieldMap: map[string]flow.ValueSpec{
					"a": flow.Link{Path: "a.result"},
					"b": flow.Link{Path: "b.result"},
				},
			},
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sched.RunExecutable(ctx, doc, "sum", nil, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": float64(6)}, v)
}

// TestValidateRejectsUnknownDependency covers the pre-flight configuration
// check of spec.md §7: a link to an executable id not present anywhere in
// the flow is reported before any task is scheduled.
func TestValidateRejectsUnknownDependency(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"sum"},
		map[flow.ExecutableID]flow.Executable{
			"sum": flow.ActionInvocation{
				ActionName: "test_add",
				FieldMap:   map[string]flow.ValueSpec{"a": flow.Link{Path: "ghost.result"}, "b": flow.Literal{Value: 1}},
			},
		},
	)
	cfgErr := engine.Validate(doc, newTestRegistry(), nil)
	require.False(t, cfgErr.OK())
}

// TestActionInvocationFieldCanReferenceAVariable covers spec.md §3's
// Variables model: a caller-supplied variable, not backed by any
// executable, is visible to a field spec alongside executable outputs and
// must not be mistaken for an unresolvable executable dependency.
func TestActionInvocationFieldCanReferenceAVariable(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"sum"},
		map[flow.ExecutableID]flow.Executable{
			"sum": flow.ActionInvocation{
				ActionName: "test_add",
				FieldMap:   map[string]flow.ValueSpec{"a": flow.Link{Path: "seed"}, "b": flow.Literal{Value: 10}},
			},
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sched.RunExecutable(ctx, doc, "sum", flow.Variables{"seed": 5}, "")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"result": float64(15)}, v)
}

// TestLoopBindsForNameInEachIterationScope covers spec.md §4.1's loop
// semantics: each iteration binds `for_name` to that element in its own
// scope, and the loop's own output is a list (indexed by iteration order) of
// each iteration's top-level output map.
func TestLoopBindsForNameInEachIterationScope(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"doubled"},
		map[flow.ExecutableID]flow.Executable{
			"doubled": flow.Loop{
				For: "n",
				In:  flow.Literal{Value: []any{1, 2, 3}},
				Body: docWith(
					[]flow.ExecutableID{"result"},
					map[flow.ExecutableID]flow.Executable{
						"result": addInvocation(flow.Link{Path: "n"}, flow.Link{Path: "n"}),
					},
				),
			},
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := sched.RunExecutable(ctx, doc, "doubled", nil, "")
	require.NoError(t, err)
	require.Equal(t, []any{
		map[string]any{"result": map[string]any{"result": float64(2)}},
		map[string]any{"result": map[string]any{"result": float64(4)}},
		map[string]any{"result": map[string]any{"result": float64(6)}},
	}, v)
}

// TestFinalInvocationMarksOnlyTheLastHistoryEntry covers spec.md §8's final
// re-invocation scenario (runner.go Step 4): test_finish observes a stream of
// snapshots fed by test_range_stream, then one extra call once the stream
// ends with _finished set. The last finish_history entry must be true and
// every entry before it false.
func TestFinalInvocationMarksOnlyTheLastHistoryEntry(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"numbers", "finish"},
		map[flow.ExecutableID]flow.Executable{
			"numbers": flow.ActionInvocation{
				ActionName: "test_range_stream",
				FieldMap:   map[string]flow.ValueSpec{"range": flow.Literal{Value: 3}},
			},
			"finish": flow.ActionInvocation{
				ActionName: "test_finish",
				FieldMap:   map[string]flow.ValueSpec{"value": flow.Link{Path: "numbers.value", StreamingFlag: true}},
			},
		},
	)
	sched := engine.New(engine.Options{Registry: newTestRegistry(), CacheRepo: memstore.New()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var history []bool
	for u := range sched.StreamExecutable(ctx, doc, "finish", nil, true, "") {
		require.NoError(t, u.Err)
		out := u.Value.(map[string]any)
		raw := out["finish_history"].([]any)
		history = history[:0]
		for _, v := range raw {
			history = append(history, v.(bool))
		}
	}

	require.NotEmpty(t, history)
	for i, finished := range history {
		if i == len(history)-1 {
			require.True(t, finished, "final history entry must be true")
		} else {
			require.False(t, finished, "history entry %d must be false", i)
		}
	}
}

// TestValidateRejectsCycle covers spec.md §3's acyclicity invariant: a
// direct cycle between two executables is rejected at pre-flight, before any
// task is scheduled.
func TestValidateRejectsCycle(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"a", "b"},
		map[flow.ExecutableID]flow.Executable{
			"a": flow.ActionInvocation{
				ActionName: "test_add",
				FieldMap:   map[string]flow.ValueSpec{"a": flow.Link{Path: "b.result"}, "b": flow.Literal{Value: 1}},
			},
			"b": flow.ActionInvocation{
				ActionName: "test_add",
				FieldMap:   map[string]flow.ValueSpec{"a": flow.Link{Path: "a.result"}, "b": flow.Literal{Value: 1}},
			},
		},
	)
	cfgErr := engine.Validate(doc, newTestRegistry(), nil)
	require.False(t, cfgErr.OK())
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	doc := docWith(
		[]flow.ExecutableID{"sum"},
		map[flow.ExecutableID]flow.Executable{
			"sum": flow.ActionInvocation{ActionName: "does_not_exist", FieldMap: map[string]flow.ValueSpec{}},
		},
	)
	cfgErr := engine.Validate(doc, newTestRegistry(), nil)
	require.False(t, cfgErr.OK())
}

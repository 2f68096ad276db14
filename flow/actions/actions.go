// Package actions is a small library of demo actions implementing the
// Action Contract of spec.md §6, ported from the original system's
// testing_actions.py fixture module. They exist to exercise the engine end
// to end (tests, cmd/flowrun) rather than to be production action
// implementations.
package actions

import (
	"context"
	"fmt"

	"github.com/flowgraph/engine/flow/action"
)

// AddInputs is the input record for Add: two integer operands.
type AddInputs struct {
	A int `json:"a"`
	B int `json:"b"`
}

// AddOutputs is Add's output record.
type AddOutputs struct {
	Result int `json:"result"`
}

// Add is a single-shot action computing a + b, the `test_add` fixture used
// throughout spec.md §8's literal scenarios (add_two/add_three/add_four,
// the chained second_sum scenario).
type Add struct{}

// Run implements action.Action.
func (Add) Run(_ context.Context, inputs any) (any, error) {
	in, ok := inputs.(*AddInputs)
	if !ok {
		return nil, fmt.Errorf("actions.Add: unexpected input type %T", inputs)
	}
	return AddOutputs{Result: in.A + in.B}, nil
}

// RegisterAdd registers Add under the name "test_add".
func RegisterAdd(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:      "test_add",
		Cache:     true,
		New:       func() any { return Add{} },
		NewInputs: func() any { return &AddInputs{} },
	})
}

// ErrAction always fails, the `test_error` fixture used in spec.md §8's
// "failing action does not block independent branch" scenario.
type ErrAction struct{}

// Run implements action.Action.
func (ErrAction) Run(context.Context, any) (any, error) {
	return nil, fmt.Errorf("actions.Err: this action always fails")
}

// RegisterErr registers ErrAction under the name "test_error".
func RegisterErr(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:  "test_error",
		Cache: true,
		New:   func() any { return ErrAction{} },
	})
}

// RangeStreamInput is the input record for RangeStream.
type RangeStreamInput struct {
	Range int `json:"range"`
}

// RangeStreamOutput is one value in RangeStream's output sequence.
type RangeStreamOutput struct {
	Value int `json:"value"`
}

// RangeStream is a streaming action yielding {value: 0}..{value: range-1},
// the `test_range_stream` fixture used in spec.md §8's range_stream +
// stringifier pipe scenario.
type RangeStream struct{}

// Run implements action.StreamingAction.
func (RangeStream) Run(ctx context.Context, inputs any) (<-chan action.Result, error) {
	in, ok := inputs.(*RangeStreamInput)
	if !ok {
		return nil, fmt.Errorf("actions.RangeStream: unexpected input type %T", inputs)
	}
	out := make(chan action.Result)
	go func() {
		defer close(out)
		for i := 0; i < in.Range; i++ {
			select {
			case out <- action.Result{Value: RangeStreamOutput{Value: i}}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RegisterRangeStream registers RangeStream under "test_range_stream".
func RegisterRangeStream(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:      "test_range_stream",
		Cache:     true,
		New:       func() any { return RangeStream{} },
		NewInputs: func() any { return &RangeStreamInput{} },
	})
}

// StringifierInput is the input record for Stringifier.
type StringifierInput struct {
	Value int `json:"value"`
}

// StringifierOutput is Stringifier's output record.
type StringifierOutput struct {
	String string `json:"string"`
}

// Stringifier renders an integer as a string, the `test_stringifier`
// fixture piped from RangeStream in spec.md §8's literal scenario.
type Stringifier struct{}

// Run implements action.Action.
func (Stringifier) Run(_ context.Context, inputs any) (any, error) {
	in, ok := inputs.(*StringifierInput)
	if !ok {
		return nil, fmt.Errorf("actions.Stringifier: unexpected input type %T", inputs)
	}
	return StringifierOutput{String: fmt.Sprint(in.Value)}, nil
}

// RegisterStringifier registers Stringifier under "test_stringifier".
func RegisterStringifier(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:      "test_stringifier",
		Cache:     true,
		New:       func() any { return Stringifier{} },
		NewInputs: func() any { return &StringifierInput{} },
	})
}

// DoubleAdd is a streaming action yielding (a+b) then 2*(a+b), the
// `test_double_add` fixture.
type DoubleAdd struct{}

// Run implements action.StreamingAction.
func (DoubleAdd) Run(ctx context.Context, inputs any) (<-chan action.Result, error) {
	in, ok := inputs.(*AddInputs)
	if !ok {
		return nil, fmt.Errorf("actions.DoubleAdd: unexpected input type %T", inputs)
	}
	out := make(chan action.Result, 2)
	sum := in.A + in.B
	out <- action.Result{Value: AddOutputs{Result: sum}}
	out <- action.Result{Value: AddOutputs{Result: 2 * sum}}
	close(out)
	return out, nil
}

// RegisterDoubleAdd registers DoubleAdd under "test_double_add".
func RegisterDoubleAdd(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:      "test_double_add",
		Cache:     true,
		New:       func() any { return DoubleAdd{} },
		NewInputs: func() any { return &AddInputs{} },
	})
}

// NonCacheAdderInputs is the input record for NonCachingAdder.
type NonCacheAdderInputs struct {
	A int `json:"a"`
	B int `json:"b"`
}

// NonCacheAdderOutputs is NonCachingAdder's output record.
type NonCacheAdderOutputs struct {
	Result int `json:"result"`
}

// NonCachingAdder is Add with caching disabled at the registration level,
// the `test_non_caching_adder` fixture used to confirm cache=false is
// honored regardless of a repeated identical snapshot.
type NonCachingAdder struct{}

// Run implements action.Action.
func (NonCachingAdder) Run(_ context.Context, inputs any) (any, error) {
	in, ok := inputs.(*NonCacheAdderInputs)
	if !ok {
		return nil, fmt.Errorf("actions.NonCachingAdder: unexpected input type %T", inputs)
	}
	return NonCacheAdderOutputs{Result: in.A + in.B}, nil
}

// RegisterNonCachingAdder registers NonCachingAdder under
// "test_non_caching_adder" with Cache: false.
func RegisterNonCachingAdder(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:      "test_non_caching_adder",
		Cache:     false,
		New:       func() any { return NonCachingAdder{} },
		NewInputs: func() any { return &NonCacheAdderInputs{} },
	})
}

// FinishInputs opts into the FinalInvocation capability via SetFinalInvocation.
type FinishInputs struct {
	finished bool
}

// SetFinalInvocation implements action.FinalInvocationSetter.
func (f *FinishInputs) SetFinalInvocation(finished bool) { f.finished = finished }

// FinishOutputs accumulates the finished flag observed on every invocation.
type FinishOutputs struct {
	FinishHistory []bool `json:"finish_history"`
}

// Finish is the `test_finish` fixture: a stateful action that appends the
// `_finished` flag it was invoked with on every call (including the runner's
// final re-invocation after the input stream ends) and returns the running
// history. It relies on the scheduler's per-task-id action-instance reuse
// (flow/engine's instanceFor) to retain state across re-renders.
type Finish struct {
	history []bool
}

// Run implements action.Action.
func (f *Finish) Run(_ context.Context, inputs any) (any, error) {
	in, ok := inputs.(*FinishInputs)
	if !ok {
		return nil, fmt.Errorf("actions.Finish: unexpected input type %T", inputs)
	}
	f.history = append(f.history, in.finished)
	out := make([]bool, len(f.history))
	copy(out, f.history)
	return FinishOutputs{FinishHistory: out}, nil
}

// RegisterFinish registers Finish under "test_finish" with the
// FinalInvocation capability.
func RegisterFinish(reg *action.Registry) {
	reg.Register(&action.Registration{
		Name:         "test_finish",
		Cache:        false,
		Capabilities: action.Capabilities{FinalInvocation: true},
		New:          func() any { return &Finish{} },
		NewInputs:    func() any { return &FinishInputs{} },
	})
}

// RegisterAll registers every demo action in this package into reg, for use
// by tests and cmd/flowrun.
func RegisterAll(reg *action.Registry) {
	RegisterAdd(reg)
	RegisterErr(reg)
	RegisterRangeStream(reg)
	RegisterStringifier(reg)
	RegisterDoubleAdd(reg)
	RegisterNonCachingAdder(reg)
	RegisterFinish(reg)
}

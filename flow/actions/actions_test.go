package actions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/actions"
)

func TestAddSumsOperands(t *testing.T) {
	out, err := actions.Add{}.Run(context.Background(), &actions.AddInputs{A: 1, B: 2})
	require.NoError(t, err)
	require.Equal(t, actions.AddOutputs{Result: 3}, out)
}

func TestErrAlwaysFails(t *testing.T) {
	_, err := actions.ErrAction{}.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestRangeStreamYieldsEachValue(t *testing.T) {
	ch, err := actions.RangeStream{}.Run(context.Background(), &actions.RangeStreamInput{Range: 3})
	require.NoError(t, err)

	var got []int
	for r := range ch {
		require.NoError(t, r.Err)
		got = append(got, r.Value.(actions.RangeStreamOutput).Value)
	}
	require.Equal(t, []int{0, 1, 2}, got)
}

func TestStringifierFormatsValue(t *testing.T) {
	out, err := actions.Stringifier{}.Run(context.Background(), &actions.StringifierInput{Value: 9})
	require.NoError(t, err)
	require.Equal(t, actions.StringifierOutput{String: "9"}, out)
}

func TestDoubleAddYieldsSumThenDouble(t *testing.T) {
	ch, err := actions.DoubleAdd{}.Run(context.Background(), &actions.AddInputs{A: 1, B: 2})
	require.NoError(t, err)

	var got []int
	for r := range ch {
		require.NoError(t, r.Err)
		got = append(got, r.Value.(actions.AddOutputs).Result)
	}
	require.Equal(t, []int{3, 6}, got)
}

func TestFinishAccumulatesHistoryAcrossCalls(t *testing.T) {
	f := &actions.Finish{}
	in := &actions.FinishInputs{}

	out1, err := f.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []bool{false}, out1.(actions.FinishOutputs).FinishHistory)

	in.SetFinalInvocation(true)
	out2, err := f.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, out2.(actions.FinishOutputs).FinishHistory)
}

func TestRegisterAllRegistersEveryDemoAction(t *testing.T) {
	reg := action.NewRegistry()
	actions.RegisterAll(reg)

	for _, name := range []string{
		"test_add", "test_error", "test_range_stream", "test_stringifier",
		"test_double_add", "test_non_caching_adder", "test_finish",
	} {
		_, ok := reg.Lookup(name)
		require.True(t, ok, "expected %s to be registered", name)
	}

	nonCaching, _ := reg.Lookup("test_non_caching_adder")
	require.False(t, nonCaching.Cache)

	finish, _ := reg.Lookup("test_finish")
	require.True(t, finish.Capabilities.FinalInvocation)
}

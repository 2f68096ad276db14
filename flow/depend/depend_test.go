package depend_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/depend"
)

func TestExtractLiteralHasNoDependencies(t *testing.T) {
	require.Empty(t, depend.Extract(flow.Literal{Value: 1}))
}

func TestExtractTemplateRootAndStreamingFlag(t *testing.T) {
	deps := depend.Extract(flow.Template{Text: "{{ first_sum.result }}", StreamingFlag: true})
	require.Equal(t, []flow.Dependency{{ID: "first_sum", Streaming: true}}, deps)
}

func TestExtractLinkRoot(t *testing.T) {
	deps := depend.Extract(flow.Link{Path: "second_sum.result"})
	require.Equal(t, []flow.Dependency{{ID: "second_sum", Streaming: false}}, deps)
}

func TestExtractLambdaFreeRoots(t *testing.T) {
	deps := depend.Extract(flow.Lambda{Body: "items"})
	require.Equal(t, []flow.Dependency{{ID: "items", Streaming: false}}, deps)
}

func TestExtractContainerUnionsChildren(t *testing.T) {
	spec := flow.Container{Fields: map[string]flow.ValueSpec{
		"x": flow.Link{Path: "a"},
		"y": flow.Link{Path: "b"},
	}}
	deps := depend.Extract(spec)
	require.ElementsMatch(t, []flow.Dependency{{ID: "a"}, {ID: "b"}}, deps)
}

func TestExtractDeduplicates(t *testing.T) {
	spec := flow.Container{Items: []flow.ValueSpec{
		flow.Link{Path: "a"},
		flow.Link{Path: "a"},
	}}
	deps := depend.Extract(spec)
	require.Len(t, deps, 1)
}

func TestExtractRootPrefixedWithFlowNamespace(t *testing.T) {
	deps := depend.Extract(flow.Link{Path: "$.a.b"})
	require.Equal(t, []flow.Dependency{{ID: "a"}}, deps)
}

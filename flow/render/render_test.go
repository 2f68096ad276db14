package render_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/render"
)

func TestRenderLiteral(t *testing.T) {
	v := render.Render(nil, flow.Literal{Value: 42})
	require.Equal(t, 42, v)
}

func TestRenderTemplateInterpolatesBarePath(t *testing.T) {
	ctx := map[string]any{"first_sum": map[string]any{"result": 3}}
	v := render.Render(ctx, flow.Template{Text: "{{ first_sum.result }}"})
	require.Equal(t, "3", v)
}

func TestRenderTemplateUndefinedOnMissingKey(t *testing.T) {
	ctx := map[string]any{"known": 1}
	v := render.Render(ctx, flow.Template{Text: "{{ unknown.path }}"})
	require.True(t, render.IsUndefined(v))
}

func TestRenderLinkResolvesDottedPath(t *testing.T) {
	ctx := map[string]any{"second_sum": map[string]any{"result": 7}}
	v := render.Render(ctx, flow.Link{Path: "second_sum.result"})
	require.Equal(t, 7, v)
}

func TestRenderLinkUndefinedOnMissingSegment(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"result": 1}}
	v := render.Render(ctx, flow.Link{Path: "a.missing"})
	require.True(t, render.IsUndefined(v))
}

func TestRenderContainerPropagatesUndefined(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"result": 1}}
	spec := flow.Container{Fields: map[string]flow.ValueSpec{
		"x": flow.Link{Path: "a.result"},
		"y": flow.Link{Path: "a.missing"},
	}}
	v := render.Render(ctx, spec)
	require.True(t, render.IsUndefined(v))
}

func TestRenderContainerItemsBuildsList(t *testing.T) {
	spec := flow.Container{Items: []flow.ValueSpec{
		flow.Literal{Value: 1},
		flow.Literal{Value: 2},
		flow.Literal{Value: 3},
	}}
	v := render.Render(map[string]any{}, spec)
	require.Equal(t, []any{1, 2, 3}, v)
}

func TestRenderLambdaEvaluatesBodyAsPath(t *testing.T) {
	ctx := map[string]any{"items": []any{1, 2, 3}}
	v := render.Render(ctx, flow.Lambda{Body: "items"})
	require.Equal(t, []any{1, 2, 3}, v)
}

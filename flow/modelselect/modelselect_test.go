package modelselect_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/engine/flow/modelselect"
)

// TestInferPrefersOpenAIOverAnthropic covers the documented probe order: an
// OPENAI_API_KEY in the environment wins regardless of what else is set.
func TestInferPrefersOpenAIOverAnthropic(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-anthropic")

	cfg := modelselect.Infer(context.Background())
	require.NotNil(t, cfg)
	require.Equal(t, "gpt-4o-2024-08-06", cfg.Model)
}

// TestInferFallsBackToAnthropicWithoutOpenAI covers the second probe step.
func TestInferFallsBackToAnthropicWithoutOpenAI(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-anthropic")

	cfg := modelselect.Infer(context.Background())
	require.NotNil(t, cfg)
	require.Equal(t, "claude-3-5-sonnet-20240620", cfg.Model)
}

// Package modelselect infers a default model identifier from the process
// environment when a flow's own default_model expression does not pin one,
// following the original system's exact probe order and model id strings
// (aijson/utils/llm_utils.py): OPENAI_API_KEY, then ANTHROPIC_API_KEY, then
// a local Ollama probe, then AWS/Bedrock credential presence.
package modelselect

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openai "github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/flowgraph/engine/flow/action"
)

// Fixed model ids matching the source exactly, so a flow that relies on
// environment-inferred defaults behaves identically to the system this was
// distilled from.
const (
	openAIDefaultModel    = "gpt-4o-2024-08-06"
	anthropicDefaultModel = "claude-3-5-sonnet-20240620"
	bedrockDefaultModel   = "bedrock/meta.llama3-1-405b-instruct-v1:0"
)

// probeLimiter throttles the Ollama HTTP probe so a flow that re-resolves
// the default model on every invocation (no default_model configured,
// resolved fresh per task) doesn't hammer a local daemon.
var probeLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// Infer probes the environment in order and returns the first resolved
// ModelConfig, or nil if nothing matches. The OpenAI, Anthropic and Bedrock
// branches also construct the matching provider client (the same
// client-construction pattern the source's model adapters use), so an action
// that opts into the DefaultModel capability receives a client ready to call
// rather than just a bare model id string. The Ollama branch returns only the
// model id, with a nil Client.
func Infer(ctx context.Context) *action.ModelConfig {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		client := openai.NewClient(openaioption.WithAPIKey(apiKey))
		return &action.ModelConfig{Model: openAIDefaultModel, Client: &client}
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		client := anthropic.NewClient(anthropicoption.WithAPIKey(apiKey))
		return &action.ModelConfig{Model: anthropicDefaultModel, Client: &client}
	}
	if model, ok := probeOllama(ctx); ok {
		return &action.ModelConfig{Model: "ollama/" + model}
	}
	if cfg, ok := loadAWSConfig(ctx); ok {
		client := bedrockruntime.NewFromConfig(cfg)
		return &action.ModelConfig{Model: bedrockDefaultModel, Client: client}
	}
	return nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func probeOllama(ctx context.Context) (string, bool) {
	if !probeLimiter.Allow() {
		return "", false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://localhost:11434/api/tags", nil)
	if err != nil {
		return "", false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", false
	}
	if len(tags.Models) == 0 {
		return "", false
	}
	return tags.Models[0].Name, true
}

// loadAWSConfig reports whether AWS/Bedrock credentials are resolvable from
// the environment or the default credential chain, returning the loaded
// config for the caller to build a bedrockruntime client from.
func loadAWSConfig(ctx context.Context) (aws.Config, bool) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, false
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" && os.Getenv("AWS_SECRET_ACCESS_KEY") != "" {
		return cfg, true
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Config{}, false
	}
	return cfg, creds.HasKeys()
}

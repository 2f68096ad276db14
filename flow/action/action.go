// Package action defines the action contract the engine treats as an opaque
// external boundary: a name, declared capabilities, and a run operation that
// is either single-shot or streaming.
package action

import (
	"context"

	"github.com/flowgraph/engine/flow/blob"
)

// ModelConfig is the resolved value of a flow's default_model expression
// (or of the environment-inferred fallback in package modelselect), injected
// into any Inputs type that opts into the DefaultModel capability.
type ModelConfig struct {
	// Model is a provider-qualified model identifier, e.g.
	// "claude-3-5-sonnet-20240620" or "ollama/llama3".
	Model string

	// Client is the constructed provider client backing Model, when one was
	// resolved by environment inference (package modelselect): an
	// *anthropic.Client, *openai.Client, or *bedrockruntime.Client, typed as
	// any so this package stays independent of any particular provider SDK.
	// Nil when Model came from the flow document's own default_model
	// expression rather than from inference, and when it was inferred from a
	// local Ollama daemon.
	Client any
}

// Result is one item produced by a StreamingAction: either a value or a
// terminal error. A StreamingAction's channel is closed after the last
// Result (with or without an error) is sent.
type Result struct {
	Value any
	Err   error
}

// Action is a single-shot action: it runs once and produces exactly one
// output (or an error).
type Action interface {
	Run(ctx context.Context, inputs any) (any, error)
}

// StreamingAction is a lazy-sequence action: it produces a channel of
// Results, the last of which is its terminal value. Run must close the
// returned channel once done, and must stop sending promptly when ctx is
// cancelled.
type StreamingAction interface {
	Run(ctx context.Context, inputs any) (<-chan Result, error)
}

// Capabilities declares, on the registration rather than by reflecting on
// the Inputs type's embedded supertypes, which ambient values an action
// wants injected. The engine still performs the actual injection via
// interface type-assertion against the Setter* interfaces below (Go has no
// runtime marker-base-class introspection equivalent); Capabilities exists
// so pre-flight validation and documentation can answer "does this action
// need X" without constructing an instance.
type Capabilities struct {
	RedisURL        bool
	BlobRepo        bool
	DefaultModel    bool
	FinalInvocation bool
	// NoCache mirrors the source's per-output cache-control flag: when true,
	// this action's outputs are never stored even if the registration's
	// Cache flag is set.
	NoCache bool
}

// RedisURLSetter is implemented by an Inputs type that wants the resolved
// Redis connection URL (a string, not a live client, matching the
// redis_url capability's documented shape) injected before Run.
type RedisURLSetter interface {
	SetRedisURL(url string)
}

// BlobRepoSetter is implemented by an Inputs type that wants the active
// blob.Repository injected before Run.
type BlobRepoSetter interface {
	SetBlobRepo(repo blob.Repository)
}

// DefaultModelSetter is implemented by an Inputs type that wants the
// resolved default ModelConfig injected before Run.
type DefaultModelSetter interface {
	SetDefaultModel(model ModelConfig)
}

// FinalInvocationSetter is implemented by an Inputs type that wants to know,
// on each invocation, whether this is the final invocation (the input
// stream has ended and the runner is re-invoking once more with
// finished=true).
type FinalInvocationSetter interface {
	SetFinalInvocation(finished bool)
}

// CacheControl is implemented by an Outputs type that wants to opt out of
// caching for a specific produced value, regardless of the registration's
// Cache flag (the source's per-output `_cache` field).
type CacheControl interface {
	CacheEnabled() bool
}

// Registration describes one action registered by name.
type Registration struct {
	Name ExecutableName
	// Cache reports whether this action's outputs may be cached at all; the
	// source's per-action `cache = False` class attribute.
	Cache bool
	// Version namespaces cache entries; bumping it invalidates prior entries
	// without needing to flush the whole cache backend.
	Version int
	Capabilities Capabilities
	// New constructs a fresh instance for one action id within one flow
	// invocation. The returned instance is reused across re-invocations of
	// that action id for the lifetime of the invocation, so stateful
	// streaming actions can retain progress across snapshots.
	New func() any
	// NewInputs constructs a fresh, zero-valued Inputs record for this
	// action, used as the unmarshal target when materializing a rendered
	// input snapshot. Nil means the action takes no inputs.
	NewInputs func() any
}

// ExecutableName is the string identifier an ActionInvocation names an
// action by.
type ExecutableName = string

// Registry is a name-keyed lookup table of action Registrations.
type Registry struct {
	entries map[ExecutableName]*Registration
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ExecutableName]*Registration)}
}

// Register adds reg to the registry, keyed by reg.Name. It panics on a
// duplicate name, since action registration happens once at process start.
func (r *Registry) Register(reg *Registration) {
	if reg.Name == "" {
		panic("action: registration requires a non-empty Name")
	}
	if _, exists := r.entries[reg.Name]; exists {
		panic("action: duplicate registration for " + reg.Name)
	}
	if reg.Version == 0 {
		reg.Version = 1
	}
	r.entries[reg.Name] = reg
}

// Lookup returns the registration for name, if any.
func (r *Registry) Lookup(name ExecutableName) (*Registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}

// Names returns every registered action name.
func (r *Registry) Names() []ExecutableName {
	out := make([]ExecutableName, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/cache"
	"github.com/flowgraph/engine/flow/depend"
	"github.com/flowgraph/engine/flow/modelselect"
	"github.com/flowgraph/engine/flow/render"
)

// runAndBroadcast is the executable runner's seven-step algorithm. It runs
// in the task's own goroutine (started by ensureTask) and is the only thing
// ever allowed to invoke the underlying action's Run for this task id.
// Exceptions from the action are caught and logged here; they never
// propagate to subscribers except as an early end of the task (no partial
// value, terminal marker published by the caller's defer).
func (s *Scheduler) runAndBroadcast(ctx context.Context, doc *flow.Document, id flow.ExecutableID, taskID flow.TaskID, vars flow.Variables, taskPrefix string) {
	exe, ok := doc.Lookup(id)
	if !ok {
		s.log.Error(ctx, "runner: executable disappeared", "task_id", string(taskID))
		return
	}
	inv, ok := exe.(flow.ActionInvocation)
	if !ok {
		s.log.Error(ctx, "runner: task id does not name an action invocation", "task_id", string(taskID))
		return
	}
	reg, ok := s.registry.Lookup(string(inv.ActionName))
	if !ok {
		s.log.Error(ctx, "runner: unknown action", "action", string(inv.ActionName), "task_id", string(taskID))
		return
	}
	instance := s.instanceFor(taskID, reg)
	namespace := cache.Namespace(string(inv.ActionName), reg.Version)
	cacheable := reg.Cache && !reg.Capabilities.NoCache

	taskStart := time.Now()
	ctx, span := s.tracer.Start(ctx, "engine.run_and_broadcast")
	span.AddEvent("task_started", "task_id", string(taskID), "action", string(inv.ActionName))
	defer func() {
		s.metrics.RecordTimer("engine.task.duration", time.Since(taskStart), "action", string(inv.ActionName))
		span.End()
	}()

	// Step 1: explicit cache_key resolution.
	var explicitKey string
	haveExplicitKey := false
	if inv.CacheKey != nil {
		keyVal := s.renderToTerminal(ctx, doc, inv.CacheKey, vars, taskPrefix)
		if !render.IsUndefined(keyVal) {
			explicitKey = fmt.Sprint(keyVal)
			haveExplicitKey = true
			if cacheable {
				var cached any
				if hit, _ := s.cache.Lookup(ctx, namespace, explicitKey, &cached); hit {
					s.hub.Publish(taskID, cached)
					return
				}
			}
		}
	}

	// Step 2: stream the per-field input dependencies.
	deps := executableDeps(fieldDependencies(inv.FieldMap), vars)
	snapshots := s.streamMergedContext(ctx, doc, deps, vars, taskPrefix)

	var lastTypedInputs any
	haveLastInputs := false
	var lastOutput any
	haveLastOutput := false
	failed := false

	for snap := range snapshots {
		inputsMap, complete := renderFields(snap, inv.FieldMap)
		if !complete {
			continue
		}

		key, haveKey := explicitKey, haveExplicitKey
		if !haveKey && cacheable {
			if k, ok := cache.CanonicalKey(inputsMap); ok {
				key, haveKey = k, true
			}
		}
		if haveKey && cacheable {
			var cached any
			if hit, _ := s.cache.Lookup(ctx, namespace, key, &cached); hit {
				s.hub.Publish(taskID, cached)
				lastOutput, haveLastOutput = cached, true
				continue
			}
		}

		typedInputs, err := materializeInputs(reg, inputsMap)
		if err != nil {
			s.log.Warn(ctx, "input validation failed, skipping snapshot", "task_id", string(taskID), "error", err.Error())
			continue
		}
		s.injectCapabilities(ctx, doc, typedInputs, reg, vars, taskPrefix)
		if setter, ok := typedInputs.(action.FinalInvocationSetter); ok {
			setter.SetFinalInvocation(false)
		}
		lastTypedInputs, haveLastInputs = typedInputs, true

		// Each opaque run step is bounded by action_timeout (spec.md §5):
		// exceeding it ends this snapshot without failing the task, so the
		// next snapshot is still attempted.
		stepCtx, cancelStep := context.WithTimeout(ctx, s.actionTimeout)
		for r := range invokeAction(stepCtx, instance, typedInputs) {
			if r.Err != nil {
				if stepCtx.Err() == context.DeadlineExceeded {
					s.log.Warn(ctx, "action run step timed out", "task_id", string(taskID), "action", string(inv.ActionName), "timeout", s.actionTimeout.String())
					span.AddEvent("step_timeout", "task_id", string(taskID))
				} else {
					s.log.Error(ctx, "action failed", "task_id", string(taskID), "error", r.Err.Error())
					span.RecordError(r.Err)
					failed = true
				}
				break
			}
			// Canonicalize before broadcasting: the action returns its own
			// typed Go struct (capitalized field names), but dotted-path
			// lookups (links, templates, the facade's subpath resolution)
			// address fields by the output's declared JSON name. Routing
			// through the same JSON shape a cache round trip produces keeps
			// both consumers working off one representation.
			out := flow.Canonicalize(r.Value)
			s.hub.Publish(taskID, out)
			lastOutput, haveLastOutput = out, true
			if haveKey && cacheable && outputCacheable(r.Value) {
				s.cache.Store(ctx, namespace, key, out)
			}
		}
		cancelStep()
		if failed {
			break
		}
	}

	// Step 4: final invocation, once the input stream has ended (and no
	// error occurred), for actions that opted in.
	if !failed && reg.Capabilities.FinalInvocation && haveLastInputs {
		if setter, ok := lastTypedInputs.(action.FinalInvocationSetter); ok {
			setter.SetFinalInvocation(true)
			stepCtx, cancelStep := context.WithTimeout(ctx, s.actionTimeout)
			for r := range invokeAction(stepCtx, instance, lastTypedInputs) {
				if r.Err != nil {
					if stepCtx.Err() == context.DeadlineExceeded {
						s.log.Warn(ctx, "final invocation step timed out", "task_id", string(taskID), "timeout", s.actionTimeout.String())
					} else {
						s.log.Error(ctx, "final invocation failed", "task_id", string(taskID), "error", r.Err.Error())
						span.RecordError(r.Err)
					}
					break
				}
				out := flow.Canonicalize(r.Value)
				s.hub.Publish(taskID, out)
				lastOutput, haveLastOutput = out, true
			}
			cancelStep()
		}
	}

	// Step 6: late-joiner flush — anyone who subscribed after the last real
	// value was broadcast still receives it once.
	if haveLastOutput {
		if late := s.hub.NewListeners(taskID); len(late) > 0 {
			s.hub.PublishTo(lastOutput, late)
		}
	}
	// Step 7 (terminal broadcast, task-registry cleanup) happens in the
	// caller's defer in ensureTask.
}

func fieldDependencies(fields map[string]flow.ValueSpec) []flow.Dependency {
	seen := make(map[flow.Dependency]bool)
	var out []flow.Dependency
	for _, spec := range fields {
		for _, d := range depend.Extract(spec) {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

func renderFields(snap map[string]any, fields map[string]flow.ValueSpec) (map[string]any, bool) {
	out := make(map[string]any, len(fields))
	for name, spec := range fields {
		v := render.Render(snap, spec)
		if render.IsUndefined(v) {
			return nil, false
		}
		out[name] = v
	}
	return out, true
}

// materializeInputs converts a rendered field map into the action's declared
// Inputs type via a JSON round trip: render produces plain maps/slices/
// scalars, and json.Unmarshal performs the same structural validation the
// source's Inputs model validation does (type mismatches and missing
// required fields surface as a decode error here).
func materializeInputs(reg *action.Registration, inputsMap map[string]any) (any, error) {
	if reg.NewInputs == nil {
		return nil, nil
	}
	target := reg.NewInputs()
	raw, err := json.Marshal(inputsMap)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return target, nil
}

func (s *Scheduler) injectCapabilities(ctx context.Context, doc *flow.Document, inputs any, reg *action.Registration, vars flow.Variables, taskPrefix string) {
	if inputs == nil {
		return
	}
	caps := reg.Capabilities
	if caps.RedisURL {
		if setter, ok := inputs.(action.RedisURLSetter); ok {
			setter.SetRedisURL(s.redisURL)
		}
	}
	if caps.BlobRepo {
		if setter, ok := inputs.(action.BlobRepoSetter); ok {
			setter.SetBlobRepo(s.blobs)
		}
	}
	if caps.DefaultModel {
		if setter, ok := inputs.(action.DefaultModelSetter); ok {
			setter.SetDefaultModel(s.resolveDefaultModel(ctx, doc, vars, taskPrefix))
		}
	}
}

// resolveDefaultModel renders the flow's default_model ValueSpec; if it is
// absent, or renders with an empty Model field, it falls back to probing the
// environment via modelselect, matching §6's inference order.
func (s *Scheduler) resolveDefaultModel(ctx context.Context, doc *flow.Document, vars flow.Variables, taskPrefix string) action.ModelConfig {
	if doc.DefaultModel != nil {
		rendered := s.renderToTerminal(ctx, doc, doc.DefaultModel, vars, taskPrefix)
		if cfg, ok := decodeModelConfig(rendered); ok && cfg.Model != "" {
			return cfg
		}
	}
	if inferred := modelselect.Infer(ctx); inferred != nil {
		return *inferred
	}
	return action.ModelConfig{}
}

func decodeModelConfig(v any) (action.ModelConfig, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return action.ModelConfig{}, false
	}
	model, _ := m["model"].(string)
	return action.ModelConfig{Model: model}, true
}

func invokeAction(ctx context.Context, instance any, inputs any) <-chan action.Result {
	out := make(chan action.Result, 1)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				out <- action.Result{Err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		switch act := instance.(type) {
		case action.StreamingAction:
			ch, err := act.Run(ctx, inputs)
			if err != nil {
				out <- action.Result{Err: err}
				return
			}
			for item := range ch {
				out <- item
				if item.Err != nil {
					return
				}
			}
		case action.Action:
			v, err := act.Run(ctx, inputs)
			out <- action.Result{Value: v, Err: err}
		default:
			out <- action.Result{Err: fmt.Errorf("action %T implements neither Action nor StreamingAction", instance)}
		}
	}()
	return out
}

func outputCacheable(v any) bool {
	if cc, ok := v.(action.CacheControl); ok {
		return cc.CacheEnabled()
	}
	return true
}

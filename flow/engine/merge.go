package engine

import (
	"context"
	"sync"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/depend"
	"github.com/flowgraph/engine/flow/render"
)

// streamMergedContext is the central fan-in primitive underlying
// stream_input_dependencies, stream_value_declaration, and stream_loop's
// `in` resolution: it spawns one worker per dependency, merges their
// updates into a single shared map, and yields a fresh snapshot (map of
// dependency id -> latest known value, plus variables) every time any single
// dependency produces a new value, but only once every dependency has
// produced at least one value (the dependency-completeness invariant).
//
// The returned channel is closed once every dependency's stream has ended.
// If deps is empty, exactly one snapshot (variables only) is sent and the
// channel is closed.
func (s *Scheduler) streamMergedContext(ctx context.Context, doc *flow.Document, deps []flow.Dependency, vars flow.Variables, taskPrefix string) <-chan map[string]any {
	out := make(chan map[string]any)

	if len(deps) == 0 {
		go func() {
			defer close(out)
			snap := baseContext(vars)
			select {
			case out <- snap:
			case <-ctx.Done():
			}
		}()
		return out
	}

	type taggedUpdate struct {
		id  flow.ExecutableID
		val any
		err error
	}

	merged := make(chan taggedUpdate)
	var wg sync.WaitGroup
	wg.Add(len(deps))
	for _, dep := range deps {
		dep := dep
		go func() {
			defer wg.Done()
			for u := range s.StreamExecutable(ctx, doc, dep.ID, vars, dep.Streaming, taskPrefix) {
				if u.Err != nil {
					s.log.Warn(ctx, "dependency stream error, treating as undefined", "dependency", string(dep.ID), "error", u.Err.Error())
					continue
				}
				select {
				case merged <- taggedUpdate{id: dep.ID, val: u.Value}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	go func() {
		defer close(out)
		shared := make(map[flow.ExecutableID]any, len(deps))
		received := make(map[flow.ExecutableID]bool, len(deps))
		for u := range merged {
			shared[u.id] = u.val
			received[u.id] = true
			if len(received) < len(deps) {
				continue
			}
			snap := baseContext(vars)
			for id, val := range shared {
				snap[string(id)] = val
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func baseContext(vars flow.Variables) map[string]any {
	snap := make(map[string]any, len(vars))
	for k, v := range vars {
		snap[k] = v
	}
	return snap
}

// executableDeps filters deps down to the roots that name an executable
// rather than a caller-supplied (or loop-bound) variable: variables are
// already present in every snapshot via baseContext from the start, so they
// never need a dependency worker of their own, and treating one as an
// executable id would make streamMergedContext wait forever on a task that
// doesn't exist.
func executableDeps(deps []flow.Dependency, vars flow.Variables) []flow.Dependency {
	if len(vars) == 0 {
		return deps
	}
	out := make([]flow.Dependency, 0, len(deps))
	for _, d := range deps {
		if _, isVar := vars[string(d.ID)]; isVar {
			continue
		}
		out = append(out, d)
	}
	return out
}

// renderToTerminal drains spec's dependencies (always in terminal mode,
// regardless of the spec's own streaming flag, since this helper is used
// wherever a single final value is required — cache_key, default_model,
// loop `in`) and renders spec against the last merged snapshot. It returns
// render.Undefined if spec never reaches a renderable snapshot.
func (s *Scheduler) renderToTerminal(ctx context.Context, doc *flow.Document, spec flow.ValueSpec, vars flow.Variables, taskPrefix string) any {
	deps := executableDeps(terminalDeps(spec), vars)
	var last map[string]any
	have := false
	for snap := range s.streamMergedContext(ctx, doc, deps, vars, taskPrefix) {
		last = snap
		have = true
	}
	if !have {
		return render.Undefined
	}
	return render.Render(last, spec)
}

func terminalDeps(spec flow.ValueSpec) []flow.Dependency {
	raw := depend.Extract(spec)
	out := make([]flow.Dependency, len(raw))
	for i, d := range raw {
		out[i] = flow.Dependency{ID: d.ID, Streaming: false}
	}
	return out
}

package engine

import (
	"context"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/depend"
	"github.com/flowgraph/engine/flow/render"
)

// streamValueDeclaration extracts spec's dependencies, streams them
// according to their own per-field streaming flags, and renders spec
// against each merged snapshot. partial=true yields on every snapshot;
// partial=false yields only the render computed from the final snapshot.
func (s *Scheduler) streamValueDeclaration(ctx context.Context, doc *flow.Document, spec flow.ValueSpec, vars flow.Variables, partial bool, taskPrefix string) <-chan Update {
	deps := executableDeps(depend.Extract(spec), vars)
	out := make(chan Update)
	go func() {
		defer close(out)
		merged := s.streamMergedContext(ctx, doc, deps, vars, taskPrefix)
		if partial {
			for snap := range merged {
				v := render.Render(snap, spec)
				if render.IsUndefined(v) {
					continue
				}
				select {
				case out <- Update{Value: v}:
				case <-ctx.Done():
					return
				}
			}
			return
		}
		var last map[string]any
		have := false
		for snap := range merged {
			last = snap
			have = true
		}
		if !have {
			return
		}
		v := render.Render(last, spec)
		if render.IsUndefined(v) {
			return
		}
		select {
		case out <- Update{Value: v}:
		case <-ctx.Done():
		}
	}()
	return out
}

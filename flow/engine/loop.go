package engine

import (
	"context"
	"reflect"
	"sync"

	"github.com/flowgraph/engine/flow"
)

// streamLoop runs loop.Body once per element produced by loop.In, binding
// loop.For in each iteration's scope. Loop streaming is not supported: a
// partial=true request is downgraded to false with a logged warning. The
// loop's own output is a list, one entry per iteration, of that iteration's
// top-level output map, indexed by iteration order (not completion order,
// though every iteration's top-level executables run concurrently with one
// another).
func (s *Scheduler) streamLoop(ctx context.Context, doc *flow.Document, id flow.ExecutableID, loop flow.Loop, vars flow.Variables, partial bool, taskPrefix string) <-chan Update {
	out := make(chan Update, 1)
	go func() {
		defer close(out)

		if partial {
			s.log.Warn(ctx, "loop streaming is not supported, downgrading to non-streaming", "loop_id", string(id))
			partial = false
		}

		inVal := s.renderToTerminal(ctx, doc, loop.In, vars, taskPrefix)
		elements, ok := toSlice(inVal)
		if !ok {
			out <- Update{Err: flow.Errorf("loop %q: `in` did not render to an iterable value", id)}
			return
		}

		mergedDoc := doc.Merge(loop.Body)
		results := make([]map[string]any, len(elements))
		var wg sync.WaitGroup
		wg.Add(len(elements))
		for i, v := range elements {
			i, v := i, v
			go func() {
				defer wg.Done()
				childVars := make(flow.Variables, len(vars)+1)
				for k, val := range vars {
					childVars[k] = val
				}
				childVars[loop.For] = v
				prefix := flow.LoopIterationPrefix(taskPrefix, id, i)
				results[i] = s.runIterationBody(ctx, mergedDoc, loop.Body, childVars, prefix)
			}()
		}
		wg.Wait()

		items := make([]any, len(results))
		for i, r := range results {
			items[i] = r
		}
		select {
		case out <- Update{Value: items}:
		case <-ctx.Done():
		}
	}()
	return out
}

// runIterationBody runs every top-level executable declared in body to its
// terminal value and returns the resulting output map keyed by executable
// id. A failing executable is logged and simply omitted, matching the
// invariant that one failing branch never blocks independent branches.
func (s *Scheduler) runIterationBody(ctx context.Context, mergedDoc *flow.Document, body *flow.Document, vars flow.Variables, prefix string) map[string]any {
	out := make(map[string]any, len(body.Order))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(body.Order))
	for _, execID := range body.Order {
		execID := execID
		go func() {
			defer wg.Done()
			v, err := s.RunExecutable(ctx, mergedDoc, execID, vars, prefix)
			if err != nil {
				s.log.Warn(ctx, "loop iteration executable failed", "executable", string(execID), "error", err.Error())
				return
			}
			mu.Lock()
			out[string(execID)] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// toSlice converts a rendered value into a []any, accepting the shapes a
// render can plausibly produce: []any directly, or any slice/array via
// reflection.
func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	default:
		return nil, false
	}
}

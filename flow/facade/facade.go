// Package facade implements the flow facade of spec.md §4.1/§6: the
// run/stream/run_all/stream_all entry points a caller actually invokes,
// target-output selection, variable binding, and the pre-flight
// configuration check that must pass before a single task is scheduled.
package facade

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/blob"
	"github.com/flowgraph/engine/flow/cache"
	"github.com/flowgraph/engine/flow/engine"
	"github.com/flowgraph/engine/flow/telemetry"
)

// Options configures a Flow.
type Options struct {
	Registry      *action.Registry
	Log           telemetry.Logger
	Metrics       telemetry.Metrics
	Tracer        telemetry.Tracer
	CacheRepo     cache.Repository
	Blobs         blob.Repository
	RedisURL      string
	ActionTimeout float64 // seconds; 0 means engine.DefaultActionTimeout
}

// Flow is one loaded flow document bound to a Scheduler for its lifetime.
// Mirroring spec.md §3's Lifecycles: an Executable instance (and therefore
// every stateful streaming action) is constructed at first use per Flow and
// reused for the Flow's lifetime, so a caller that wants state shared
// across run()/stream() calls must keep reusing the same *Flow, and call
// Close when finished with it.
type Flow struct {
	doc   *flow.Document
	sched *engine.Scheduler
	log   telemetry.Logger
}

// New constructs a Flow from a parsed document and options. It performs the
// pre-flight configuration consistency check described in spec.md §7;
// ConfigError problems are returned before any task is scheduled.
func New(doc *flow.Document, vars flow.Variables, opts Options) (*Flow, error) {
	varNames := make(map[string]bool, len(vars))
	for k := range vars {
		varNames[k] = true
	}
	if cfgErr := engine.Validate(doc, opts.Registry, varNames); !cfgErr.OK() {
		return nil, cfgErr
	}
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	timeout := engine.DefaultActionTimeout
	if doc.ActionTimeout > 0 {
		timeout = time.Duration(doc.ActionTimeout * float64(time.Second))
	}
	if opts.ActionTimeout > 0 {
		timeout = time.Duration(opts.ActionTimeout * float64(time.Second))
	}
	sched := engine.New(engine.Options{
		Registry:      opts.Registry,
		Log:           opts.Log,
		Metrics:       opts.Metrics,
		Tracer:        opts.Tracer,
		CacheRepo:     opts.CacheRepo,
		Blobs:         opts.Blobs,
		RedisURL:      opts.RedisURL,
		ActionTimeout: timeout,
	})
	return &Flow{doc: doc, sched: sched, log: log}, nil
}

// newRunID generates a correlation id for one facade entry-point call
// (run/stream/run_all/stream_all), logged alongside the target so a single
// invocation's task-level log lines can be grepped out of a shared log
// stream, the same way the runtime correlates a request across its
// pipeline.
func (f *Flow) newRunID(ctx context.Context, op, target string) string {
	runID := uuid.New().String()
	f.log.Info(ctx, "flow run started", "run_id", runID, "op", op, "target", target)
	return runID
}

// resolveTarget implements spec.md §8 property 7: an unset target resolves
// to default_output, or the last declared entry if default_output is
// itself unset.
func (f *Flow) resolveTarget(target string) (flow.ExecutableID, string, error) {
	if target == "" {
		if f.doc.DefaultOutput != nil {
			target = *f.doc.DefaultOutput
		} else {
			last, ok := f.doc.LastDeclared()
			if !ok {
				return "", "", flow.Errorf("facade: flow has no declared executables")
			}
			return last, "", nil
		}
	}
	root, rest := splitPath(target)
	if _, ok := f.doc.Lookup(flow.ExecutableID(root)); !ok {
		return "", "", flow.Errorf("facade: target %q names unknown executable %q", target, root)
	}
	return flow.ExecutableID(root), rest, nil
}

func splitPath(path string) (string, string) {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

func subpath(v any, path string) any {
	if path == "" {
		return v
	}
	for _, seg := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return v
}

// Run runs target in non-partial mode (Scheduler.RunExecutable) and returns
// only its terminal value, spec.md §6's `run(target?)`.
func (f *Flow) Run(ctx context.Context, target string, vars flow.Variables) (any, error) {
	f.newRunID(ctx, "run", target)
	id, sub, err := f.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	v, err := f.sched.RunExecutable(ctx, f.doc, id, vars, "")
	if err != nil {
		return nil, err
	}
	return subpath(v, sub), nil
}

// Stream yields the intermediate values of target as they become
// available, spec.md §6's `stream(target?)`.
func (f *Flow) Stream(ctx context.Context, target string, vars flow.Variables) <-chan engine.Update {
	f.newRunID(ctx, "stream", target)
	id, sub, err := f.resolveTarget(target)
	if err != nil {
		out := make(chan engine.Update, 1)
		out <- engine.Update{Err: err}
		close(out)
		return out
	}
	raw := f.sched.StreamExecutable(ctx, f.doc, id, vars, true, "")
	if sub == "" {
		return raw
	}
	out := make(chan engine.Update)
	go func() {
		defer close(out)
		for u := range raw {
			if u.Err == nil {
				u.Value = subpath(u.Value, sub)
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// AllResult is one top-level executable's outcome from RunAll.
type AllResult struct {
	ID    flow.ExecutableID
	Value any
	Err   error
}

// RunAll runs every top-level executable concurrently and returns their
// terminal values in declaration order, spec.md §6's `run_all()`.
func (f *Flow) RunAll(ctx context.Context, vars flow.Variables) []AllResult {
	f.newRunID(ctx, "run_all", "")
	ids := append([]flow.ExecutableID(nil), f.doc.Order...)
	results := make([]AllResult, len(ids))
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for i, id := range ids {
		i, id := i, id
		go func() {
			defer wg.Done()
			v, err := f.sched.RunExecutable(ctx, f.doc, id, vars, "")
			results[i] = AllResult{ID: id, Value: v, Err: err}
		}()
	}
	wg.Wait()
	return results
}

// CumulativeSnapshot is one update from StreamAll: the full map of every
// top-level executable's latest known value, keyed by id, as of this
// update.
type CumulativeSnapshot struct {
	Values map[flow.ExecutableID]any
	Err    error
}

// StreamAll yields a cumulative map snapshot each time any top-level
// executable reaches a new value, spec.md §6's `stream_all()`. The final
// yield equals the full map of every executable's terminal value.
func (f *Flow) StreamAll(ctx context.Context, vars flow.Variables) <-chan CumulativeSnapshot {
	f.newRunID(ctx, "stream_all", "")
	out := make(chan CumulativeSnapshot)
	ids := append([]flow.ExecutableID(nil), f.doc.Order...)
	go func() {
		defer close(out)
		if len(ids) == 0 {
			return
		}

		type tagged struct {
			id  flow.ExecutableID
			upd engine.Update
		}
		merged := make(chan tagged)
		var wg sync.WaitGroup
		wg.Add(len(ids))
		for _, id := range ids {
			id := id
			go func() {
				defer wg.Done()
				for u := range f.sched.StreamExecutable(ctx, f.doc, id, vars, true, "") {
					select {
					case merged <- tagged{id: id, upd: u}:
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

		current := make(map[flow.ExecutableID]any, len(ids))
		for t := range merged {
			if t.upd.Err != nil {
				select {
				case out <- CumulativeSnapshot{Err: t.upd.Err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			current[t.id] = t.upd.Value
			snap := make(map[flow.ExecutableID]any, len(current))
			for k, v := range current {
				snap[k] = v
			}
			select {
			case out <- CumulativeSnapshot{Values: snap}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close releases the flow's scheduler resources. spec.md §5's "flow-level
// close tears down temp directories and any backing stores"; this engine
// holds no filesystem state of its own, so Close is presently a no-op
// reserved for a future on-disk backing store.
func (f *Flow) Close() error { return nil }

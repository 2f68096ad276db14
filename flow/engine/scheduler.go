// Package engine implements the flow scheduler and executable runner: the
// concurrent core that resolves dependencies, invokes actions at most once
// concurrently per task, and broadcasts their outputs to every subscriber.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/blob"
	"github.com/flowgraph/engine/flow/cache"
	"github.com/flowgraph/engine/flow/hub"
	"github.com/flowgraph/engine/flow/telemetry"
)

// DefaultActionTimeout is used when a flow document does not set
// action_timeout, matching the source default of 360 seconds.
const DefaultActionTimeout = 360 * time.Second

// Update is one item produced by a stream_* call: a rendered value, or an
// error (for a config-level or propagated failure the caller should
// surface rather than silently skip).
type Update struct {
	Value any
	Err   error
}

// Options configures a Scheduler.
type Options struct {
	Registry      *action.Registry
	Log           telemetry.Logger
	Metrics       telemetry.Metrics
	Tracer        telemetry.Tracer
	CacheRepo     cache.Repository
	Blobs         blob.Repository
	RedisURL      string
	ActionTimeout time.Duration
}

// Scheduler is the flow scheduler plus executable runner described in the
// component design. One Scheduler is constructed per flow invocation (a
// *facade.Flow owns exactly one for its lifetime) so the action-instance
// cache and task registry live and die with that invocation, matching the
// source's per-invocation ActionService lifecycle.
type Scheduler struct {
	registry      *action.Registry
	hub           *hub.Hub
	cache         *cache.Coordinator
	log           telemetry.Logger
	metrics       telemetry.Metrics
	tracer        telemetry.Tracer
	blobs         blob.Repository
	redisURL      string
	actionTimeout time.Duration

	mu        sync.Mutex
	instances map[flow.TaskID]any
	tasks     map[flow.TaskID]*runningTask
}

type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler.
func New(opts Options) *Scheduler {
	log := opts.Log
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	timeout := opts.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	return &Scheduler{
		registry:      opts.Registry,
		hub:           hub.New(),
		cache:         cache.New(opts.CacheRepo, opts.Blobs, log, metrics),
		log:           log,
		metrics:       metrics,
		tracer:        tracer,
		blobs:         opts.Blobs,
		redisURL:      opts.RedisURL,
		actionTimeout: timeout,
		instances:     make(map[flow.TaskID]any),
		tasks:         make(map[flow.TaskID]*runningTask),
	}
}

// StreamExecutable streams the values of executable id, looked up in doc,
// under the given variables and task prefix. partial=false collapses the
// result to only the terminal value. Every error surfaced on the returned
// channel is tagged with the task id it concerns (flow.FlowError.WithTaskID),
// so a facade caller can recover it via errors.As and report which task
// failed rather than just a bare message.
func (s *Scheduler) StreamExecutable(ctx context.Context, doc *flow.Document, id flow.ExecutableID, vars flow.Variables, partial bool, taskPrefix string) <-chan Update {
	taskID := flow.NewTaskID(taskPrefix, id)
	exe, ok := doc.Lookup(id)
	if !ok {
		out := make(chan Update, 1)
		out <- Update{Err: flow.Errorf("unknown executable %q", id).WithTaskID(taskID)}
		close(out)
		return out
	}
	var raw <-chan Update
	switch e := exe.(type) {
	case flow.ActionInvocation:
		raw = s.streamAction(ctx, doc, id, e, vars, partial, taskPrefix)
	case flow.Loop:
		raw = s.streamLoop(ctx, doc, id, e, vars, partial, taskPrefix)
	case flow.ValueDeclaration:
		raw = s.streamValueDeclaration(ctx, doc, e.Spec, vars, partial, taskPrefix)
	default:
		out := make(chan Update, 1)
		out <- Update{Err: flow.Errorf("unreachable: unknown executable variant for %q", id).WithTaskID(taskID)}
		close(out)
		return out
	}
	return tagTaskErrors(raw, taskID)
}

// tagTaskErrors relays every Update from in, wrapping any error as a
// flow.FlowError tagged with taskID (preserving an existing cause chain via
// flow.FromError) before it reaches a subscriber.
func tagTaskErrors(in <-chan Update, taskID flow.TaskID) <-chan Update {
	out := make(chan Update)
	go func() {
		defer close(out)
		for u := range in {
			if u.Err != nil {
				u.Err = flow.FromError(u.Err).WithTaskID(taskID)
			}
			out <- u
		}
	}()
	return out
}

// RunExecutable drains StreamExecutable with partial=false and returns the
// single terminal value, or an error.
func (s *Scheduler) RunExecutable(ctx context.Context, doc *flow.Document, id flow.ExecutableID, vars flow.Variables, taskPrefix string) (any, error) {
	var last any
	haveLast := false
	for u := range s.StreamExecutable(ctx, doc, id, vars, false, taskPrefix) {
		if u.Err != nil {
			return nil, u.Err
		}
		last = u.Value
		haveLast = true
	}
	if !haveLast {
		return nil, flow.Errorf("executable %q produced no value", id)
	}
	return last, nil
}

func (s *Scheduler) instanceFor(taskID flow.TaskID, reg *action.Registration) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[taskID]; ok {
		return inst
	}
	inst := reg.New()
	s.instances[taskID] = inst
	return inst
}

// ensureTask starts the runner goroutine for taskID if none is already
// running, returning whether this call was the one that started it (which
// governs who is responsible for the grace-then-cancel on unsubscribe).
func (s *Scheduler) ensureTask(doc *flow.Document, id flow.ExecutableID, taskID flow.TaskID, vars flow.Variables, taskPrefix string) (*runningTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		return t, false
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &runningTask{cancel: cancel, done: make(chan struct{})}
	s.tasks[taskID] = t
	go func() {
		defer close(t.done)
		defer s.hub.Publish(taskID, hub.Terminal)
		defer s.forgetTask(taskID)
		s.runAndBroadcast(taskCtx, doc, id, taskID, vars, taskPrefix)
	}()
	return t, true
}

func (s *Scheduler) forgetTask(taskID flow.TaskID) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
}

// finishSubscription unsubscribes q from taskID and, if this subscriber was
// the one that started the task, gives it up to 3 seconds grace before
// cancelling it. Other subscribers' presence never blocks this from
// cancelling once it decides to: only the starter ever cancels at all.
func (s *Scheduler) finishSubscription(taskID flow.TaskID, q *hub.Queue, startedTask bool, task *runningTask) {
	s.hub.Unsubscribe(taskID, q)
	if !startedTask || task == nil {
		return
	}
	select {
	case <-task.done:
	case <-time.After(3 * time.Second):
		task.cancel()
	}
}

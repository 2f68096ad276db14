// Package hub implements the per-task broadcast used to fan a single
// executable's output stream out to every subscriber, including those that
// join after some values have already been published (the "late-joiner
// flush"). It generalizes the runtime's session/event fan-out
// (subscriber-set plus new-listener-set) from agent-turn events to per-task
// value broadcast.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/flowgraph/engine/flow"
)

// terminalType is the sentinel published exactly once per task to signal "no
// more values".
type terminalType struct{}

// Terminal is the sentinel value a Hub publishes exactly once per task, after
// which no further values are delivered.
var Terminal any = terminalType{}

// IsTerminal reports whether v is the Terminal sentinel.
func IsTerminal(v any) bool {
	_, ok := v.(terminalType)
	return ok
}

// ErrTimeout is returned by Queue.Pop when no value arrives within the
// requested timeout.
type timeoutError struct{}

func (timeoutError) Error() string { return "hub: queue read timed out" }

// ErrTimeout is the sentinel error Queue.Pop returns on a read timeout.
var ErrTimeout error = timeoutError{}

// Queue is a per-subscriber unbounded FIFO. Producers never block on push;
// consumers block (subject to a context or timeout) on pop. This mirrors the
// source system's queue discipline: subscribers that fall behind simply see
// the queue grow, since backpressure is not enforced.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []any
	closed bool
}

func newQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) push(v any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, v)
	q.cond.Signal()
}

// Pop blocks until a value is available, ctx is cancelled, or timeout
// elapses (timeout <= 0 means no timeout). It returns ErrTimeout on timeout
// and ctx.Err() on cancellation.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (any, error) {
	done := make(chan struct{})
	var timedOut bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			timedOut = true
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()
	}
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut {
			return nil, ErrTimeout
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, nil
}

type taskState struct {
	subscribers  map[*Queue]bool
	newListeners map[*Queue]bool
	last         any
	haveLast     bool
}

// Hub is the broadcast hub: per-task subscriber sets and the "new listener"
// subset used to flush the latest value to late joiners.
type Hub struct {
	mu    sync.Mutex
	tasks map[flow.TaskID]*taskState
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{tasks: make(map[flow.TaskID]*taskState)}
}

func (h *Hub) state(id flow.TaskID) *taskState {
	st, ok := h.tasks[id]
	if !ok {
		st = &taskState{subscribers: make(map[*Queue]bool), newListeners: make(map[*Queue]bool)}
		h.tasks[id] = st
	}
	return st
}

// Subscribe registers a fresh queue for task id, added to both the
// subscriber set and the new-listener set.
func (h *Hub) Subscribe(id flow.TaskID) *Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := newQueue()
	st := h.state(id)
	st.subscribers[q] = true
	st.newListeners[q] = true
	return q
}

// Unsubscribe removes q from task id's subscriber set. It does not affect
// whether the underlying task keeps running; callers manage that themselves.
func (h *Hub) Unsubscribe(id flow.TaskID, q *Queue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tasks[id]
	if !ok {
		return
	}
	delete(st.subscribers, q)
	delete(st.newListeners, q)
}

// Publish pushes value to every current subscriber of task id and removes
// every recipient from the new-listener set, since they have now received at
// least one value.
func (h *Hub) Publish(id flow.TaskID, value any) {
	h.mu.Lock()
	st := h.state(id)
	if !IsTerminal(value) {
		st.last = value
		st.haveLast = true
	}
	recipients := make([]*Queue, 0, len(st.subscribers))
	for q := range st.subscribers {
		recipients = append(recipients, q)
		delete(st.newListeners, q)
	}
	h.mu.Unlock()
	for _, q := range recipients {
		q.push(value)
	}
}

// PublishTo delivers value only to the queues in subset, used for the
// late-joiner flush: subscribers who joined after the last value was
// broadcast still receive it once, without re-delivering to everyone else.
func (h *Hub) PublishTo(value any, subset []*Queue) {
	for _, q := range subset {
		q.push(value)
	}
}

// NewListeners returns (and clears) the current new-listener subset for task
// id: subscribers that have not yet received any value. Used by the runner
// right before its final broadcast, so any subscriber that joined too late
// to see the last real value still gets it.
func (h *Hub) NewListeners(id flow.TaskID) []*Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tasks[id]
	if !ok {
		return nil
	}
	out := make([]*Queue, 0, len(st.newListeners))
	for q := range st.newListeners {
		out = append(out, q)
		delete(st.newListeners, q)
	}
	return out
}

// LastValue returns the last non-terminal value published for task id, if
// any.
func (h *Hub) LastValue(id flow.TaskID) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.tasks[id]
	if !ok {
		return nil, false
	}
	return st.last, st.haveLast
}

// Forget drops all hub state for task id. The engine itself never calls it,
// so a task's hub state is kept for the lifetime of the Hub.
func (h *Hub) Forget(id flow.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, id)
}

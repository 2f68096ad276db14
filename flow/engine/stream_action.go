package engine

import (
	"context"

	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/hub"
)

// streamAction is the subscriber side of task execution: subscribe, start
// the task if needed, read until terminal or timeout, then tear down.
func (s *Scheduler) streamAction(ctx context.Context, doc *flow.Document, id flow.ExecutableID, inv flow.ActionInvocation, vars flow.Variables, partial bool, taskPrefix string) <-chan Update {
	taskID := flow.NewTaskID(taskPrefix, id)
	q := s.hub.Subscribe(taskID)
	task, started := s.ensureTask(doc, id, taskID, vars, taskPrefix)

	out := make(chan Update)
	go func() {
		defer close(out)
		defer s.finishSubscription(taskID, q, started, task)

		var last any
		haveLast := false
		for {
			v, err := q.Pop(ctx, s.actionTimeout)
			if err != nil {
				if err == hub.ErrTimeout {
					s.log.Warn(ctx, "subscriber queue read timed out", "task_id", string(taskID))
				}
				// Timeout or cancellation: exit as if terminal. The read
				// timeout itself does not cancel the underlying task; the
				// deferred finishSubscription does, after its 3-second grace
				// period, only when this subscriber is the one that started
				// the task.
				return
			}
			if hub.IsTerminal(v) {
				if !partial && haveLast {
					select {
					case out <- Update{Value: last}:
					case <-ctx.Done():
					}
				}
				return
			}
			last = v
			haveLast = true
			if partial {
				select {
				case out <- Update{Value: v}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

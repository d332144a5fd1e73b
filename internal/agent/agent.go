// Package agent implements the Agent Framework (spec.md §4.6): a base loop
// each role (coder, tester, debugger, planner, architect) specializes by
// supplying a Handler. Grounded on the teacher's orchestration/task_worker.go
// worker-pool shape (bounded concurrent workers, panic-recovered handler
// execution, per-task timeout context) generalized from a generic task queue
// to bus-dispatched, role-filtered Task events.
package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chiqo-ke/algoforge/internal/artifactstore"
	"github.com/chiqo-ke/algoforge/internal/bus"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/telemetry"
)

// DefaultHandlerTimeout is the spec-mandated default wall-clock budget for a
// non-tester role's handler invocation (spec.md §5 Cancellation).
const DefaultHandlerTimeout = 120 * time.Second

// DefaultWorkerCount is the spec-mandated per-role worker pool size
// (spec.md §5 Scheduling model).
const DefaultWorkerCount = 4

// ProducedArtifact is one file a Handler wants committed to the workflow
// branch, alongside its kind for the artifact store.
type ProducedArtifact struct {
	Filename string
	Data     []byte
	Kind     model.ArtifactKind
}

// Result is a Handler's successful outcome.
type Result struct {
	Artifacts []ProducedArtifact
	Payload   map[string]interface{} // merged into the TASK_COMPLETED payload
}

// Handler is the role-specific work function. It must check ctx for
// cancellation at its LLM/sandbox boundaries and return promptly once ctx is
// done (spec.md §5 Cancellation).
type Handler func(ctx context.Context, task *model.Task, dispatch model.Event) (Result, error)

// Config configures an Agent.
type Config struct {
	Role           model.AgentRole
	Bus            bus.Bus
	Store          *artifactstore.Store
	Handler        Handler
	Logger         logging.Logger
	WorkerCount    int
	HandlerTimeout time.Duration
}

// Agent runs Config.WorkerCount concurrent workers pulling TASK_DISPATCHED
// events for Config.Role, invoking Handler, writing artifacts, and
// publishing TASK_COMPLETED (spec.md §4.6).
type Agent struct {
	role           model.AgentRole
	bus            bus.Bus
	store          *artifactstore.Store
	handler        Handler
	logger         logging.Logger
	workerCount    int
	handlerTimeout time.Duration

	activeCount atomic.Int32
}

// New constructs an Agent, applying the spec-mandated defaults for unset
// Config fields.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("agent/" + string(cfg.Role))
	}
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Agent{
		role:           cfg.Role,
		bus:            cfg.Bus,
		store:          cfg.Store,
		handler:        cfg.Handler,
		logger:         logger,
		workerCount:    workerCount,
		handlerTimeout: timeout,
	}
}

// Run subscribes to TASK_DISPATCHED under a group named after the role
// (every worker of the same role shares the group, so the bus fans the work
// out rather than delivering it to each worker independently) and processes
// events with a bounded worker pool until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	handles, err := a.bus.Subscribe(ctx, []model.EventType{model.EventTaskDispatched}, string(a.role))
	if err != nil {
		return fmt.Errorf("subscribing agent role %s: %w", a.role, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < a.workerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			a.runWorker(ctx, workerID, handles)
		}(i)
	}
	wg.Wait()
	return nil
}

func (a *Agent) runWorker(ctx context.Context, workerID int, handles <-chan bus.AckHandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-handles:
			if !ok {
				return
			}
			a.processOne(ctx, h)
		}
	}
}

func (a *Agent) processOne(ctx context.Context, h bus.AckHandle) {
	event := h.Event()

	task, ok := event.Payload["task"].(*model.Task)
	if !ok || task == nil {
		a.logger.ErrorWithContext(ctx, "dispatch payload missing task", map[string]interface{}{
			"event_id": event.EventID,
		})
		h.Ack(ctx)
		return
	}

	if task.AgentRole != a.role {
		// Another role's dispatch riding the same event type; not ours.
		h.Ack(ctx)
		return
	}

	a.activeCount.Add(1)
	defer a.activeCount.Add(-1)

	if already, err := a.alreadyCompleted(ctx, event); err != nil {
		a.logger.WarnWithContext(ctx, "idempotency check failed, proceeding", map[string]interface{}{
			"task_id": task.ID, "error": err.Error(),
		})
	} else if already {
		h.Ack(ctx)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, a.handlerTimeout)
	defer cancel()

	completion := a.invoke(handlerCtx, task, event)
	if err := a.bus.Publish(ctx, completion); err != nil {
		a.logger.ErrorWithContext(ctx, "failed to publish task completion", map[string]interface{}{
			"task_id": task.ID, "error": err.Error(),
		})
		h.Nack(ctx)
		return
	}
	// The event is acked regardless of completion.passed to avoid redelivery
	// of a known-bad handler outcome (spec.md §4.6 Failure reporting).
	h.Ack(ctx)
}

// alreadyCompleted implements spec.md §4.6's idempotency check: before
// handling, look for a TASK_COMPLETED already published for this
// (task_id, attempt).
func (a *Agent) alreadyCompleted(ctx context.Context, event model.Event) (bool, error) {
	history, err := a.bus.Replay(ctx, event.WorkflowID, time.Time{})
	if err != nil {
		return false, err
	}
	for _, e := range history {
		if e.EventType == model.EventTaskCompleted && e.TaskID == event.TaskID && e.Attempt == event.Attempt {
			return true, nil
		}
	}
	return false, nil
}

// invoke runs the handler with panic recovery, writes any produced
// artifacts, and packages the outcome into a TASK_COMPLETED event
// (spec.md §4.6 steps b-d).
func (a *Agent) invoke(ctx context.Context, task *model.Task, dispatch model.Event) model.Event {
	result, err := a.safeHandle(ctx, task, dispatch)

	if err != nil {
		telemetry.Counter("agent.task_failed", "agent_role", string(a.role))
		return a.completionEvent(task, dispatch, false, map[string]interface{}{
			"failure": map[string]interface{}{
				"type":    failureType(ctx, err),
				"message": err.Error(),
			},
		}, nil)
	}

	artifactIDs := make([]string, 0, len(result.Artifacts))
	for _, p := range result.Artifacts {
		art, putErr := a.store.Put(dispatch.WorkflowID, task.ID, p.Filename, p.Data, p.Kind)
		if putErr != nil {
			telemetry.Counter("agent.artifact_write_failed", "agent_role", string(a.role))
			return a.completionEvent(task, dispatch, false, map[string]interface{}{
				"failure": map[string]interface{}{
					"type":    "artifact_write_error",
					"message": putErr.Error(),
				},
			}, nil)
		}
		artifactIDs = append(artifactIDs, art.ArtifactID)
	}

	payload := map[string]interface{}{"artifact_ids": artifactIDs}
	for k, v := range result.Payload {
		payload[k] = v
	}
	telemetry.Counter("agent.task_succeeded", "agent_role", string(a.role))
	return a.completionEvent(task, dispatch, true, payload, artifactIDs)
}

func (a *Agent) safeHandle(ctx context.Context, task *model.Task, dispatch model.Event) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, string(debug.Stack()))
		}
	}()
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	return a.handler(ctx, task, dispatch)
}

func (a *Agent) completionEvent(task *model.Task, dispatch model.Event, passed bool, extra map[string]interface{}, artifactIDs []string) model.Event {
	payload := map[string]interface{}{"passed": passed}
	for k, v := range extra {
		payload[k] = v
	}
	return model.Event{
		EventID:       uuid.NewString(),
		EventType:     model.EventTaskCompleted,
		CorrelationID: dispatch.WorkflowID,
		WorkflowID:    dispatch.WorkflowID,
		TaskID:        task.ID,
		Timestamp:     time.Now(),
		Source:        a.role,
		Payload:       payload,
		Attempt:       dispatch.Attempt,
	}
}

func failureType(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "timeout"
	}
	if ctx.Err() == context.Canceled {
		return "cancelled"
	}
	return "handler_error"
}

// ActiveCount returns the number of handlers currently executing, for health
// reporting.
func (a *Agent) ActiveCount() int32 {
	return a.activeCount.Load()
}

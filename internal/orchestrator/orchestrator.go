// Package orchestrator implements the Orchestrator (spec.md §4.5): owns
// WorkflowState, drives it forward by reacting to bus events, computes
// ready sets from the task DAG, and handles branch-todo insertion on task
// failure. Grounded on the teacher's orchestration/task_worker.go (the
// subscribe-handle-ack agent loop shape) and orchestration/redis_task_queue.go
// (idempotent, redelivery-safe state reconstruction), generalized from a
// single task queue to the full workflow state machine.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chiqo-ke/algoforge/internal/artifactstore"
	"github.com/chiqo-ke/algoforge/internal/bus"
	"github.com/chiqo-ke/algoforge/internal/dag"
	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/telemetry"
)

// workflow bundles everything the orchestrator tracks for one in-flight
// workflow.
type workflow struct {
	mu      sync.Mutex
	state   *model.WorkflowState
	graph   *dag.Graph
	applied map[string]bool // event_id -> already applied, for idempotency
}

// Orchestrator owns every WorkflowState and reacts to bus events to drive
// dispatch (spec.md §4.5).
type Orchestrator struct {
	bus     bus.Bus
	store   *artifactstore.Store
	logger  logging.Logger

	mu        sync.RWMutex
	workflows map[string]*workflow
}

// New constructs an Orchestrator.
func New(b bus.Bus, store *artifactstore.Store, logger logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Orchestrator{bus: b, store: store, logger: logger, workflows: make(map[string]*workflow)}
}

// Run subscribes to the orchestrator's event types and processes them until
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	eventTypes := []model.EventType{
		model.EventTodoListCreated,
		model.EventTaskCompleted,
		model.EventTestFailed,
		model.EventBranchTodoRequest,
	}
	handles, err := o.bus.Subscribe(ctx, eventTypes, string(model.RoleOrchestrator))
	if err != nil {
		return fmt.Errorf("subscribing orchestrator: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case h, ok := <-handles:
			if !ok {
				return nil
			}
			o.handle(ctx, h)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, h bus.AckHandle) {
	event := h.Event()
	var err error
	switch event.EventType {
	case model.EventTodoListCreated:
		err = o.onTodoListCreated(ctx, event)
	case model.EventTaskCompleted:
		err = o.onTaskCompleted(ctx, event)
	case model.EventTestFailed, model.EventBranchTodoRequest:
		err = o.onFailureSignal(ctx, event)
	}
	if err != nil {
		o.logger.ErrorWithContext(ctx, "orchestrator event handling failed", map[string]interface{}{
			"event_type": string(event.EventType), "workflow_id": event.WorkflowID, "error": err.Error(),
		})
		h.Nack(ctx)
		return
	}
	h.Ack(ctx)
}

func payloadTodoList(event model.Event) (*model.TodoList, error) {
	raw, ok := event.Payload["todo_list"]
	if !ok {
		return nil, fmt.Errorf("missing todo_list in payload")
	}
	list, ok := raw.(*model.TodoList)
	if !ok {
		return nil, fmt.Errorf("todo_list payload has unexpected type %T", raw)
	}
	return list, nil
}

// onTodoListCreated implements spec.md §4.5 step 1.
func (o *Orchestrator) onTodoListCreated(ctx context.Context, event model.Event) error {
	o.mu.Lock()
	if wf, exists := o.workflows[event.WorkflowID]; exists {
		o.mu.Unlock()
		wf.mu.Lock()
		already := wf.applied[event.EventID]
		wf.mu.Unlock()
		if already {
			return nil
		}
	} else {
		o.mu.Unlock()
	}

	list, err := payloadTodoList(event)
	if err != nil {
		return err
	}
	if err := validateTodoList(list); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCyclicDependency, err)
	}

	graph, err := dag.Build(list)
	if err != nil {
		return fmt.Errorf("building task graph: %w", err)
	}

	state := model.NewWorkflowState(list)
	wf := &workflow{state: state, graph: graph, applied: map[string]bool{event.EventID: true}}

	if err := o.store.OpenWorkflow(event.WorkflowID); err != nil {
		return fmt.Errorf("opening artifact workflow branch: %w", err)
	}

	o.mu.Lock()
	o.workflows[event.WorkflowID] = wf
	o.mu.Unlock()

	o.logger.InfoWithContext(ctx, "workflow opened", map[string]interface{}{
		"workflow_id": event.WorkflowID, "task_count": len(list.Items),
	})
	return o.dispatchReady(ctx, event.WorkflowID)
}

func validateTodoList(list *model.TodoList) error {
	for _, t := range list.Items {
		switch t.AgentRole {
		case model.RolePlanner, model.RoleArchitect, model.RoleCoder, model.RoleTester, model.RoleDebugger:
		default:
			return fmt.Errorf("%w: task %s has unrecognized role %q", errs.ErrUnknownAgentRole, t.ID, t.AgentRole)
		}
		if len(t.AcceptanceCriteria.Tests) == 0 && t.AgentRole != model.RolePlanner && t.AgentRole != model.RoleArchitect {
			return fmt.Errorf("task %s has no acceptance tests", t.ID)
		}
	}
	return nil
}

// dispatchReady publishes TASK_DISPATCHED for every ready task, tie-broken
// by priority then lexicographic task id (spec.md §4.5 step 2, Tie-breaks).
func (o *Orchestrator) dispatchReady(ctx context.Context, workflowID string) error {
	o.mu.RLock()
	wf, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return errs.ErrWorkflowNotFound
	}

	wf.mu.Lock()
	ready := wf.graph.Ready()
	for _, t := range ready {
		t.Status = model.TaskDispatched
		wf.state.TaskStates[t.ID] = &model.TaskState{Status: model.TaskDispatched, Attempts: t.Attempts}
	}
	wf.mu.Unlock()

	for _, t := range ready {
		if err := o.publishDispatch(ctx, workflowID, t); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) publishDispatch(ctx context.Context, workflowID string, t *model.Task) error {
	event := model.Event{
		EventID:       uuid.NewString(),
		EventType:     model.EventTaskDispatched,
		CorrelationID: workflowID,
		WorkflowID:    workflowID,
		TaskID:        t.ID,
		Timestamp:     time.Now(),
		Source:        model.RoleOrchestrator,
		Payload:       map[string]interface{}{"task": t},
		Attempt:       t.Attempts + 1,
	}
	telemetry.Counter("orchestrator.tasks_dispatched", "agent_role", string(t.AgentRole))
	return o.bus.Publish(ctx, event)
}

// onTaskCompleted implements spec.md §4.5 steps 3-4.
func (o *Orchestrator) onTaskCompleted(ctx context.Context, event model.Event) error {
	o.mu.RLock()
	wf, ok := o.workflows[event.WorkflowID]
	o.mu.RUnlock()
	if !ok {
		return errs.ErrWorkflowNotFound
	}

	wf.mu.Lock()
	if wf.applied[event.EventID] {
		wf.mu.Unlock()
		return nil
	}
	wf.applied[event.EventID] = true

	task := wf.graph.Task(event.TaskID)
	if task == nil {
		wf.mu.Unlock()
		return errs.ErrTaskNotFound
	}

	passed, _ := event.Payload["passed"].(bool)
	if passed {
		task.Status = model.TaskPassed
		wf.state.TaskStates[task.ID] = &model.TaskState{Status: model.TaskPassed, Attempts: task.Attempts}
		// A successful debugger branch resolves the task it was inserted to
		// remediate (spec.md §4.5 step 4: branch remediation is how a failed
		// task's original obligation gets satisfied).
		if task.BranchParent != "" {
			if parent := wf.graph.Task(task.BranchParent); parent != nil {
				parent.Status = model.TaskPassed
				wf.state.TaskStates[parent.ID] = &model.TaskState{Status: model.TaskPassed, Attempts: parent.Attempts}
			}
		}
		wf.mu.Unlock()
		if err := o.checkTerminal(ctx, event.WorkflowID); err != nil {
			return err
		}
		return o.dispatchReady(ctx, event.WorkflowID)
	}
	wf.mu.Unlock()
	return o.onTaskFailed(ctx, wf, event.WorkflowID, task)
}

// onFailureSignal handles TEST_FAILED and BRANCH_TODO_REQUEST, which take
// the identical branch-insertion path as a failed TASK_COMPLETED (spec.md
// §4.5 steps 4-5).
func (o *Orchestrator) onFailureSignal(ctx context.Context, event model.Event) error {
	o.mu.RLock()
	wf, ok := o.workflows[event.WorkflowID]
	o.mu.RUnlock()
	if !ok {
		return errs.ErrWorkflowNotFound
	}
	wf.mu.Lock()
	if wf.applied[event.EventID] {
		wf.mu.Unlock()
		return nil
	}
	wf.applied[event.EventID] = true
	task := wf.graph.Task(event.TaskID)
	wf.mu.Unlock()
	if task == nil {
		return errs.ErrTaskNotFound
	}
	return o.onTaskFailed(ctx, wf, event.WorkflowID, task)
}

// onTaskFailed implements spec.md §4.5 step 4's branch logic.
func (o *Orchestrator) onTaskFailed(ctx context.Context, wf *workflow, workflowID string, task *model.Task) error {
	wf.mu.Lock()
	task.Attempts++
	if task.Attempts < task.MaxAttempts {
		task.Status = model.TaskPending
		wf.mu.Unlock()
		o.logger.InfoWithContext(ctx, "retrying failed task", map[string]interface{}{
			"workflow_id": workflowID, "task_id": task.ID, "attempt": task.Attempts,
		})
		return o.publishDispatch(ctx, workflowID, task)
	}

	task.Status = model.TaskFailed

	// A debugger branch itself exhausting its attempts is remediation
	// failure: there is no further branch to insert, so the workflow fails
	// outright (spec.md §7 "Exhaustion... branch remediation failed").
	if task.BranchParent != "" {
		wf.mu.Unlock()
		return o.failWorkflow(ctx, workflowID, fmt.Sprintf("branch task %s exhausted remediation attempts", task.ID))
	}

	maxPriority := 0
	for _, other := range wf.state.TodoList.Items {
		if other.Priority > maxPriority {
			maxPriority = other.Priority
		}
	}
	// DependsOn is deliberately empty: task.ID is now permanently TaskFailed
	// (never Passed/Skipped), so a dependency on it would make the branch
	// unready forever. BranchParent records the causal link without gating
	// dispatch on it.
	branch := &model.Task{
		ID:           fmt.Sprintf("%s-branch-%d", task.ID, len(wf.state.TodoList.Items)),
		Title:        fmt.Sprintf("Debug failure of %s", task.ID),
		Description:  fmt.Sprintf("Diagnose and remediate the failure of task %q.", task.ID),
		AgentRole:    model.RoleDebugger,
		Priority:     maxPriority + 1,
		Status:       model.TaskPending,
		MaxAttempts:  task.MaxAttempts,
		BranchParent: task.ID,
	}
	branch.AcceptanceCriteria.Tests = task.AcceptanceCriteria.Tests
	wf.state.TodoList.Items = append(wf.state.TodoList.Items, branch)
	wf.state.TaskStates[branch.ID] = &model.TaskState{Status: model.TaskPending}
	wf.mu.Unlock()

	newGraph, err := dag.Build(wf.state.TodoList)
	if err != nil {
		return fmt.Errorf("rebuilding graph after branch insertion: %w", err)
	}
	wf.mu.Lock()
	wf.graph = newGraph
	wf.mu.Unlock()

	o.logger.WarnWithContext(ctx, "task exhausted attempts, branch inserted", map[string]interface{}{
		"workflow_id": workflowID, "failed_task_id": task.ID, "branch_task_id": branch.ID,
	})
	return o.dispatchReady(ctx, workflowID)
}

// failWorkflow transitions workflowID to failed and emits WORKFLOW_FAILED
// (spec.md §7 "Exhaustion" and "Fatal"). A no-op if already terminal.
func (o *Orchestrator) failWorkflow(ctx context.Context, workflowID, reason string) error {
	o.mu.RLock()
	wf, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return errs.ErrWorkflowNotFound
	}

	wf.mu.Lock()
	if wf.state.Status.IsTerminal() {
		wf.mu.Unlock()
		return nil
	}
	wf.state.Status = model.WorkflowFailed
	wf.state.FailureReason = reason
	now := time.Now()
	wf.state.EndedAt = &now
	wf.mu.Unlock()

	o.logger.ErrorWithContext(ctx, "workflow failed", map[string]interface{}{
		"workflow_id": workflowID, "reason": reason,
	})
	telemetry.Counter("orchestrator.workflows_completed", "outcome", "failed")
	event := model.Event{
		EventID: uuid.NewString(), EventType: model.EventWorkflowFailed,
		CorrelationID: workflowID, WorkflowID: workflowID, Timestamp: time.Now(), Source: model.RoleOrchestrator,
		Payload: map[string]interface{}{"reason": reason},
	}
	return o.bus.Publish(ctx, event)
}

// checkTerminal implements spec.md §4.5 step 6: promote and emit
// WORKFLOW_SUCCEEDED once every original (non-branch) task has passed.
func (o *Orchestrator) checkTerminal(ctx context.Context, workflowID string) error {
	o.mu.RLock()
	wf, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return errs.ErrWorkflowNotFound
	}

	wf.mu.Lock()
	allOriginalPassed := true
	for _, t := range wf.state.TodoList.Items {
		if t.BranchParent != "" {
			continue
		}
		if t.Status != model.TaskPassed {
			allOriginalPassed = false
			break
		}
	}
	alreadyTerminal := wf.state.Status.IsTerminal()
	wf.mu.Unlock()

	if alreadyTerminal || !allOriginalPassed {
		return nil
	}

	if err := o.store.Promote(workflowID); err != nil {
		return fmt.Errorf("promoting workflow: %w", err)
	}

	wf.mu.Lock()
	wf.state.Status = model.WorkflowSucceeded
	now := time.Now()
	wf.state.EndedAt = &now
	wf.mu.Unlock()

	telemetry.Counter("orchestrator.workflows_completed", "outcome", "succeeded")
	event := model.Event{
		EventID: uuid.NewString(), EventType: model.EventWorkflowSucceeded,
		CorrelationID: workflowID, WorkflowID: workflowID, Timestamp: time.Now(), Source: model.RoleOrchestrator,
	}
	return o.bus.Publish(ctx, event)
}

// Abort implements spec.md §4.5 Cancellation: publish TASK_CANCELLED for
// every non-terminal task and transition WorkflowState to aborted.
func (o *Orchestrator) Abort(ctx context.Context, workflowID string) error {
	o.mu.RLock()
	wf, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return errs.ErrWorkflowNotFound
	}

	wf.mu.Lock()
	var toCancel []*model.Task
	for _, t := range wf.state.TodoList.Items {
		if !t.Status.IsTerminal() {
			t.Status = model.TaskCancelled
			toCancel = append(toCancel, t)
		}
	}
	wf.state.Status = model.WorkflowAborted
	now := time.Now()
	wf.state.EndedAt = &now
	wf.mu.Unlock()

	sort.Slice(toCancel, func(i, j int) bool { return toCancel[i].ID < toCancel[j].ID })
	for _, t := range toCancel {
		event := model.Event{
			EventID: uuid.NewString(), EventType: model.EventTaskCancelled,
			CorrelationID: workflowID, WorkflowID: workflowID, TaskID: t.ID,
			Timestamp: time.Now(), Source: model.RoleOrchestrator,
		}
		if err := o.bus.Publish(ctx, event); err != nil {
			return err
		}
	}
	telemetry.Counter("orchestrator.workflows_completed", "outcome", "aborted")
	return nil
}

// State returns a snapshot of workflowID's current state, or nil if unknown.
func (o *Orchestrator) State(workflowID string) *model.WorkflowState {
	o.mu.RLock()
	wf, ok := o.workflows[workflowID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	wf.mu.Lock()
	defer wf.mu.Unlock()
	return wf.state
}

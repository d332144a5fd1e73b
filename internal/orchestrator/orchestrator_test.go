package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiqo-ke/algoforge/internal/artifactstore"
	"github.com/chiqo-ke/algoforge/internal/bus"
	"github.com/chiqo-ke/algoforge/internal/model"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, bus.Bus) {
	t.Helper()
	b, err := bus.NewMemoryBus("", nil)
	require.NoError(t, err)
	store, err := artifactstore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	return New(b, store, nil), b
}

func simpleTodoList(workflowID string) *model.TodoList {
	coder := model.NewTask("code-it", "Write the strategy", model.RoleCoder)
	coder.AcceptanceCriteria.Tests = []string{"acceptance_basic"}
	tester := model.NewTask("test-it", "Run acceptance tests", model.RoleTester)
	tester.AcceptanceCriteria.Tests = []string{"acceptance_basic"}
	tester.DependsOn = []string{"code-it"}
	return &model.TodoList{
		TodoListID: "tl-1", WorkflowID: workflowID, WorkflowName: "demo",
		Items: []*model.Task{coder, tester}, CreatedAt: time.Now(),
	}
}

func TestOrchestrator_DispatchesReadyTasksOnTodoListCreated(t *testing.T) {
	orch, b := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.Run(ctx)

	handles, err := b.Subscribe(ctx, []model.EventType{model.EventTaskDispatched}, "coders")
	require.NoError(t, err)

	list := simpleTodoList("wf-1")
	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTodoListCreated,
		WorkflowID: "wf-1", Timestamp: time.Now(),
		Payload: map[string]interface{}{"todo_list": list},
	}))

	select {
	case h := <-handles:
		assert.Equal(t, "code-it", h.Event().TaskID)
		h.Ack(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("expected code-it to be dispatched")
	}
}

func TestOrchestrator_WorkflowSucceedsAfterAllTasksPass(t *testing.T) {
	orch, b := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	succeeded, err := b.Subscribe(ctx, []model.EventType{model.EventWorkflowSucceeded}, "watchers")
	require.NoError(t, err)

	list := simpleTodoList("wf-2")
	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTodoListCreated,
		WorkflowID: "wf-2", Timestamp: time.Now(),
		Payload: map[string]interface{}{"todo_list": list},
	}))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTaskCompleted,
		WorkflowID: "wf-2", TaskID: "code-it", Timestamp: time.Now(),
		Payload: map[string]interface{}{"passed": true},
	}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTaskCompleted,
		WorkflowID: "wf-2", TaskID: "test-it", Timestamp: time.Now(),
		Payload: map[string]interface{}{"passed": true},
	}))

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected WORKFLOW_SUCCEEDED")
	}

	state := orch.State("wf-2")
	require.NotNil(t, state)
	assert.Equal(t, model.WorkflowSucceeded, state.Status)
}

func TestOrchestrator_FailureExhaustionInsertsBranchTodo(t *testing.T) {
	orch, b := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	debuggerHandles, err := b.Subscribe(ctx, []model.EventType{model.EventTaskDispatched}, "debuggers")
	require.NoError(t, err)

	list := simpleTodoList("wf-3")
	list.Items[0].MaxAttempts = 1
	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTodoListCreated,
		WorkflowID: "wf-3", Timestamp: time.Now(),
		Payload: map[string]interface{}{"todo_list": list},
	}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTaskCompleted,
		WorkflowID: "wf-3", TaskID: "code-it", Timestamp: time.Now(),
		Payload: map[string]interface{}{"passed": false},
	}))

	found := false
	for i := 0; i < 50 && !found; i++ {
		select {
		case h := <-debuggerHandles:
			task, ok := h.Event().Payload["task"].(*model.Task)
			if h.Event().WorkflowID == "wf-3" && ok && task.AgentRole == model.RoleDebugger && task.BranchParent == "code-it" {
				found = true
			}
			h.Ack(ctx)
		case <-time.After(100 * time.Millisecond):
		}
	}
	assert.True(t, found, "expected a branch task dispatched to the debugger role")
}

func TestOrchestrator_Abort(t *testing.T) {
	orch, b := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	cancelled, err := b.Subscribe(ctx, []model.EventType{model.EventTaskCancelled}, "watchers")
	require.NoError(t, err)

	list := simpleTodoList("wf-4")
	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTodoListCreated,
		WorkflowID: "wf-4", Timestamp: time.Now(),
		Payload: map[string]interface{}{"todo_list": list},
	}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, orch.Abort(ctx, "wf-4"))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("expected TASK_CANCELLED after abort")
	}

	state := orch.State("wf-4")
	require.NotNil(t, state)
	assert.Equal(t, model.WorkflowAborted, state.Status)
}

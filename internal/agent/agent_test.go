package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiqo-ke/algoforge/internal/artifactstore"
	"github.com/chiqo-ke/algoforge/internal/bus"
	"github.com/chiqo-ke/algoforge/internal/model"
)

func newHarness(t *testing.T, role model.AgentRole, handler Handler) (*Agent, bus.Bus) {
	t.Helper()
	b, err := bus.NewMemoryBus("", nil)
	require.NoError(t, err)
	store, err := artifactstore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.OpenWorkflow("wf-1"))
	a := New(Config{Role: role, Bus: b, Store: store, Handler: handler, WorkerCount: 1, HandlerTimeout: time.Second})
	return a, b
}

func dispatchEvent(workflowID, taskID string, role model.AgentRole, attempt int) model.Event {
	return model.Event{
		EventID: uuid.NewString(), EventType: model.EventTaskDispatched,
		WorkflowID: workflowID, TaskID: taskID, Timestamp: time.Now(), Attempt: attempt,
		Payload: map[string]interface{}{"task": &model.Task{ID: taskID, AgentRole: role}},
	}
}

func TestAgent_SuccessfulHandlerPublishesCompletionWithArtifacts(t *testing.T) {
	handler := func(ctx context.Context, task *model.Task, dispatch model.Event) (Result, error) {
		return Result{Artifacts: []ProducedArtifact{
			{Filename: "strategy.py", Data: []byte("print('hi')"), Kind: model.KindCode},
		}}, nil
	}
	a, b := newHarness(t, model.RoleCoder, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	completions, err := b.Subscribe(ctx, []model.EventType{model.EventTaskCompleted}, "watchers")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, dispatchEvent("wf-1", "task-1", model.RoleCoder, 1)))

	select {
	case h := <-completions:
		ev := h.Event()
		passed, _ := ev.Payload["passed"].(bool)
		assert.True(t, passed)
		ids, _ := ev.Payload["artifact_ids"].([]string)
		assert.Len(t, ids, 1)
		h.Ack(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("expected TASK_COMPLETED")
	}
}

func TestAgent_HandlerErrorPublishesFailedCompletion(t *testing.T) {
	handler := func(ctx context.Context, task *model.Task, dispatch model.Event) (Result, error) {
		return Result{}, errors.New("strategy rejected by provider")
	}
	a, b := newHarness(t, model.RoleCoder, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	completions, err := b.Subscribe(ctx, []model.EventType{model.EventTaskCompleted}, "watchers")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, dispatchEvent("wf-1", "task-2", model.RoleCoder, 1)))

	select {
	case h := <-completions:
		ev := h.Event()
		passed, _ := ev.Payload["passed"].(bool)
		assert.False(t, passed)
		failure, _ := ev.Payload["failure"].(map[string]interface{})
		assert.Equal(t, "strategy rejected by provider", failure["message"])
		h.Ack(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("expected failed TASK_COMPLETED")
	}
}

func TestAgent_HandlerPanicIsRecoveredAsFailure(t *testing.T) {
	handler := func(ctx context.Context, task *model.Task, dispatch model.Event) (Result, error) {
		panic("unexpected nil pointer")
	}
	a, b := newHarness(t, model.RoleCoder, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	completions, err := b.Subscribe(ctx, []model.EventType{model.EventTaskCompleted}, "watchers")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, dispatchEvent("wf-1", "task-3", model.RoleCoder, 1)))

	select {
	case h := <-completions:
		ev := h.Event()
		passed, _ := ev.Payload["passed"].(bool)
		assert.False(t, passed)
		h.Ack(ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("expected failed TASK_COMPLETED after panic recovery")
	}
}

func TestAgent_IgnoresDispatchForOtherRoles(t *testing.T) {
	called := false
	handler := func(ctx context.Context, task *model.Task, dispatch model.Event) (Result, error) {
		called = true
		return Result{}, nil
	}
	a, b := newHarness(t, model.RoleCoder, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.NoError(t, b.Publish(ctx, dispatchEvent("wf-1", "task-4", model.RoleTester, 1)))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, called)
}

func TestAgent_SkipsAlreadyCompletedAttempt(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, task *model.Task, dispatch model.Event) (Result, error) {
		calls++
		return Result{}, nil
	}
	a, b := newHarness(t, model.RoleCoder, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.Publish(ctx, model.Event{
		EventID: uuid.NewString(), EventType: model.EventTaskCompleted,
		WorkflowID: "wf-1", TaskID: "task-5", Timestamp: time.Now(), Attempt: 1,
		Payload: map[string]interface{}{"passed": true},
	}))

	go a.Run(ctx)
	require.NoError(t, b.Publish(ctx, dispatchEvent("wf-1", "task-5", model.RoleCoder, 1)))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, calls)
}

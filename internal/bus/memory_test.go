package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiqo-ke/algoforge/internal/model"
)

func newEvent(workflowID string, et model.EventType) model.Event {
	return model.Event{
		EventID:    uuid.NewString(),
		EventType:  et,
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Attempt:    1,
	}
}

func TestMemoryBus_PublishSubscribeAck(t *testing.T) {
	b, err := NewMemoryBus("", nil)
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handles, err := b.Subscribe(ctx, []model.EventType{model.EventTaskStarted}, "testers")
	require.NoError(t, err)

	event := newEvent("wf-1", model.EventTaskStarted)
	require.NoError(t, b.Publish(context.Background(), event))

	select {
	case h := <-handles:
		assert.Equal(t, event.EventID, h.Event().EventID)
		require.NoError(t, h.Ack(context.Background()))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	health := b.HealthCheck(context.Background())
	require.Len(t, health.Groups, 1)
	assert.Equal(t, int64(0), health.Groups[0].Pending)
}

func TestMemoryBus_RedeliversUnackedAfterVisibilityTimeout(t *testing.T) {
	b, err := NewMemoryBus("", nil)
	require.NoError(t, err)
	defer b.Close()
	b.visibility = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handles, err := b.Subscribe(ctx, []model.EventType{model.EventTaskCompleted}, "coders")
	require.NoError(t, err)

	event := newEvent("wf-2", model.EventTaskCompleted)
	require.NoError(t, b.Publish(context.Background(), event))

	first := <-handles
	assert.Equal(t, event.EventID, first.Event().EventID)
	// deliberately not acked

	select {
	case second := <-handles:
		assert.Equal(t, event.EventID, second.Event().EventID)
		require.NoError(t, second.Ack(context.Background()))
	case <-time.After(2 * time.Second):
		t.Fatal("expected redelivery after visibility timeout")
	}
}

func TestMemoryBus_ReplayFiltersByTimestamp(t *testing.T) {
	b, err := NewMemoryBus("", nil)
	require.NoError(t, err)
	defer b.Close()

	old := newEvent("wf-3", model.EventTaskStarted)
	old.Timestamp = time.Now().Add(-time.Hour)
	require.NoError(t, b.Publish(context.Background(), old))

	recent := newEvent("wf-3", model.EventTaskCompleted)
	require.NoError(t, b.Publish(context.Background(), recent))

	events, err := b.Replay(context.Background(), "wf-3", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.EventID, events[0].EventID)
}

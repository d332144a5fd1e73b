// Package bus implements the Message Bus Contract (spec.md §4.1): a typed
// pub/sub channel keyed by event_type with a secondary key by workflow_id,
// at-least-once delivery, and replay for recovery and audit. Grounded on the
// teacher's core/redis_client.go (DB isolation, namespacing, health check
// idiom) and core/memory_store.go (mutex-guarded in-process store), adapted
// from a generic KV cache to a FIFO-per-workflow event log.
package bus

import (
	"context"
	"time"

	"github.com/chiqo-ke/algoforge/internal/model"
)

// AckHandle lets a consumer acknowledge or negatively-acknowledge (nack, for
// redelivery after a visibility timeout) a single delivered event.
type AckHandle interface {
	Event() model.Event
	Ack(ctx context.Context) error
	Nack(ctx context.Context) error
}

// GroupHealth reports a single consumer group's lag, per spec.md §4.1's
// "health probe returning lag per group" invariant.
type GroupHealth struct {
	Group   string
	Pending int64
	Lag     int64
}

// Health is the bus-wide health snapshot (spec.md §5 Supplemented Features:
// structured health snapshots).
type Health struct {
	Healthy bool
	Groups  []GroupHealth
	Err     string `json:"err,omitempty"`
}

// Bus is the Message Bus Contract's operation surface.
type Bus interface {
	// Publish durably enqueues event, retrying transport errors with
	// exponential backoff (50ms -> 5s cap) for up to 30s before surfacing
	// errs.ErrBusUnavailable. Returns only after durable enqueue.
	Publish(ctx context.Context, event model.Event) error

	// Subscribe yields a channel of AckHandles for the given event types
	// under group, FIFO within a workflow_id. Unacked handles are
	// redelivered after visibility expires. The returned channel is closed
	// when ctx is cancelled.
	Subscribe(ctx context.Context, eventTypes []model.EventType, group string) (<-chan AckHandle, error)

	// Replay returns every event for workflowID with timestamp >= from, in
	// FIFO order, for recovery and audit.
	Replay(ctx context.Context, workflowID string, from time.Time) ([]model.Event, error)

	// HealthCheck returns the bus-wide health snapshot.
	HealthCheck(ctx context.Context) Health

	// Close releases any held resources (connections, goroutines).
	Close() error
}

// DefaultVisibilityTimeout is the spec-mandated default redelivery window
// for an unacked event (spec.md §4.1).
const DefaultVisibilityTimeout = 60 * time.Second

// DefaultRetentionHorizon is the spec-mandated default retention window
// after which an event may be purged even if unacked by every group.
const DefaultRetentionHorizon = 30 * 24 * time.Hour

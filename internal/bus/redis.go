package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
)

// RedisBus durably transports events over Redis Streams, one stream per
// event_type, with consumer groups for competing consumers and XCLAIM-based
// redelivery of unacked entries past the visibility timeout. Grounded on the
// teacher's core/redis_client.go (DB isolation, namespace prefixing,
// connection health-check idiom), generalized from rate-limiting counters to
// a durable event log.
type RedisBus struct {
	client     *redis.Client
	namespace  string
	visibility time.Duration
	logger     logging.Logger
	consumerID string
}

// RedisBusOptions configures a RedisBus.
type RedisBusOptions struct {
	RedisURL   string
	Namespace  string
	Visibility time.Duration
	Logger     logging.Logger
}

// NewRedisBus connects to Redis and returns a RedisBus.
func NewRedisBus(opts RedisBusOptions) (*RedisBus, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Namespace == "" {
		opts.Namespace = "algoforge:bus"
	}
	if opts.Visibility == 0 {
		opts.Visibility = DefaultVisibilityTimeout
	}
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", errs.ErrInvalidConfig)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", errs.ErrInvalidConfig)
	}
	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis bus: %w", errs.ErrConnectionFailed)
	}

	opts.Logger.Info("redis bus connected", map[string]interface{}{"namespace": opts.Namespace})
	return &RedisBus{
		client:     client,
		namespace:  opts.Namespace,
		visibility: opts.Visibility,
		logger:     opts.Logger,
		consumerID: fmt.Sprintf("consumer-%d-%d", time.Now().UnixNano(), rand.Intn(1<<16)),
	}, nil
}

func (b *RedisBus) streamKey(eventType model.EventType) string {
	return fmt.Sprintf("%s:stream:%s", b.namespace, eventType)
}

// Publish implements Bus with bounded exponential-backoff retry (spec.md
// §4.1 failure semantics: 50ms -> 5s cap, up to 30s total before surfacing
// ErrBusUnavailable).
func (b *RedisBus) Publish(ctx context.Context, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	delay := 50 * time.Millisecond
	const maxDelay = 5 * time.Second

	var lastErr error
	for attempt := 0; ; attempt++ {
		if time.Now().After(deadline) {
			b.logger.ErrorWithContext(ctx, "bus publish exhausted retry window", map[string]interface{}{
				"event_type": string(event.EventType), "error": fmt.Sprint(lastErr),
			})
			return errs.ErrBusUnavailable
		}
		err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.streamKey(event.EventType),
			Values: map[string]interface{}{
				"payload":     string(payload),
				"workflow_id": event.WorkflowID,
				"event_id":    event.EventID,
			},
		}).Err()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay = time.Duration(math.Min(float64(delay*2), float64(maxDelay)))
	}
}

func jittered(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

type redisAckHandle struct {
	bus    *RedisBus
	stream string
	group  string
	id     string
	event  model.Event
}

func (h *redisAckHandle) Event() model.Event { return h.event }

func (h *redisAckHandle) Ack(ctx context.Context) error {
	return h.bus.client.XAck(ctx, h.stream, h.group, h.id).Err()
}

func (h *redisAckHandle) Nack(ctx context.Context) error {
	// Leave unacked; XCLAIM will redeliver it to the next consumer once the
	// visibility timeout elapses. Nothing to do here beyond not acking.
	return nil
}

// Subscribe implements Bus over one stream per requested event type, a
// shared consumer group named group on each stream, and a background loop
// that XCLAIMs entries idle past the visibility timeout for redelivery.
func (b *RedisBus) Subscribe(ctx context.Context, eventTypes []model.EventType, group string) (<-chan AckHandle, error) {
	for _, et := range eventTypes {
		stream := b.streamKey(et)
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !isBusyGroupErr(err) {
			return nil, fmt.Errorf("creating consumer group: %w", err)
		}
	}

	out := make(chan AckHandle)
	go func() {
		defer close(out)
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			for _, et := range eventTypes {
				b.deliverNew(ctx, et, group, out)
				b.reclaimStale(ctx, et, group, out)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func (b *RedisBus) deliverNew(ctx context.Context, et model.EventType, group string, out chan<- AckHandle) {
	stream := b.streamKey(et)
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.consumerID,
		Streams:  []string{stream, ">"},
		Count:    10,
		Block:    -1,
	}).Result()
	if err != nil {
		return
	}
	for _, s := range res {
		for _, msg := range s.Messages {
			b.forward(ctx, stream, group, msg, out)
		}
	}
}

func (b *RedisBus) reclaimStale(ctx context.Context, et model.EventType, group string, out chan<- AckHandle) {
	stream := b.streamKey(et)
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  50,
		Idle:   b.visibility,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: b.consumerID,
		MinIdle:  b.visibility,
		Messages: ids,
	}).Result()
	if err != nil {
		return
	}
	for _, msg := range claimed {
		b.forward(ctx, stream, group, msg, out)
	}
}

func (b *RedisBus) forward(ctx context.Context, stream, group string, msg redis.XMessage, out chan<- AckHandle) {
	raw, _ := msg.Values["payload"].(string)
	var event model.Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.WarnWithContext(ctx, "dropping undecodable bus message", map[string]interface{}{"id": msg.ID, "error": err.Error()})
		b.client.XAck(ctx, stream, group, msg.ID)
		return
	}
	select {
	case out <- &redisAckHandle{bus: b, stream: stream, group: group, id: msg.ID, event: event}:
	case <-ctx.Done():
	}
}

// Replay implements Bus by scanning every stream's full history for entries
// belonging to workflowID. Since each event type has its own stream, replay
// fans out and merges, then sorts by timestamp to restore workflow order.
func (b *RedisBus) Replay(ctx context.Context, workflowID string, from time.Time) ([]model.Event, error) {
	var out []model.Event
	keys, err := b.client.Keys(ctx, fmt.Sprintf("%s:stream:*", b.namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing bus streams: %w", err)
	}
	for _, stream := range keys {
		entries, err := b.client.XRange(ctx, stream, "-", "+").Result()
		if err != nil {
			continue
		}
		for _, e := range entries {
			raw, _ := e.Values["payload"].(string)
			var event model.Event
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				continue
			}
			if event.WorkflowID != workflowID || event.Timestamp.Before(from) {
				continue
			}
			out = append(out, event)
		}
	}
	sortEventsByTime(out)
	return out, nil
}

func sortEventsByTime(events []model.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp.Before(events[j-1].Timestamp); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// HealthCheck implements Bus, reporting per-group pending-entry counts
// (spec.md §4.1's "health probe returning lag per group").
func (b *RedisBus) HealthCheck(ctx context.Context) Health {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return Health{Healthy: false, Err: err.Error()}
	}
	health := Health{Healthy: true}
	keys, err := b.client.Keys(ctx, fmt.Sprintf("%s:stream:*", b.namespace)).Result()
	if err != nil {
		return health
	}
	seen := make(map[string]int64)
	for _, stream := range keys {
		groups, err := b.client.XInfoGroups(ctx, stream).Result()
		if err != nil {
			continue
		}
		for _, g := range groups {
			seen[g.Name] += g.Lag
		}
	}
	for name, lag := range seen {
		health.Groups = append(health.Groups, GroupHealth{Group: name, Pending: lag, Lag: lag})
	}
	return health
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

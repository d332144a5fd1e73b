package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
)

type logEntry struct {
	event   model.Event
	acked   map[string]bool // group -> acked
	inFlight map[string]time.Time // group -> visible-again-at
}

// MemoryBus is an in-process implementation of Bus: a single append-only log
// guarded by a mutex, with per-group ack/visibility bookkeeping, matching the
// teacher's mutex-guarded core/memory_store.go idiom generalized from a KV
// cache to an ordered event log. Intended for single-process deployments and
// tests; internal/bus/redis.go is the durable multi-process implementation.
//
// Supplemented per SPEC_FULL.md §5: when NewMemoryBus is given an eventLogPath, every published
// event is additionally appended as a line of JSON to that file so a crashed
// process can be inspected or the log reloaded for replay across restarts.
type MemoryBus struct {
	mu        sync.Mutex
	byWorkflow map[string][]*logEntry
	all       []*logEntry
	groups    map[string]bool
	visibility time.Duration
	logger    logging.Logger

	logFile *os.File

	closed bool
	notify chan struct{}
}

// NewMemoryBus constructs a MemoryBus. eventLogPath, if non-empty, enables
// the append-only file mirror described above.
func NewMemoryBus(eventLogPath string, logger logging.Logger) (*MemoryBus, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	b := &MemoryBus{
		byWorkflow: make(map[string][]*logEntry),
		groups:     make(map[string]bool),
		visibility: DefaultVisibilityTimeout,
		logger:     logger,
		notify:     make(chan struct{}),
	}
	if eventLogPath != "" {
		f, err := os.OpenFile(eventLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening event log file %s: %w", eventLogPath, err)
		}
		b.logFile = f
	}
	return b, nil
}

func (b *MemoryBus) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Publish implements Bus.
func (b *MemoryBus) Publish(ctx context.Context, event model.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.ErrBusUnavailable
	}
	entry := &logEntry{event: event, acked: make(map[string]bool), inFlight: make(map[string]time.Time)}
	b.all = append(b.all, entry)
	b.byWorkflow[event.WorkflowID] = append(b.byWorkflow[event.WorkflowID], entry)
	b.wake()
	b.mu.Unlock()

	if b.logFile != nil {
		line, err := json.Marshal(event)
		if err == nil {
			line = append(line, '\n')
			if _, werr := b.logFile.Write(line); werr != nil {
				b.logger.Warn("event log file append failed", map[string]interface{}{"error": werr.Error()})
			}
		}
	}

	b.logger.Debug("event published", map[string]interface{}{
		"event_type":  string(event.EventType),
		"workflow_id": event.WorkflowID,
		"event_id":    event.EventID,
	})
	return nil
}

type memoryAckHandle struct {
	bus   *MemoryBus
	group string
	entry *logEntry
}

func (h *memoryAckHandle) Event() model.Event { return h.entry.event }

func (h *memoryAckHandle) Ack(ctx context.Context) error {
	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	h.entry.acked[h.group] = true
	delete(h.entry.inFlight, h.group)
	return nil
}

func (h *memoryAckHandle) Nack(ctx context.Context) error {
	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	delete(h.entry.inFlight, h.group)
	h.bus.wake()
	return nil
}

// Subscribe implements Bus. One dispatcher goroutine per call scans the
// per-workflow queues in round-robin, delivering the oldest undelivered (or
// visibility-expired) event matching eventTypes for group, preserving FIFO
// order within each workflow_id.
func (b *MemoryBus) Subscribe(ctx context.Context, eventTypes []model.EventType, group string) (<-chan AckHandle, error) {
	b.mu.Lock()
	b.groups[group] = true
	b.mu.Unlock()

	wanted := make(map[model.EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}

	out := make(chan AckHandle)
	go func() {
		defer close(out)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			b.mu.Lock()
			notify := b.notify
			var deliverable []*logEntry
			now := time.Now()
			for _, wfQueue := range b.byWorkflow {
				for _, entry := range wfQueue {
					if !wanted[entry.event.EventType] {
						continue
					}
					if entry.acked[group] {
						continue
					}
					if until, ok := entry.inFlight[group]; ok && until.After(now) {
						break
					}
					deliverable = append(deliverable, entry)
					break // one in-flight event per workflow at a time preserves FIFO
				}
			}
			for _, entry := range deliverable {
				entry.inFlight[group] = now.Add(b.visibility)
			}
			b.mu.Unlock()

			for _, entry := range deliverable {
				select {
				case out <- &memoryAckHandle{bus: b, group: group, entry: entry}:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-notify:
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Replay implements Bus.
func (b *MemoryBus) Replay(ctx context.Context, workflowID string, from time.Time) ([]model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Event
	for _, entry := range b.byWorkflow[workflowID] {
		if entry.event.Timestamp.Before(from) {
			continue
		}
		out = append(out, entry.event)
	}
	return out, nil
}

// HealthCheck implements Bus.
func (b *MemoryBus) HealthCheck(ctx context.Context) Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	health := Health{Healthy: !b.closed}
	for group := range b.groups {
		var pending int64
		for _, entry := range b.all {
			if !entry.acked[group] {
				pending++
			}
		}
		health.Groups = append(health.Groups, GroupHealth{Group: group, Pending: pending, Lag: pending})
	}
	return health
}

// Close implements Bus.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.wake()
	if b.logFile != nil {
		return b.logFile.Close()
	}
	return nil
}

// LoadEventLogFile replays a previously written event-log-file mirror back
// into a fresh MemoryBus, for crash recovery in single-process deployments.
func LoadEventLogFile(path string, logger logging.Logger) (*MemoryBus, error) {
	b, err := NewMemoryBus("", logger)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event model.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		entry := &logEntry{event: event, acked: make(map[string]bool), inFlight: make(map[string]time.Time)}
		b.all = append(b.all, entry)
		b.byWorkflow[event.WorkflowID] = append(b.byWorkflow[event.WorkflowID], entry)
	}
	return b, scanner.Err()
}

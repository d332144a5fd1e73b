package naming

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chiqo-ke/algoforge/internal/logging"
)

// Entry is one generated filename's full indexed record.
type Entry struct {
	Filename    string    `json:"filename"`
	WorkflowID  string    `json:"workflow_id"`
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Ext         string    `json:"ext"`
}

// Registry provides the indexed queries spec.md §4.7 requires: by workflow,
// by task, by date range, by description words, latest-per-task.
type Registry interface {
	Record(ctx context.Context, e Entry) error
	ByWorkflow(ctx context.Context, workflowID string) ([]Entry, error)
	ByTask(ctx context.Context, taskID string) ([]Entry, error)
	ByDateRange(ctx context.Context, from, to time.Time) ([]Entry, error)
	ByDescriptionWords(ctx context.Context, words ...string) ([]Entry, error)
	LatestPerTask(ctx context.Context, taskID string) (*Entry, error)
}

// MemoryRegistry is an in-process Registry, grounded on the same
// mutex-guarded map idiom as internal/bus.MemoryBus.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry // filename -> entry
}

// NewMemoryRegistry constructs an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Entry)}
}

func (m *MemoryRegistry) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Filename] = e
	return nil
}

func (m *MemoryRegistry) all() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *MemoryRegistry) ByWorkflow(_ context.Context, workflowID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.all() {
		if e.WorkflowID == workflowID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) ByTask(_ context.Context, taskID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.all() {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) ByDateRange(_ context.Context, from, to time.Time) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.all() {
		if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) ByDescriptionWords(_ context.Context, words ...string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.all() {
		if containsAllWords(e.Description, words) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRegistry) LatestPerTask(_ context.Context, taskID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Entry
	for _, e := range m.entries {
		if e.TaskID != taskID {
			continue
		}
		e := e
		if latest == nil || e.Timestamp.After(latest.Timestamp) {
			latest = &e
		}
	}
	return latest, nil
}

func containsAllWords(description string, words []string) bool {
	fields := strings.Split(description, "_")
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f] = true
	}
	for _, w := range words {
		if !present[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

// RedisRegistry is a Redis-backed Registry, following the teacher's
// core/redis_registry.go namespaced-index-set idiom: one canonical hash per
// record plus sorted/plain sets per index dimension.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	logger    logging.Logger
}

// RedisRegistryOptions configures a RedisRegistry.
type RedisRegistryOptions struct {
	RedisURL  string
	Namespace string
	Logger    logging.Logger
}

// NewRedisRegistry connects to Redis and verifies reachability.
func NewRedisRegistry(ctx context.Context, opts RedisRegistryOptions) (*RedisRegistry, error) {
	if opts.Namespace == "" {
		opts.Namespace = "algoforge"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	parsed, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("naming: invalid redis url: %w", err)
	}
	client := redis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("naming: connecting to redis: %w", err)
	}
	return &RedisRegistry{client: client, namespace: opts.Namespace, logger: logger}, nil
}

func (r *RedisRegistry) recordKey(filename string) string { return fmt.Sprintf("%s:files:%s", r.namespace, filename) }
func (r *RedisRegistry) workflowKey(id string) string      { return fmt.Sprintf("%s:by_workflow:%s", r.namespace, id) }
func (r *RedisRegistry) taskKey(id string) string          { return fmt.Sprintf("%s:by_task:%s", r.namespace, id) }
func (r *RedisRegistry) wordKey(word string) string        { return fmt.Sprintf("%s:word:%s", r.namespace, word) }
func (r *RedisRegistry) allKey() string                    { return r.namespace + ":all" }

// Record stores e's JSON body and updates every index atomically in one
// TxPipeline.
func (r *RedisRegistry) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("naming: marshal entry: %w", err)
	}
	score := float64(e.Timestamp.Unix())

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.recordKey(e.Filename), data, 0)
	pipe.ZAdd(ctx, r.workflowKey(e.WorkflowID), &redis.Z{Score: score, Member: e.Filename})
	pipe.ZAdd(ctx, r.taskKey(e.TaskID), &redis.Z{Score: score, Member: e.Filename})
	pipe.ZAdd(ctx, r.allKey(), &redis.Z{Score: score, Member: e.Filename})
	for _, w := range strings.Split(e.Description, "_") {
		if w == "" {
			continue
		}
		pipe.SAdd(ctx, r.wordKey(w), e.Filename)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.ErrorWithContext(ctx, "naming: failed to record entry", map[string]interface{}{
			"filename": e.Filename, "error": err.Error(),
		})
		return fmt.Errorf("naming: recording entry: %w", err)
	}
	return nil
}

func (r *RedisRegistry) fetchAll(ctx context.Context, filenames []string) ([]Entry, error) {
	out := make([]Entry, 0, len(filenames))
	for _, fn := range filenames {
		data, err := r.client.Get(ctx, r.recordKey(fn)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("naming: fetching %s: %w", fn, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("naming: unmarshalling %s: %w", fn, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisRegistry) ByWorkflow(ctx context.Context, workflowID string) ([]Entry, error) {
	filenames, err := r.client.ZRange(ctx, r.workflowKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("naming: by_workflow: %w", err)
	}
	return r.fetchAll(ctx, filenames)
}

func (r *RedisRegistry) ByTask(ctx context.Context, taskID string) ([]Entry, error) {
	filenames, err := r.client.ZRange(ctx, r.taskKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("naming: by_task: %w", err)
	}
	return r.fetchAll(ctx, filenames)
}

func (r *RedisRegistry) ByDateRange(ctx context.Context, from, to time.Time) ([]Entry, error) {
	filenames, err := r.client.ZRangeByScore(ctx, r.allKey(), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.Unix()),
		Max: fmt.Sprintf("%d", to.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("naming: by_date_range: %w", err)
	}
	return r.fetchAll(ctx, filenames)
}

func (r *RedisRegistry) ByDescriptionWords(ctx context.Context, words ...string) ([]Entry, error) {
	if len(words) == 0 {
		return nil, nil
	}
	keys := make([]string, len(words))
	for i, w := range words {
		keys[i] = r.wordKey(strings.ToLower(w))
	}
	filenames, err := r.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("naming: by_description_words: %w", err)
	}
	return r.fetchAll(ctx, filenames)
}

func (r *RedisRegistry) LatestPerTask(ctx context.Context, taskID string) (*Entry, error) {
	filenames, err := r.client.ZRevRangeByScore(ctx, r.taskKey(taskID), &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: 1}).Result()
	if err != nil {
		return nil, fmt.Errorf("naming: latest_per_task: %w", err)
	}
	if len(filenames) == 0 {
		return nil, nil
	}
	entries, err := r.fetchAll(ctx, filenames)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// Close releases the underlying Redis client.
func (r *RedisRegistry) Close() error { return r.client.Close() }

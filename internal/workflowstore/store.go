// Package workflowstore persists TodoList JSON files and the orchestrator's
// last-known WorkflowState snapshot under WORKSPACE_ROOT (spec.md §6
// "Persisted state": a directory of TodoList JSON files keyed by
// workflow_id). Grounded on the teacher's config.LoadFromFile idiom: plain
// file I/O, missing-file is a normal "not found" rather than a panic.
package workflowstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chiqo-ke/algoforge/internal/model"
)

// ErrNotFound is returned when a workflow_id has no persisted TodoList.
var ErrNotFound = errors.New("workflowstore: workflow not found")

// Store reads and writes per-workflow JSON files under a root directory.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workflowstore: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) todoPath(workflowID string) string {
	return filepath.Join(s.dir, workflowID+".todolist.json")
}

func (s *Store) statePath(workflowID string) string {
	return filepath.Join(s.dir, workflowID+".state.json")
}

func (s *Store) abortMarkerPath(workflowID string) string {
	return filepath.Join(s.dir, workflowID+".abort_requested")
}

// RequestAbort marks workflowID for cancellation. A running `execute` polls
// AbortRequested and calls the live Orchestrator's Abort once it sees it —
// the only way a separate `abort` CLI invocation can reach a single-process,
// in-memory-bus deployment that has no other side channel to it.
func (s *Store) RequestAbort(workflowID string) error {
	return os.WriteFile(s.abortMarkerPath(workflowID), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// AbortRequested reports whether RequestAbort has been called for
// workflowID and not yet cleared.
func (s *Store) AbortRequested(workflowID string) bool {
	_, err := os.Stat(s.abortMarkerPath(workflowID))
	return err == nil
}

// ClearAbort removes the abort marker once it has been acted on.
func (s *Store) ClearAbort(workflowID string) error {
	err := os.Remove(s.abortMarkerPath(workflowID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveTodoList writes list's canonical JSON form (spec.md §6).
func (s *Store) SaveTodoList(list *model.TodoList) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("workflowstore: marshal todo list: %w", err)
	}
	return os.WriteFile(s.todoPath(list.WorkflowID), data, 0o644)
}

// LoadTodoList reads a previously saved TodoList by workflow_id.
func (s *Store) LoadTodoList(workflowID string) (*model.TodoList, error) {
	data, err := os.ReadFile(s.todoPath(workflowID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflowstore: read todo list: %w", err)
	}
	var list model.TodoList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("workflowstore: unmarshal todo list: %w", err)
	}
	return &list, nil
}

// SaveState persists the orchestrator's last-known WorkflowState so `status`
// can report it from a separate CLI invocation without a live orchestrator.
func (s *Store) SaveState(state *model.WorkflowState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("workflowstore: marshal state: %w", err)
	}
	return os.WriteFile(s.statePath(state.WorkflowID), data, 0o644)
}

// LoadState reads the last-known WorkflowState snapshot, or ErrNotFound if
// the workflow has never run to a checkpoint.
func (s *Store) LoadState(workflowID string) (*model.WorkflowState, error) {
	data, err := os.ReadFile(s.statePath(workflowID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("workflowstore: read state: %w", err)
	}
	var state model.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("workflowstore: unmarshal state: %w", err)
	}
	return &state, nil
}

// List enumerates every known workflow_id in ascending lexicographic order.
// This is not creation order for uuid ids; LoadState's StartedAt gives
// recency.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: listing %s: %w", s.dir, err)
	}
	var ids []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".todolist.json") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".todolist.json"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

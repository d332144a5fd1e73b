package model

import "time"

// TaskStatus is the lifecycle state of a Task (spec.md §3 Task).
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDispatched  TaskStatus = "dispatched"
	TaskInProgress  TaskStatus = "in_progress"
	TaskPassed      TaskStatus = "passed"
	TaskFailed      TaskStatus = "failed"
	TaskSkipped     TaskStatus = "skipped"
	TaskCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal status for the task itself
// (note: TaskFailed is not terminal at the workflow level while branch
// remediation is still possible — see internal/orchestrator).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskPassed || s == TaskCancelled || s == TaskSkipped
}

// AcceptanceCriteria names the tests and optional schema a task's output
// must satisfy (spec.md §3 Task, §6 TodoList file).
type AcceptanceCriteria struct {
	Tests  []string               `json:"tests" yaml:"tests"`
	Schema map[string]interface{} `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Task is a unit of work owned exclusively by the Orchestrator (spec.md §3).
type Task struct {
	ID                 string              `json:"id"`
	Title              string              `json:"title"`
	Description        string              `json:"description"`
	AgentRole          AgentRole           `json:"agent_role"`
	Priority           int                 `json:"priority"`
	DependsOn          []string            `json:"depends_on"`
	AcceptanceCriteria AcceptanceCriteria  `json:"acceptance_criteria"`
	Status             TaskStatus          `json:"status"`
	Attempts           int                 `json:"attempts"`
	MaxAttempts        int                 `json:"max_attempts"`
	BranchParent       string              `json:"branch_parent,omitempty"`
}

// NewTask fills in the spec-mandated default of MaxAttempts=3.
func NewTask(id, title string, role AgentRole) *Task {
	return &Task{
		ID:          id,
		Title:       title,
		AgentRole:   role,
		Status:      TaskPending,
		MaxAttempts: 3,
	}
}

// TodoList is the plan driving a workflow (spec.md §3 TodoList).
type TodoList struct {
	TodoListID   string    `json:"todo_list_id"`
	WorkflowID   string    `json:"workflow_id"`
	WorkflowName string    `json:"workflow_name"`
	Items        []*Task   `json:"items"`
	CreatedAt    time.Time `json:"created_at"`
	Version      int       `json:"version"`
}

// TaskByID finds a task by id, or nil.
func (l *TodoList) TaskByID(id string) *Task {
	for _, t := range l.Items {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Contract is the executable specification a coder must satisfy (spec.md §3).
type Contract struct {
	ContractID      string       `json:"contract_id"`
	TaskID          string       `json:"task_id"`
	Interfaces      []Interface  `json:"interfaces"`
	Fixtures        []string     `json:"fixtures"`
	AcceptanceTests []string     `json:"acceptance_tests"`
}

// Interface describes one function signature a coder's artifact must expose.
type Interface struct {
	Name       string                 `json:"name"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`
}

package model

import "time"

// WorkflowStatus is WorkflowState's monotone-toward-terminal status
// (spec.md §3 WorkflowState invariant).
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowAborted   WorkflowStatus = "aborted"
)

// IsTerminal reports whether s can never transition further.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowSucceeded || s == WorkflowFailed || s == WorkflowAborted
}

// TaskState is the orchestrator's per-task bookkeeping inside WorkflowState.
type TaskState struct {
	Status   TaskStatus `json:"status"`
	Attempts int        `json:"attempts"`
}

// WorkflowState is the Orchestrator's sole authoritative record (spec.md §3).
type WorkflowState struct {
	WorkflowID    string                `json:"workflow_id"`
	Status        WorkflowStatus        `json:"status"`
	TodoList      *TodoList             `json:"todo_list"`
	TaskStates    map[string]*TaskState `json:"task_states"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       *time.Time            `json:"ended_at,omitempty"`
	GitBranchName string                `json:"git_branch_name"`
	FailureReason string                `json:"failure_reason,omitempty"`
}

// NewWorkflowState initializes task_states from the todo list's items.
func NewWorkflowState(list *TodoList) *WorkflowState {
	states := make(map[string]*TaskState, len(list.Items))
	for _, t := range list.Items {
		states[t.ID] = &TaskState{Status: t.Status, Attempts: t.Attempts}
	}
	return &WorkflowState{
		WorkflowID:    list.WorkflowID,
		Status:        WorkflowRunning,
		TodoList:      list,
		TaskStates:    states,
		StartedAt:     time.Now(),
		GitBranchName: "ai/generated/" + list.WorkflowID,
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/workflowstore"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <workflow_id>",
		Short: "Print a workflow's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return cmdExit(cmd, exitInvalidInput, err)
			}
			svc, err := openServices(cfg)
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}
			defer svc.Close()

			list, listErr := svc.workflows.LoadTodoList(workflowID)
			if listErr == workflowstore.ErrNotFound {
				return cmdExit(cmd, exitWorkflowFailed, fmt.Errorf("unknown workflow %s", workflowID))
			}
			if listErr != nil {
				return cmdExit(cmd, exitInfraUnavailable, listErr)
			}

			state, stateErr := svc.workflows.LoadState(workflowID)
			if stateErr == workflowstore.ErrNotFound {
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: submitted, not yet executed (%d tasks)\n", workflowID, len(list.Items))
				return nil
			}
			if stateErr != nil {
				return cmdExit(cmd, exitInfraUnavailable, stateErr)
			}

			printWorkflowState(cmd, state)
			if state.Status == model.WorkflowFailed {
				return cmdExit(cmd, exitWorkflowFailed, fmt.Errorf("workflow %s failed", workflowID))
			}
			return nil
		},
	}
	return cmd
}

// printWorkflowState renders the summary spec.md §7 "User-visible behavior"
// requires: current WorkflowState plus, on failure, the failure reason.
func printWorkflowState(cmd *cobra.Command, state *model.WorkflowState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow_id:  %s\n", state.WorkflowID)
	fmt.Fprintf(out, "status:       %s\n", state.Status)
	fmt.Fprintf(out, "started_at:   %s\n", state.StartedAt.Format("2006-01-02T15:04:05Z07:00"))
	if state.EndedAt != nil {
		fmt.Fprintf(out, "ended_at:     %s\n", state.EndedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Fprintf(out, "git_branch:   %s\n", state.GitBranchName)
	if state.FailureReason != "" {
		fmt.Fprintf(out, "failure:      %s\n", state.FailureReason)
	}
	fmt.Fprintln(out, "tasks:")
	for _, t := range state.TodoList.Items {
		ts := state.TaskStates[t.ID]
		status := t.Status
		attempts := t.Attempts
		if ts != nil {
			status, attempts = ts.Status, ts.Attempts
		}
		fmt.Fprintf(out, "  %-28s %-12s role=%-10s attempts=%d\n", t.ID, status, t.AgentRole, attempts)
	}
}

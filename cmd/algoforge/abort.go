package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/workflowstore"
)

func newAbortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort <workflow_id>",
		Short: "Request cancellation of a workflow",
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

			if _, err := svc.workflows.LoadTodoList(workflowID); err == workflowstore.ErrNotFound {
				return cmdExit(cmd, exitWorkflowFailed, fmt.Errorf("unknown workflow %s", workflowID))
			} else if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			// Marks the workflow for cancellation; a running `execute`
			// process polls for this and calls Orchestrator.Abort itself,
			// since an in-memory single-process bus gives a separate CLI
			// invocation no other way to reach the live WorkflowState
			// (spec.md §6 "if absent, in-memory bus for single-process
			// mode").
			if err := svc.workflows.RequestAbort(workflowID); err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "abort requested for %s\n", workflowID)
			return nil
		},
	}
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/agent"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/orchestrator"
	"github.com/chiqo-ke/algoforge/internal/workflowstore"
)

// pollInterval is how often execute checks for workflow termination and a
// pending abort request. It is not a spec-mandated value; it only bounds how
// promptly the CLI notices state changes in the single-process deployment.
const pollInterval = 200 * time.Millisecond

func newExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <workflow_id>",
		Short: "Run the dispatch loop for a submitted workflow until it reaches a terminal state",
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

			list, err := svc.workflows.LoadTodoList(workflowID)
			if err == workflowstore.ErrNotFound {
				return cmdExit(cmd, exitInvalidInput, fmt.Errorf("unknown workflow %s", workflowID))
			}
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch := orchestrator.New(svc.bus, svc.store, svc.logger)
			agents := []*agent.Agent{
				agent.New(agent.Config{Role: model.RoleCoder, Bus: svc.bus, Store: svc.store, Handler: newCoderHandler(), Logger: svc.logger}),
				agent.New(agent.Config{Role: model.RoleTester, Bus: svc.bus, Store: svc.store, Handler: newTesterHandler(svc.store), Logger: svc.logger}),
				agent.New(agent.Config{Role: model.RoleDebugger, Bus: svc.bus, Store: svc.store, Handler: newDebuggerHandler(), Logger: svc.logger}),
			}

			runCtx, cancelRun := context.WithCancel(ctx)
			defer cancelRun()
			go orch.Run(runCtx)
			for _, a := range agents {
				go a.Run(runCtx)
			}

			if err := svc.bus.Publish(ctx, model.Event{
				EventID: uuid.NewString(), EventType: model.EventTodoListCreated,
				CorrelationID: workflowID, WorkflowID: workflowID, Timestamp: time.Now(),
				Source: model.RoleOrchestrator, Payload: map[string]interface{}{"todo_list": list},
			}); err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			state, err := waitForTerminal(ctx, svc, orch, workflowID)
			cancelRun()
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			if saveErr := svc.workflows.SaveState(state); saveErr != nil {
				svc.logger.Warn("failed to persist final workflow state", map[string]interface{}{"error": saveErr.Error()})
			}
			_ = svc.workflows.ClearAbort(workflowID)

			printWorkflowState(cmd, state)
			switch state.Status {
			case model.WorkflowSucceeded, model.WorkflowAborted:
				return nil
			case model.WorkflowFailed:
				return cmdExit(cmd, exitWorkflowFailed, fmt.Errorf("workflow %s failed: %s", workflowID, state.FailureReason))
			default:
				return cmdExit(cmd, exitInfraUnavailable, fmt.Errorf("execution interrupted while workflow %s was still running", workflowID))
			}
		},
	}
	return cmd
}

// waitForTerminal polls the live Orchestrator until workflowID reaches a
// terminal WorkflowStatus, ctx is cancelled, or a separate `abort` CLI
// invocation has left its marker for this workflow.
func waitForTerminal(ctx context.Context, svc *services, orch *orchestrator.Orchestrator, workflowID string) (*model.WorkflowState, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if state := orch.State(workflowID); state != nil && state.Status.IsTerminal() {
			return state, nil
		}
		if svc.workflows.AbortRequested(workflowID) {
			if err := orch.Abort(ctx, workflowID); err != nil {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			if state := orch.State(workflowID); state != nil {
				if err := orch.Abort(context.Background(), workflowID); err == nil {
					return orch.State(workflowID), nil
				}
				return state, nil
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

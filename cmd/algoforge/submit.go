package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/naming"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <request>",
		Short: "Submit a free-text strategy request and print the new workflow_id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request := args[0]
			if len(request) == 0 {
				return cmdExit(cmd, exitInvalidInput, fmt.Errorf("request must not be empty"))
			}

			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return cmdExit(cmd, exitInvalidInput, err)
			}
			svc, err := openServices(cfg)
			if err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}
			defer svc.Close()

			list := synthesizeTodoList(request)
			if err := validateSubmission(list); err != nil {
				return cmdExit(cmd, exitInvalidInput, err)
			}

			if err := svc.workflows.SaveTodoList(list); err != nil {
				return cmdExit(cmd, exitInfraUnavailable, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), list.WorkflowID)
			return nil
		},
	}
	return cmd
}

// synthesizeTodoList builds the minimal two-task decomposition (coder then
// tester) a planner+architect agent pair would ordinarily produce from an
// LLM-driven reading of request. This CLI path exists so `submit` can accept
// work without a running planner agent; see DESIGN.md for the trade-off.
func synthesizeTodoList(request string) *model.TodoList {
	workflowID := uuid.NewString()
	desc := naming.SnakeCase(request)
	if desc == "" {
		desc = "strategy"
	}

	coder := model.NewTask("implement-strategy", "Implement: "+request, model.RoleCoder)
	coder.Description = request
	coder.AcceptanceCriteria.Tests = []string{desc + "_acceptance"}

	tester := model.NewTask("test-strategy", "Run acceptance tests for: "+request, model.RoleTester)
	tester.Description = "Execute the sandboxed acceptance suite against the generated strategy."
	tester.DependsOn = []string{coder.ID}
	tester.AcceptanceCriteria.Tests = coder.AcceptanceCriteria.Tests

	return &model.TodoList{
		TodoListID:   uuid.NewString(),
		WorkflowID:   workflowID,
		WorkflowName: desc,
		Items:        []*model.Task{coder, tester},
		CreatedAt:    time.Now(),
	}
}

func validateSubmission(list *model.TodoList) error {
	if len(list.Items) == 0 {
		return fmt.Errorf("todo list has no items")
	}
	seen := make(map[string]bool, len(list.Items))
	for _, t := range list.Items {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// cmdExit wraps err (if any) in an exitError carrying the process exit code
// spec.md §7 mandates for that outcome, so main can report it precisely
// (cobra itself only distinguishes "no error" from "error").
func cmdExit(cmd *cobra.Command, code int, err error) error {
	if err == nil {
		return nil
	}
	fmt.Fprintln(cmd.ErrOrStderr(), err)
	return &exitError{code: code, err: err}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chiqo-ke/algoforge/internal/agent"
	"github.com/chiqo-ke/algoforge/internal/artifactstore"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/naming"
	"github.com/chiqo-ke/algoforge/internal/sandbox"
)

// newCoderHandler is the single-process deployment's stand-in for the
// LLM-backed coder agent: it produces a deterministic strategy skeleton from
// the task description so `execute` can drive a workflow end to end without
// a configured LLM Router. A real deployment replaces this with a Handler
// that calls internal/router.Router (see DESIGN.md).
func newCoderHandler() agent.Handler {
	return func(ctx context.Context, task *model.Task, dispatch model.Event) (agent.Result, error) {
		code := fmt.Sprintf(`"""Strategy generated for task %s.

%s
"""

def entry_signal(candles):
    return candles[-1]["close"] > candles[-2]["close"]


def exit_signal(candles):
    return candles[-1]["close"] < candles[-2]["close"]
`, task.ID, task.Description)

		filename := "codes/" + naming.Generate(time.Now(), dispatch.WorkflowID, task.ID, task.Title, "py")
		return agent.Result{
			Artifacts: []agent.ProducedArtifact{
				{Filename: filename, Data: []byte(code), Kind: model.KindCode},
			},
		}, nil
	}
}

// newTesterHandler runs the most recently produced strategy artifact through
// the sandbox (spec.md §4.4). It fails the task (TASK_COMPLETED
// passed=false) both on infra unavailability and on a genuine test failure,
// matching the Agent Framework's single error-channel model
// (internal/agent.Agent.invoke).
func newTesterHandler(store *artifactstore.Store) agent.Handler {
	return func(ctx context.Context, task *model.Task, dispatch model.Event) (agent.Result, error) {
		strategyFile, code, err := latestCodeArtifact(store, dispatch.WorkflowID)
		if err != nil {
			return agent.Result{}, fmt.Errorf("locating strategy artifact to test: %w", err)
		}

		box, err := sandbox.New(nil)
		if err != nil {
			return agent.Result{}, fmt.Errorf("starting sandbox: %w", err)
		}

		contract := &model.Contract{
			TaskID:          task.ID,
			AcceptanceTests: task.AcceptanceCriteria.Tests,
		}
		verdict, err := box.Execute(ctx, sandbox.Run{
			Image:    "algoforge/strategy-runner:latest",
			Code:     map[string][]byte{strategyFile: code},
			Contract: contract,
			Limits:   sandbox.DefaultLimits(),
		})
		if err != nil {
			return agent.Result{}, fmt.Errorf("sandbox execution: %w", err)
		}
		if !verdict.Passed {
			return agent.Result{}, fmt.Errorf("acceptance tests failed: %s", verdict.FailureTag)
		}

		report, _ := json.Marshal(verdict.Metrics)
		var artifacts []agent.ProducedArtifact
		for name, data := range verdict.Artifacts {
			artifacts = append(artifacts, agent.ProducedArtifact{
				Filename: "artifacts/" + dispatch.WorkflowID + "/" + name, Data: data, Kind: model.KindReport,
			})
		}
		return agent.Result{
			Artifacts: artifacts,
			Payload:   map[string]interface{}{"metrics": json.RawMessage(report)},
		}, nil
	}
}

// newDebuggerHandler runs for branch-todo tasks the orchestrator inserts
// after a task exhausts its attempts (spec.md §4.5 step 4). This harness's
// debugger simply re-emits the coder's generation once more; a production
// debugger would inspect the failing artifacts and patch them.
func newDebuggerHandler() agent.Handler {
	return newCoderHandler()
}

// latestCodeArtifact finds the most recently produced codes/ artifact on
// workflowID's branch, relying on naming.Generate's timestamp-first filename
// shape so lexicographic order matches creation order.
func latestCodeArtifact(store *artifactstore.Store, workflowID string) (string, []byte, error) {
	names, err := store.List(workflowID)
	if err != nil {
		return "", nil, err
	}
	var candidates []string
	for _, n := range names {
		if strings.HasPrefix(n, "codes/") {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("no strategy artifact found for workflow %s", workflowID)
	}
	sort.Strings(candidates)
	latest := candidates[len(candidates)-1]
	data, err := store.Read(workflowID, latest)
	if err != nil {
		return "", nil, err
	}
	return latest, data, nil
}

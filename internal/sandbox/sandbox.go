// Package sandbox implements the Sandboxed Tester (spec.md §4.4): hermetic,
// network-isolated execution of a task's acceptance tests with resource
// caps, secret scanning, and a determinism re-run check. Grounded on the
// teacher's resilience/retry.go for the infra-failure retry policy and
// built on github.com/docker/docker's client package, the only container
// runtime SDK present in the example corpus.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/chiqo-ke/algoforge/internal/errs"
	"github.com/chiqo-ke/algoforge/internal/fixtures"
	"github.com/chiqo-ke/algoforge/internal/logging"
	"github.com/chiqo-ke/algoforge/internal/model"
	"github.com/chiqo-ke/algoforge/internal/resilience"
)

// Limits configures one execution's resource caps (spec.md §4.4 step 2).
type Limits struct {
	MemoryBytes int64
	CPUCores    float64
	Timeout     time.Duration
}

// DefaultLimits returns the spec-mandated defaults.
func DefaultLimits() Limits {
	return Limits{MemoryBytes: 1 << 30, CPUCores: 0.5, Timeout: 300 * time.Second}
}

// Verdict is the sandbox's result for one task run.
type Verdict struct {
	Passed       bool
	FailureTag   string
	SnapshotID   string
	Metrics      Metrics
	Artifacts    map[string][]byte // filename -> bytes, for the orchestrator/artifact store to persist
}

// Metrics are the acceptance-test metrics parsed from test_report.json
// (spec.md §4.4 verdict mapping).
type Metrics struct {
	WinRate     float64 `json:"win_rate"`
	TotalTrades int     `json:"total_trades"`
	Sharpe      float64 `json:"sharpe"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// Run materializes a workspace from code and fixtures, executes the
// acceptance test suite in an isolated container, validates required
// artifacts, scans for secrets, and performs a determinism re-run.
type Run struct {
	Image        string
	Code         map[string][]byte // filename -> bytes, the coder's artifacts under test
	Contract     *model.Contract
	Limits       Limits
	SecretRegexes []string
}

// Sandbox executes Runs via the docker engine API.
type Sandbox struct {
	docker *client.Client
	logger logging.Logger
}

// New connects to the local docker daemon (respecting DOCKER_HOST etc. via
// client.FromEnv, matching the teacher's environment-driven configuration
// idiom elsewhere in the codebase).
func New(logger logging.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTesterUnavailable, err)
	}
	return &Sandbox{docker: cli, logger: logger}, nil
}

// Execute runs the full execution contract (spec.md §4.4 steps 1-6):
// materialize and run once, validate and scan the outputs, then (only if
// that first pass fully passed) re-run for the determinism check.
// Sandbox infrastructure failures (container runtime unreachable, upload or
// collection errors) are retried up to 2 times with a fixed 2s delay before
// surfacing ErrTesterUnavailable, distinct from a strategy bug which
// produces a failed Verdict with no error (spec.md §4.4 Failure semantics).
func (s *Sandbox) Execute(ctx context.Context, run Run) (Verdict, error) {
	first, err := s.runWithRetry(ctx, run)
	if err != nil {
		return Verdict{}, err
	}

	verdict := evaluate(first, run)
	if !verdict.Passed {
		return verdict, nil
	}

	second, err := s.runWithRetry(ctx, run)
	if err != nil {
		return Verdict{}, err
	}
	if !bytes.Equal(first["trades.csv"], second["trades.csv"]) ||
		!bytes.Equal(first["equity_curve.csv"], second["equity_curve.csv"]) {
		return Verdict{Passed: false, FailureTag: errs.ErrNonDeterministic.Error()}, nil
	}
	return verdict, nil
}

// sandboxRetryPolicy retries only infra-level container failures, not
// acceptance-test failures (those are a Verdict, never an error).
var sandboxRetryPolicy = &resilience.RetryPolicy{
	MaxAttempts:   3,
	InitialDelay:  2 * time.Second,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 1.0,
	JitterEnabled: false,
}

// runWithRetry executes one full container run, retrying only
// infrastructure-level failures.
func (s *Sandbox) runWithRetry(ctx context.Context, run Run) (map[string][]byte, error) {
	var outputs map[string][]byte
	var lastErr error
	attempt := 0
	err := sandboxRetryPolicy.Do(ctx, func() error {
		attempt++
		var infraErr error
		outputs, infraErr = s.executeOnce(ctx, run)
		if infraErr != nil {
			lastErr = infraErr
			s.logger.WarnWithContext(ctx, "sandbox infra attempt failed", map[string]interface{}{
				"attempt": attempt, "error": infraErr.Error(),
			})
		}
		return infraErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTesterUnavailable, lastErr)
	}
	return outputs, nil
}

func (s *Sandbox) executeOnce(ctx context.Context, run Run) (map[string][]byte, error) {
	fixtureSet := fixtures.GenerateOHLCV(42)

	workspace := make(map[string][]byte, len(run.Code)+len(fixtureSet))
	for name, data := range run.Code {
		workspace[name] = data
	}
	for name, data := range fixtureSet {
		workspace["fixtures/"+name] = data
	}

	containerID, err := s.createContainer(ctx, run.Image, run.Limits)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox container: %w", err)
	}
	defer s.docker.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})

	if err := s.uploadWorkspace(ctx, containerID, workspace); err != nil {
		return nil, fmt.Errorf("uploading workspace: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, run.Limits.Timeout)
	defer cancel()
	if err := s.docker.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	statusCh, errCh := s.docker.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("waiting for container: %w", err)
		}
	case <-statusCh:
	case <-runCtx.Done():
		return nil, fmt.Errorf("sandbox execution exceeded wall-clock timeout")
	}

	outputs, err := s.downloadWorkspace(context.Background(), containerID)
	if err != nil {
		return nil, fmt.Errorf("collecting sandbox outputs: %w", err)
	}
	return outputs, nil
}

// evaluate implements spec.md §4.4 steps 4-5: required-artifact validation,
// schema checking, CSV column checking, and secret scanning. It never
// returns an error; a failed check is expressed as Verdict.Passed == false.
func evaluate(outputs map[string][]byte, run Run) Verdict {
	for _, name := range RequiredArtifacts {
		if _, ok := outputs[name]; !ok {
			return Verdict{Passed: false, FailureTag: fmt.Sprintf("missing_artifact:%s", name), Artifacts: outputs}
		}
	}

	if err := fixtures.ValidateTestReport(outputs["test_report.json"]); err != nil {
		return Verdict{Passed: false, FailureTag: "invalid_test_report", Artifacts: outputs}
	}
	if err := fixtures.CheckCSVColumns("trades.csv", outputs["trades.csv"]); err != nil {
		return Verdict{Passed: false, FailureTag: "invalid_trades_csv", Artifacts: outputs}
	}
	if err := fixtures.CheckCSVColumns("equity_curve.csv", outputs["equity_curve.csv"]); err != nil {
		return Verdict{Passed: false, FailureTag: "invalid_equity_csv", Artifacts: outputs}
	}

	for name, data := range outputs {
		if pattern, found := fixtures.ScanForSecrets(data, run.SecretRegexes); found {
			return Verdict{Passed: false, FailureTag: fmt.Sprintf("secret_detected:%s:%s", name, pattern), Artifacts: outputs}
		}
	}

	var report Metrics
	_ = json.Unmarshal(outputs["test_report.json"], &report)

	return Verdict{Passed: true, Metrics: report, Artifacts: outputs}
}

func (s *Sandbox) createContainer(ctx context.Context, image string, limits Limits) (string, error) {
	cfg := &container.Config{
		Image:      image,
		Cmd:        []string{"/bin/sh", "-c", "run-acceptance-tests"},
		WorkingDir: "/workspace",
		Tty:        false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:   limits.MemoryBytes,
			NanoCPUs: int64(limits.CPUCores * 1e9),
		},
	}
	resp, err := s.docker.ContainerCreate(ctx, cfg, hostCfg, &dockernetwork.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *Sandbox) uploadWorkspace(ctx context.Context, containerID string, files map[string][]byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, data := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return s.docker.CopyToContainer(ctx, containerID, "/workspace", &buf, container.CopyToContainerOptions{})
}

func (s *Sandbox) downloadWorkspace(ctx context.Context, containerID string) (map[string][]byte, error) {
	reader, _, err := s.docker.CopyFromContainer(ctx, containerID, "/workspace")
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	out := make(map[string][]byte)
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		out[hdr.Name] = data
	}
	return out, nil
}

// RequiredArtifacts lists the filenames spec.md §4.4 step 4 requires.
var RequiredArtifacts = []string{"test_report.json", "trades.csv", "equity_curve.csv", "events.log"}

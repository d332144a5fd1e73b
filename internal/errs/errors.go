// Package errs defines the sentinel errors and structured error wrapper
// shared across algoforge subsystems, mirroring spec.md §7's taxonomy.
package errs

import (
	"errors"
	"fmt"
)

// Bus errors (spec.md §4.1).
var (
	ErrBusUnavailable     = errors.New("bus unavailable")
	ErrVisibilityExpired  = errors.New("event redelivered after visibility timeout")
	ErrUnknownConsumer    = errors.New("unknown consumer group")
)

// Router errors (spec.md §4.2).
var (
	ErrAllKeysExhausted  = errors.New("all keys exhausted")
	ErrSafetyBlocked     = errors.New("provider safety filter blocked the request")
	ErrRateStoreUnavail  = errors.New("rate limit counter store unavailable")
	ErrNoKeysConfigured  = errors.New("no active llm keys configured")
)

// Artifact store errors (spec.md §4.3).
var (
	ErrPromotionConflict = errors.New("promotion conflict: main has diverged")
	ErrArtifactNotFound  = errors.New("artifact not found")
	ErrWorkflowNotOpen   = errors.New("workflow branch is not open")
)

// Sandbox errors (spec.md §4.4).
var (
	ErrTesterUnavailable = errors.New("sandbox tester infra unavailable")
	ErrNonDeterministic  = errors.New("non-deterministic test output")
	ErrSecretDetected    = errors.New("secret detected in sandbox output")
	ErrMissingArtifact   = errors.New("required sandbox artifact missing")
)

// Orchestrator errors (spec.md §4.5).
var (
	ErrCyclicDependency  = errors.New("todo list contains a dependency cycle")
	ErrUnknownAgentRole  = errors.New("unrecognized agent role")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowTerminal  = errors.New("workflow already in a terminal state")
	ErrTaskNotFound      = errors.New("task not found")
	ErrMaxAttempts       = errors.New("task exhausted max attempts")
)

// Generic operational errors, mirrored from the teacher's core/errors.go.
var (
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrAlreadyStarted     = errors.New("already started")
	ErrNotInitialized     = errors.New("not initialized")
	ErrConnectionFailed   = errors.New("connection failed")
)

// FrameworkError carries structured context about a failed operation,
// following the teacher's core.FrameworkError shape.
type FrameworkError struct {
	Op      string
	Kind    string
	ID      string
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error { return e.Err }

// Wrap creates a FrameworkError tagged with the failing operation and kind.
func Wrap(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// WrapID is Wrap with an entity id attached (task id, workflow id, key id...).
func WrapID(op, kind, id string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Err: err}
}

// IsRetryable reports whether err belongs to a class of transient failures
// that a retry policy should retry (spec.md §7 "Transient transport").
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateStoreUnavail) ||
		errors.Is(err, ErrTesterUnavailable)
}

// IsFatal reports whether err should halt the workflow outright rather than
// being retried or routed to a debugger branch (spec.md §7 "Fatal").
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// IsValidation reports whether err stems from a malformed request that must
// never be retried (spec.md §7 "Validation").
func IsValidation(err error) bool {
	return errors.Is(err, ErrCyclicDependency) || errors.Is(err, ErrUnknownAgentRole)
}

package model

import "time"

// ArtifactKind enumerates the kinds of produced output (spec.md §3 Artifact).
type ArtifactKind string

const (
	KindCode   ArtifactKind = "code"
	KindTest   ArtifactKind = "test"
	KindReport ArtifactKind = "report"
	KindTrades ArtifactKind = "trades"
	KindEquity ArtifactKind = "equity"
	KindLog    ArtifactKind = "log"
)

// Artifact is an append-only, content-addressed produced output (spec.md §3).
type Artifact struct {
	ArtifactID      string       `json:"artifact_id"` // == content hash
	WorkflowID      string       `json:"workflow_id"`
	TaskID          string       `json:"task_id"`
	Filename        string       `json:"filename"`
	Filepath        string       `json:"filepath"`
	ContentHash     string       `json:"content_hash"`
	Size            int64        `json:"size"`
	CreatedAt       time.Time    `json:"created_at"`
	Kind            ArtifactKind `json:"kind"`
	ParentArtifacts []string     `json:"parent_artifacts,omitempty"`
}

package artifactstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiqo-ke/algoforge/internal/model"
)

func TestStore_PutIsIdempotentOnIdenticalBytes(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.OpenWorkflow("wf-1"))

	a1, err := s.Put("wf-1", "task-1", "strategy.go", []byte("package strategy"), model.KindCode)
	require.NoError(t, err)

	a2, err := s.Put("wf-1", "task-1", "strategy.go", []byte("package strategy"), model.KindCode)
	require.NoError(t, err)

	assert.Equal(t, a1.ArtifactID, a2.ArtifactID)
}

func TestStore_PutThenReadRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.OpenWorkflow("wf-2"))

	_, err = s.Put("wf-2", "task-1", "trades.csv", []byte("ts,side,qty\n"), model.KindTrades)
	require.NoError(t, err)

	data, err := s.Read("wf-2", "trades.csv")
	require.NoError(t, err)
	assert.Equal(t, "ts,side,qty\n", string(data))
}

func TestStore_PromoteFastForward(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, s.OpenWorkflow("wf-3"))

	_, err = s.Put("wf-3", "task-1", "report.json", []byte(`{"ok":true}`), model.KindReport)
	require.NoError(t, err)

	require.NoError(t, s.Promote("wf-3"))

	files, err := s.List("wf-3")
	require.NoError(t, err)
	assert.Contains(t, files, "report.json")
}

func TestStore_ReadMissingWorkflowFails(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = s.Read("never-opened", "x.go")
	require.Error(t, err)
}

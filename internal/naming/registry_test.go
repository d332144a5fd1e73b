package naming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	return []Entry{
		{Filename: "a.py", WorkflowID: "wf-1", TaskID: "task-1", Description: "rsi_entry_signal", Timestamp: base},
		{Filename: "b.py", WorkflowID: "wf-1", TaskID: "task-2", Description: "rsi_exit_signal", Timestamp: base.Add(time.Hour)},
		{Filename: "c.py", WorkflowID: "wf-2", TaskID: "task-1", Description: "macd_crossover", Timestamp: base.Add(2 * time.Hour)},
		{Filename: "d.py", WorkflowID: "wf-1", TaskID: "task-1", Description: "rsi_entry_v2", Timestamp: base.Add(3 * time.Hour)},
	}
}

func seededRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	reg := NewMemoryRegistry()
	for _, e := range sampleEntries() {
		require.NoError(t, reg.Record(context.Background(), e))
	}
	return reg
}

func TestMemoryRegistry_ByWorkflow(t *testing.T) {
	reg := seededRegistry(t)
	got, err := reg.ByWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMemoryRegistry_ByTask(t *testing.T) {
	reg := seededRegistry(t)
	got, err := reg.ByTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMemoryRegistry_ByDateRange(t *testing.T) {
	reg := seededRegistry(t)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	got, err := reg.ByDateRange(context.Background(), base, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryRegistry_ByDescriptionWords(t *testing.T) {
	reg := seededRegistry(t)
	got, err := reg.ByDescriptionWords(context.Background(), "rsi", "entry")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryRegistry_LatestPerTask(t *testing.T) {
	reg := seededRegistry(t)
	latest, err := reg.LatestPerTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "d.py", latest.Filename)
}

package naming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ProducesExpectedShape(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 30, 0, 0, time.UTC)
	filename := Generate(ts, "wf-1234", "task-5678", "RSI strategy buy low sell high extra", "py")

	assert.Contains(t, filename, "20260731_123000_")
	assert.True(t, len(filename) > len("20260731_123000_")+shortLen*2)
	assert.Contains(t, filename, ".py")
}

func TestGenerate_DeterministicAcrossCalls(t *testing.T) {
	ts := time.Now().UTC().Truncate(time.Second)
	a := Generate(ts, "wf-1", "task-1", "same desc", "json")
	b := Generate(ts, "wf-1", "task-1", "same desc", "json")
	assert.Equal(t, a, b)
}

func TestSnakeCase_TruncatesToSixWords(t *testing.T) {
	got := SnakeCase("Buy when 20 EMA crosses 40 EMA stop loss")
	assert.Equal(t, "buy_when_20_ema_crosses_40", got)
}

func TestParse_RoundTripsModuloTruncation(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	filename := Generate(ts, "wf-1234", "task-5678", "entry signal logic", "py")

	meta, err := Parse(filename)
	require.NoError(t, err)
	assert.Equal(t, ts, meta.Timestamp)
	assert.Equal(t, Short("wf-1234"), meta.WorkflowShort)
	assert.Equal(t, Short("task-5678"), meta.TaskShort)
	assert.Equal(t, "entry_signal_logic", meta.Description)
	assert.Equal(t, "py", meta.Ext)
}

func TestParse_RejectsMalformedFilename(t *testing.T) {
	_, err := Parse("not_a_generated_name.txt")
	assert.ErrorIs(t, err, ErrMalformedFilename)
}

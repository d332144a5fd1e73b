package fixtures

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOHLCV_DeterministicBySeed(t *testing.T) {
	a := GenerateOHLCV(42)
	b := GenerateOHLCV(42)
	assert.Equal(t, a["ohlcv.json"], b["ohlcv.json"])

	c := GenerateOHLCV(7)
	assert.NotEqual(t, a["ohlcv.json"], c["ohlcv.json"])
}

func TestValidateTestReport(t *testing.T) {
	valid := []byte(`{"passed":true,"win_rate":0.6,"total_trades":42,"sharpe":1.2,"max_drawdown":0.1}`)
	require.NoError(t, ValidateTestReport(valid))

	missingField := []byte(`{"passed":true}`)
	require.Error(t, ValidateTestReport(missingField))
}

func TestCheckCSVColumns(t *testing.T) {
	good := []byte("time,symbol,action,volume,price,pnl\n2024-01-01,BTC,buy,1,100,0\n")
	require.NoError(t, CheckCSVColumns("trades.csv", good))

	missing := []byte("time,symbol\n2024-01-01,BTC\n")
	require.Error(t, CheckCSVColumns("trades.csv", missing))

	require.NoError(t, CheckCSVColumns("unrelated.csv", missing))
}

func TestScanForSecrets(t *testing.T) {
	clean := []byte("test run completed successfully")
	_, found := ScanForSecrets(clean, nil)
	assert.False(t, found)

	dirty := []byte("api_key: sk-abcdefghijklmnopqrstuvwxyz")
	_, found = ScanForSecrets(dirty, nil)
	assert.True(t, found)
}

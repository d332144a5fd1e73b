package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func validOutputs() map[string][]byte {
	return map[string][]byte{
		"test_report.json": []byte(`{"passed":true,"win_rate":0.55,"total_trades":10,"sharpe":1.1,"max_drawdown":0.2}`),
		"trades.csv":        []byte("time,symbol,action,volume,price,pnl\n2024-01-01,BTC,buy,1,100,0\n"),
		"equity_curve.csv":  []byte("time,balance,equity\n2024-01-01,1000,1000\n"),
		"events.log":        []byte("test run complete\n"),
	}
}

func TestEvaluate_AllChecksPass(t *testing.T) {
	verdict := evaluate(validOutputs(), Run{})
	assert.True(t, verdict.Passed)
	assert.Equal(t, 10, verdict.Metrics.TotalTrades)
}

func TestEvaluate_MissingArtifactFails(t *testing.T) {
	outputs := validOutputs()
	delete(outputs, "events.log")
	verdict := evaluate(outputs, Run{})
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.FailureTag, "missing_artifact")
}

func TestEvaluate_SecretDetectedFailsRegardlessOfTestResult(t *testing.T) {
	outputs := validOutputs()
	outputs["events.log"] = []byte("api_key: sk-abcdefghijklmnopqrstuvwxyz\ntest run complete\n")
	verdict := evaluate(outputs, Run{})
	assert.False(t, verdict.Passed)
	assert.Contains(t, verdict.FailureTag, "secret_detected")
}

func TestEvaluate_InvalidCSVFails(t *testing.T) {
	outputs := validOutputs()
	outputs["trades.csv"] = []byte("time,symbol\n2024-01-01,BTC\n")
	verdict := evaluate(outputs, Run{})
	assert.False(t, verdict.Passed)
	assert.Equal(t, "invalid_trades_csv", verdict.FailureTag)
}

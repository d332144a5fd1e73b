// Package fixtures provides the deterministic seeded OHLCV generator, the
// test_report.json schema validator, the required-column CSV checker, and
// the secret scanner the Sandboxed Tester runs against artifact outputs
// (spec.md §4.4 steps 1, 4, 5). Grounded on the example corpus's use of
// santhosh-tekuri/jsonschema/v6 for schema validation (goadesign-goa-ai)
// and the stdlib encoding/csv reader for column checks, since no example
// repo ships a CSV-schema library.
package fixtures

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// GenerateOHLCV produces a deterministic candle series keyed only by seed,
// so every sandbox run and its determinism re-run see byte-identical input
// fixtures (spec.md §4.4 step 1: "fixtures (deterministic seed = 42)").
func GenerateOHLCV(seed int64) map[string][]byte {
	r := rand.New(rand.NewSource(seed))
	const bars = 500
	price := 100.0
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	candles := make([]Candle, 0, bars)
	for i := 0; i < bars; i++ {
		drift := (r.Float64() - 0.5) * 2
		open := price
		high := open + math.Abs(drift)*1.5
		low := open - math.Abs(drift)*1.5
		close := open + drift
		volume := 1000 + r.Float64()*500

		candles = append(candles, Candle{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      round2(open), High: round2(high), Low: round2(low),
			Close: round2(close), Volume: round2(volume),
		})
		price = close
	}

	payload, _ := json.MarshalIndent(candles, "", "  ")
	return map[string][]byte{"ohlcv.json": payload}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TestReportSchema is the spec.md §4.4-mandated shape of test_report.json:
// win_rate, total_trades, sharpe, max_drawdown plus a pass/fail summary.
const TestReportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["passed", "win_rate", "total_trades", "sharpe", "max_drawdown"],
  "properties": {
    "passed": {"type": "boolean"},
    "win_rate": {"type": "number", "minimum": 0, "maximum": 1},
    "total_trades": {"type": "integer", "minimum": 0},
    "sharpe": {"type": "number"},
    "max_drawdown": {"type": "number"},
    "failure_tag": {"type": "string"}
  }
}`

// ValidateTestReport schema-checks test_report.json's bytes (spec.md §4.4
// step 4: "test_report.json (schema-checked)").
func ValidateTestReport(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("test_report.json", bytes.NewReader([]byte(TestReportSchema))); err != nil {
		return fmt.Errorf("loading test report schema: %w", err)
	}
	schema, err := compiler.Compile("test_report.json")
	if err != nil {
		return fmt.Errorf("compiling test report schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("test_report.json is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("test_report.json failed schema validation: %w", err)
	}
	return nil
}

// RequiredColumns maps the two required CSV artifacts to their mandated
// header columns (spec.md §4.4 step 4).
var RequiredColumns = map[string][]string{
	"trades.csv":       {"time", "symbol", "action", "volume", "price", "pnl"},
	"equity_curve.csv": {"time", "balance", "equity"},
}

// CheckCSVColumns verifies filename's header row contains every column
// RequiredColumns mandates, in any order.
func CheckCSVColumns(filename string, data []byte) error {
	want, ok := RequiredColumns[filename]
	if !ok {
		return nil
	}
	reader := csv.NewReader(bytes.NewReader(data))
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading %s header: %w", filename, err)
	}
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	for _, col := range want {
		if !present[col] {
			return fmt.Errorf("%s missing required column %q", filename, col)
		}
	}
	return nil
}

// DefaultSecretPatterns is the configurable regex list scanned across every
// log/report output (spec.md §4.4 step 5): API keys, bearer tokens,
// passwords in key=value form, and common cloud-provider key prefixes.
var DefaultSecretPatterns = []string{
	`(?i)api[_-]?key\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}`,
	`(?i)secret\s*[:=]\s*['"]?[A-Za-z0-9_\-/+]{16,}`,
	`(?i)password\s*[:=]\s*['"]?\S{6,}`,
	`Bearer\s+[A-Za-z0-9\-_.]+`,
	`sk-[A-Za-z0-9]{20,}`,
	`AKIA[0-9A-Z]{16}`,
}

// ScanForSecrets scans data against patterns (DefaultSecretPatterns if nil),
// returning the first matching pattern, or "" if clean.
func ScanForSecrets(data []byte, patterns []string) (string, bool) {
	if patterns == nil {
		patterns = DefaultSecretPatterns
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.Match(data) {
			return p, true
		}
	}
	return "", false
}

// Package naming implements the Naming / Strategy Registry (spec.md §4.7):
// deterministic artifact filenames and indexed lookups over them. Grounded
// on the teacher's core/redis_registry.go namespaced-index-set idiom
// (capability/name/type sets keyed off one canonical record), generalized
// from service discovery to artifact-filename discovery.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const timestampLayout = "20060102_150405"

// shortLen is the deterministic prefix length spec.md §4.7 mandates for
// wf_short. The same derivation is applied to task ids for symmetry; the
// spec is silent on task_short's exact width, so this is an implementation
// choice.
const shortLen = 12

// maxDescWords is the spec-mandated truncation: description is at most 6
// snake_case words.
const maxDescWords = 6

var nonWordRE = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// Short returns the deterministic shortLen-character lowercase-hex prefix
// spec.md §4.7 calls wf_short, derived from the full id's content hash so it
// is stable across process restarts without a lookup table.
func Short(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:shortLen]
}

// SnakeCase lowercases, strips non-word runs to single underscores, and
// truncates to maxDescWords words.
func SnakeCase(description string) string {
	words := strings.FieldsFunc(nonWordRE.ReplaceAllString(description, "_"), func(r rune) bool { return r == '_' })
	if len(words) > maxDescWords {
		words = words[:maxDescWords]
	}
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, "_")
}

// Generate produces a filename of the form
// YYYYMMDD_HHMMSS_{wf_short}_{task_short}_{desc_snake}.{ext} (spec.md §4.7).
// ts must be the artifact's logical creation instant, never a filesystem
// mtime (spec.md §4.7 Invariants).
func Generate(ts time.Time, workflowID, taskID, description, ext string) string {
	return fmt.Sprintf("%s_%s_%s_%s.%s",
		ts.UTC().Format(timestampLayout),
		Short(workflowID),
		Short(taskID),
		SnakeCase(description),
		strings.TrimPrefix(ext, "."),
	)
}

// Metadata is a filename parsed back into its components (spec.md §4.7
// round-trip law, modulo truncation: Description only recovers the
// truncated snake_case form, not the original free-text description).
type Metadata struct {
	Timestamp     time.Time
	WorkflowShort string
	TaskShort     string
	Description   string
	Ext           string
}

// ErrMalformedFilename is returned by Parse when filename does not match the
// generated shape.
var ErrMalformedFilename = fmt.Errorf("naming: filename does not match the generated pattern")

// Parse recovers a Metadata from a filename produced by Generate.
func Parse(filename string) (*Metadata, error) {
	dot := strings.LastIndex(filename, ".")
	if dot < 0 {
		return nil, ErrMalformedFilename
	}
	ext := filename[dot+1:]
	stem := filename[:dot]

	parts := strings.SplitN(stem, "_", 5)
	if len(parts) < 4 {
		return nil, ErrMalformedFilename
	}
	datePart, timePart, wfShort, taskShort := parts[0], parts[1], parts[2], parts[3]
	var desc string
	if len(parts) == 5 {
		desc = parts[4]
	}

	ts, err := time.Parse(timestampLayout, datePart+"_"+timePart)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFilename, err)
	}
	if len(wfShort) != shortLen || len(taskShort) != shortLen {
		return nil, ErrMalformedFilename
	}

	return &Metadata{
		Timestamp:     ts.UTC(),
		WorkflowShort: wfShort,
		TaskShort:     taskShort,
		Description:   desc,
		Ext:           ext,
	}, nil
}

// Package verdict defines the result contract backend output must satisfy
// before the router counts an attempt as a success. A backend exiting zero
// while producing garbage is a failure, not a success; this package is
// where that line is drawn.
package verdict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	VerdictApproved         = "APPROVED"
	VerdictChangesRequested = "CHANGES_REQUESTED"
	VerdictRejected         = "REJECTED"
)

// minOutputBytes rejects outputs too short to be a serialized document
// before any parsing happens.
const minOutputBytes = 8

const schemaJSON = `{
  "type": "object",
  "required": ["verdict"],
  "properties": {
    "verdict": {
      "type": "string",
      "enum": ["APPROVED", "CHANGES_REQUESTED", "REJECTED"]
    },
    "findings": { "type": "array" }
  }
}`

var contract = jsonschema.MustCompileString("verdict.json", schemaJSON)

// Valid reports whether raw satisfies the result contract. Violations are
// values, never panics or errors: callers treat "invalid shape" and
// "backend error" identically for retry purposes.
func Valid(raw []byte) bool {
	if len(bytes.TrimSpace(raw)) < minOutputBytes {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return contract.Validate(v) == nil
}

type Finding struct {
	Severity string `json:"severity,omitempty"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
}

type Document struct {
	Verdict  string    `json:"verdict"`
	Findings []Finding `json:"findings,omitempty"`
	Summary  string    `json:"summary,omitempty"`
}

// Decode parses output that already passed Valid into the typed document.
func Decode(raw []byte) (Document, error) {
	if !Valid(raw) {
		return Document{}, fmt.Errorf("output does not satisfy the verdict contract")
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode verdict: %w", err)
	}
	doc.Verdict = strings.ToUpper(strings.TrimSpace(doc.Verdict))
	return doc, nil
}

// Package loa implements the declarative execution router: an ordered route
// table binding backends to gating conditions and failure policy, and an
// executor that walks it with per-route retry budgets under a global
// attempt cap.
package loa

import (
	"fmt"
	"strings"
)

// CurrentSchemaVersion is the newest route-table schema this build parses.
const CurrentSchemaVersion = 1

type FailMode string

const (
	// FailModeFallthrough: on exhaustion, continue to the next route.
	FailModeFallthrough FailMode = "fallthrough"
	// FailModeHardFail: on exhaustion, abort the whole routing operation and
	// propagate the backend's most specific failure.
	FailModeHardFail FailMode = "hard_fail"
)

func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fallthrough", "fall_through":
		return FailModeFallthrough, nil
	case "hard_fail", "hardfail", "hard-fail":
		return FailModeHardFail, nil
	default:
		return "", fmt.Errorf("invalid fail_mode: %q (want fallthrough|hard_fail)", s)
	}
}

// Route is one table row. One value per route: there are no parallel
// attribute arrays to fall out of sync.
type Route struct {
	// Backend must resolve in the backend registry.
	Backend string

	// Conditions are ANDed; empty means unconditional.
	Conditions []string

	// Capabilities are advisory tags forwarded to the backend.
	Capabilities []string

	FailMode FailMode

	// TimeoutSeconds overrides the global timeout when > 0.
	TimeoutSeconds int

	// Retries is the per-route retry budget; the route is attempted
	// 1+Retries times.
	Retries int
}

// Table is the ordered route sequence. Read-only during execution;
// discarded at process exit.
type Table struct {
	SchemaVersion int

	// Custom marks a user-authored table, which validates fail-closed
	// instead of degrading with warnings.
	Custom bool

	Routes []Route
}

// Limits carries the clamp bounds and global budgets. All clamping is
// total: any raw configured value lands inside these bounds.
type Limits struct {
	TimeoutMinSeconds     int
	TimeoutMaxSeconds     int
	DefaultTimeoutSeconds int
	RetryMax              int

	// MaxTotalAttempts caps backend invocations across all routes and all
	// retries of one Execute call. A retry storm across many routes must
	// still terminate.
	MaxTotalAttempts int
}

func DefaultLimits() Limits {
	return Limits{
		TimeoutMinSeconds:     30,
		TimeoutMaxSeconds:     3600,
		DefaultTimeoutSeconds: 600,
		RetryMax:              5,
		MaxTotalAttempts:      10,
	}
}

// Validate checks table-level invariants. Returns advisory warnings (the
// missing trailing hard_fail check) alongside any fatal error.
func (t *Table) Validate() ([]string, error) {
	if t == nil {
		return nil, fmt.Errorf("route table is nil")
	}
	if t.SchemaVersion <= 0 || t.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("unsupported route table schema version: %d (this build understands <= %d)", t.SchemaVersion, CurrentSchemaVersion)
	}
	if len(t.Routes) == 0 {
		return nil, fmt.Errorf("route table must declare at least one route")
	}
	for i, rt := range t.Routes {
		if strings.TrimSpace(rt.Backend) == "" {
			return nil, fmt.Errorf("route %d: backend is required", i)
		}
		if _, err := ParseFailMode(string(rt.FailMode)); err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
	}
	var warnings []string
	if last := t.Routes[len(t.Routes)-1]; last.FailMode != FailModeHardFail {
		// Supported but easy to misread: with every route fallthrough, total
		// failure surfaces only as the routes-exhausted code.
		warnings = append(warnings, "last route is not hard_fail; a fully exhausted table fails silently with the routes-exhausted code")
	}
	return warnings, nil
}

// DefaultTable is the hardcoded fallback used when configuration declares
// zero routes: enhanced agent, baseline agent, then HTTP as the hard stop.
func DefaultTable() *Table {
	return &Table{
		SchemaVersion: CurrentSchemaVersion,
		Routes: []Route{
			{
				Backend:      "agent",
				Capabilities: []string{"supports-multi-pass"},
				FailMode:     FailModeFallthrough,
				Retries:      1,
			},
			{
				Backend:  "agent-baseline",
				FailMode: FailModeFallthrough,
				Retries:  1,
			},
			{
				Backend:  "http",
				FailMode: FailModeHardFail,
				Retries:  2,
			},
		},
	}
}

// ExecutionMode is the optional global routing restriction applied once
// after loading.
type ExecutionMode string

const (
	ModeAuto      ExecutionMode = "auto"
	ModeAgentOnly ExecutionMode = "agent-only"
	ModeHTTPOnly  ExecutionMode = "http-only"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "agent-only", "agent_only":
		return ModeAgentOnly, nil
	case "http-only", "http_only":
		return ModeHTTPOnly, nil
	default:
		return "", fmt.Errorf("invalid execution mode: %q (want auto|agent-only|http-only)", s)
	}
}

// ApplyMode filters the table to the mode's backends and forces the
// surviving routes to hard_fail, so a restricted run never silently falls
// through to a backend the operator excluded.
func ApplyMode(t *Table, mode ExecutionMode) error {
	if t == nil {
		return fmt.Errorf("route table is nil")
	}
	var keep func(backendName string) bool
	switch mode {
	case ModeAuto:
		return nil
	case ModeAgentOnly:
		keep = func(b string) bool { return strings.HasPrefix(b, "agent") }
	case ModeHTTPOnly:
		keep = func(b string) bool { return b == "http" }
	default:
		return fmt.Errorf("invalid execution mode: %q", mode)
	}
	filtered := make([]Route, 0, len(t.Routes))
	for _, rt := range t.Routes {
		if !keep(rt.Backend) {
			continue
		}
		rt.FailMode = FailModeHardFail
		filtered = append(filtered, rt)
	}
	if len(filtered) == 0 {
		return fmt.Errorf("execution mode %s removed every route from the table", mode)
	}
	t.Routes = filtered
	return nil
}

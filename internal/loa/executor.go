package loa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danshapiro/loa/internal/backend"
	"github.com/danshapiro/loa/internal/loa/cond"
	"github.com/danshapiro/loa/internal/trajectory"
	"github.com/danshapiro/loa/internal/verdict"
)

// Rejection records why one route produced no result. Carried on the
// routes-exhausted error so the failure message names every route's fate.
type Rejection struct {
	RouteIndex int
	Backend    string
	Reason     string
}

func (r Rejection) String() string {
	return fmt.Sprintf("route %d (%s): %s", r.RouteIndex, r.Backend, r.Reason)
}

// RoutesExhaustedError: every route was skipped or exhausted without a
// validated success and no hard_fail route aborted first.
type RoutesExhaustedError struct {
	Rejections []Rejection
}

func (e *RoutesExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, r.String())
	}
	return "all routes exhausted: " + strings.Join(parts, "; ")
}

// AttemptCapError: the process-wide invocation budget ran out mid-walk.
type AttemptCapError struct {
	Cap int
}

func (e *AttemptCapError) Error() string {
	return fmt.Sprintf("global attempt cap (%d) exceeded across routes and retries", e.Cap)
}

// HardFailError wraps the most specific backend failure from an exhausted
// hard_fail route. Unwrap preserves distinctions like auth vs generic.
type HardFailError struct {
	RouteIndex int
	Backend    string
	Err        error
}

func (e *HardFailError) Error() string {
	return fmt.Sprintf("route %d (%s) is hard_fail and exhausted its retries: %v", e.RouteIndex, e.Backend, e.Err)
}

func (e *HardFailError) Unwrap() error { return e.Err }

// Executor walks a route table in order. Order is the only priority
// mechanism: an operator reads the table top to bottom and knows the
// routing behavior.
type Executor struct {
	Table      *Table
	Conditions *cond.Registry
	Backends   *backend.Registry
	Limits     Limits
	Backoff    BackoffConfig

	// DocID seeds deterministic backoff jitter and tags trajectory records.
	DocID string

	// Trajectory receives one record per routing decision. Optional.
	Trajectory *trajectory.Writer

	// ValidateOutput defaults to the verdict contract. Injectable for tests.
	ValidateOutput func([]byte) bool

	// Sleep defaults to time.Sleep. Injectable for tests.
	Sleep func(time.Duration)
}

// Execute walks the table and returns the first validated backend output.
func (e *Executor) Execute(ctx context.Context, req backend.Request) ([]byte, error) {
	if e.Table == nil || len(e.Table.Routes) == 0 {
		return nil, fmt.Errorf("executor has no route table")
	}
	if e.Backends == nil {
		return nil, fmt.Errorf("executor has no backend registry")
	}
	validate := e.ValidateOutput
	if validate == nil {
		validate = verdict.Valid
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	limits := e.Limits
	if limits.MaxTotalAttempts <= 0 {
		limits = DefaultLimits()
	}

	totalAttempts := 0
	var rejections []Rejection

	for i, rt := range e.Table.Routes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if unmet := e.unmetCondition(rt); unmet != "" {
			e.record("route_skipped", map[string]any{
				"route_index": i,
				"backend":     rt.Backend,
				"conditions":  rt.Conditions,
				"unmet":       unmet,
			})
			rejections = append(rejections, Rejection{RouteIndex: i, Backend: rt.Backend, Reason: "condition " + unmet + " unmet"})
			continue
		}

		be, ok := e.Backends.Lookup(rt.Backend)
		if !ok {
			// Builtin tables may carry routes for backends this build lacks.
			rejections = append(rejections, Rejection{RouteIndex: i, Backend: rt.Backend, Reason: "backend not registered"})
			continue
		}

		timeout := time.Duration(limits.DefaultTimeoutSeconds) * time.Second
		if rt.TimeoutSeconds > 0 {
			timeout = time.Duration(rt.TimeoutSeconds) * time.Second
		}
		routeReq := req
		routeReq.Timeout = timeout
		routeReq.RouteIndex = i
		routeReq.Capabilities = rt.Capabilities

		attempts := 1 + rt.Retries
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if totalAttempts >= limits.MaxTotalAttempts {
				e.record("attempt_cap_exceeded", map[string]any{
					"route_index": i,
					"backend":     rt.Backend,
					"cap":         limits.MaxTotalAttempts,
				})
				return nil, &AttemptCapError{Cap: limits.MaxTotalAttempts}
			}
			totalAttempts++

			e.record("route_attempt", map[string]any{
				"route_index":    i,
				"backend":        rt.Backend,
				"attempt":        attempt,
				"max_attempts":   attempts,
				"total_attempts": totalAttempts,
				"timeout_s":      int(timeout.Seconds()),
			})

			raw, err := be.Invoke(ctx, routeReq)
			if err == nil {
				if validate(raw) {
					e.record("route_success", map[string]any{
						"route_index": i,
						"backend":     rt.Backend,
						"attempt":     attempt,
						"bytes":       len(raw),
					})
					return raw, nil
				}
				err = backend.NewInvalidOutputError(rt.Backend, "output failed the result contract")
			}
			lastErr = err
			e.record("route_failure", map[string]any{
				"route_index": i,
				"backend":     rt.Backend,
				"attempt":     attempt,
				"error":       err.Error(),
			})
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if attempt < attempts {
				sleep(DelayForAttempt(attempt, e.Backoff, backoffSeed(e.DocID, i, attempt)))
			}
		}

		if rt.FailMode == FailModeHardFail {
			return nil, &HardFailError{RouteIndex: i, Backend: rt.Backend, Err: lastErr}
		}
		rejections = append(rejections, Rejection{RouteIndex: i, Backend: rt.Backend, Reason: fmt.Sprintf("exhausted %d attempt(s): %v", attempts, lastErr)})
	}

	return nil, &RoutesExhaustedError{Rejections: rejections}
}

// unmetCondition returns the first false condition name, or "".
func (e *Executor) unmetCondition(rt Route) string {
	for _, c := range rt.Conditions {
		if e.Conditions == nil || !e.Conditions.Evaluate(c) {
			return c
		}
	}
	return ""
}

func (e *Executor) record(event string, fields map[string]any) {
	if e.Trajectory == nil {
		return
	}
	if e.DocID != "" {
		fields["doc_id"] = e.DocID
	}
	_ = e.Trajectory.Append(event, fields)
}

package backend

import (
	"context"
	"errors"
)

// CapabilityMultiPass gates the composite backend's enhanced pass. Routes
// opt in by declaring the tag; the tag is advisory and never validated
// against what a backend claims to support.
const CapabilityMultiPass = "supports-multi-pass"

// CompositeBackend composes two strategies inside a single Invoke: an
// enhanced mode tried first, and a baseline mode it quietly degrades to.
// The internal fallback is invisible to the router, which sees exactly one
// result or one failure.
type CompositeBackend struct {
	BackendName string
	Enhanced    Backend
	Baseline    Backend
}

func (c *CompositeBackend) Name() string {
	if c.BackendName != "" {
		return c.BackendName
	}
	return "agent-composite"
}

func (c *CompositeBackend) Invoke(ctx context.Context, req Request) ([]byte, error) {
	if c.Baseline == nil {
		return nil, &ConfigurationError{Message: "composite backend requires a baseline"}
	}
	if c.Enhanced != nil && req.HasCapability(CapabilityMultiPass) {
		raw, err := c.Enhanced.Invoke(ctx, req)
		if err == nil {
			return raw, nil
		}
		// Configuration problems and cancellation will not improve on the
		// baseline attempt; surface them as this call's single failure.
		var ce *ConfigurationError
		if errors.As(err, &ce) || ctx.Err() != nil {
			return nil, err
		}
	}
	return c.Baseline.Invoke(ctx, req)
}

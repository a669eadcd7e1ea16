// Package backend defines the pluggable execution strategies the router
// dispatches to. Each backend takes the same request shape and either
// returns raw output for contract validation or a classified failure.
package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Request is the uniform invocation signature shared by every backend.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Timeout      time.Duration
	Fast         bool
	ExtraAccess  bool
	Mode         string
	TaskType     string

	// RouteIndex and Capabilities describe the route that selected this
	// backend. Capabilities are advisory hints; the composite backend reads
	// them to enable its enhanced pass.
	RouteIndex   int
	Capabilities []string
}

func (r Request) HasCapability(tag string) bool {
	for _, c := range r.Capabilities {
		if strings.EqualFold(strings.TrimSpace(c), tag) {
			return true
		}
	}
	return false
}

type Backend interface {
	Name() string

	// Invoke runs the strategy and returns its raw output. A nil error means
	// the backend ran to completion, not that the output satisfies the
	// result contract; the executor validates separately.
	Invoke(ctx context.Context, req Request) ([]byte, error)
}

// Registry is the injected name→backend table. Built once at process start;
// unknown names are rejected at the configuration boundary, not at dispatch.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(b Backend) {
	if b == nil {
		return
	}
	name := strings.TrimSpace(b.Name())
	if name == "" {
		return
	}
	r.backends[name] = b
}

func (r *Registry) Lookup(name string) (Backend, bool) {
	b, ok := r.backends[strings.TrimSpace(name)]
	return b, ok
}

func (r *Registry) Known(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.backends))
	for name := range r.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MustLookup is for post-validation dispatch where absence is a programming
// error, not a configuration error.
func (r *Registry) MustLookup(name string) (Backend, error) {
	b, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("backend %q not registered (known: %s)", name, strings.Join(r.Names(), ", "))
	}
	return b, nil
}

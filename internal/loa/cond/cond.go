// Package cond holds the named boolean predicates that gate route
// eligibility. The registry is built at process start and passed into the
// executor; predicates probe environment state (env vars, PATH, artifacts)
// but never mutate the system being orchestrated.
package cond

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

type Predicate func() bool

type Registry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

func NewRegistry() *Registry {
	return &Registry{preds: map[string]Predicate{}}
}

// NewDefaultRegistry returns a registry with the "always" builtin.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("always", func() bool { return true })
	return r
}

func (r *Registry) Register(name string, p Predicate) {
	name = strings.TrimSpace(name)
	if name == "" || p == nil {
		return
	}
	r.mu.Lock()
	r.preds[name] = p
	r.mu.Unlock()
}

// Known reports whether name is registered. Used at the config-parsing
// boundary, where unknown names in a custom table are hard errors.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.preds[name]
	return ok
}

// Evaluate runs the named predicate. An unregistered name evaluates false
// rather than failing: a route referencing a condition this build does not
// know is skipped, never a crash.
func (r *Registry) Evaluate(name string) bool {
	r.mu.RLock()
	p, ok := r.preds[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return p()
}

// EnvFlag is true when the variable is set to a truthy value.
func EnvFlag(key string) Predicate {
	return func() bool {
		switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
		case "1", "true", "yes", "y", "on":
			return true
		default:
			return false
		}
	}
}

// BinaryPresent is true when the executable resolves on PATH.
func BinaryPresent(name string) Predicate {
	return func() bool {
		_, err := exec.LookPath(name)
		return err == nil
	}
}

// ArtifactPresent is true when at least one file under root matches the
// doublestar pattern (e.g. "reviews/**/*.json").
func ArtifactPresent(root, pattern string) Predicate {
	return func() bool {
		matches, err := doublestar.Glob(os.DirFS(root), pattern)
		return err == nil && len(matches) > 0
	}
}

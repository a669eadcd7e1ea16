package loa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/loa/internal/backend"
	"github.com/danshapiro/loa/internal/loa/cond"
)

// routeFileDoc is the on-disk shape of a route table declaration.
type routeFileDoc struct {
	Version int            `json:"version" yaml:"version"`
	Custom  bool           `json:"custom,omitempty" yaml:"custom,omitempty"`
	Routes  []routeFileRow `json:"routes" yaml:"routes"`
}

type routeFileRow struct {
	Backend      string   `json:"backend" yaml:"backend"`
	Conditions   []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	FailMode     string   `json:"fail_mode" yaml:"fail_mode"`
	Timeout      *int     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retries      *int     `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// LoadTable reads a declarative route table and validates it against the
// registries. A missing file or a file declaring zero routes falls back to
// DefaultTable (documented behavior, not an error). A schema version newer
// than this build is a hard parse error.
//
// Custom tables fail closed: unknown backends/conditions and out-of-bound
// numerics are errors. Builtin tables degrade: numerics are clamped and
// unknown conditions warned about (the route is skipped at runtime because
// unknown conditions evaluate false).
func LoadTable(path string, limits Limits, conds *cond.Registry, backends *backend.Registry) (*Table, []string, error) {
	if strings.TrimSpace(path) == "" {
		t := DefaultTable()
		warnings, err := finishTable(t, limits, conds, backends)
		return t, warnings, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			t := DefaultTable()
			warnings, ferr := finishTable(t, limits, conds, backends)
			return t, warnings, ferr
		}
		return nil, nil, err
	}

	var doc routeFileDoc
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse route table %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &doc); err != nil {
			return nil, nil, fmt.Errorf("parse route table %s: %w", path, err)
		}
	}

	if doc.Version > CurrentSchemaVersion {
		return nil, nil, fmt.Errorf("route table %s: schema version %d is newer than supported version %d", path, doc.Version, CurrentSchemaVersion)
	}
	if doc.Version == 0 {
		doc.Version = CurrentSchemaVersion
	}
	if len(doc.Routes) == 0 {
		t := DefaultTable()
		warnings, ferr := finishTable(t, limits, conds, backends)
		warnings = append([]string{fmt.Sprintf("route table %s declares no routes; using the builtin default table", path)}, warnings...)
		return t, warnings, ferr
	}

	t := &Table{SchemaVersion: doc.Version, Custom: doc.Custom}
	for i, row := range doc.Routes {
		fm, err := ParseFailMode(row.FailMode)
		if err != nil {
			return nil, nil, fmt.Errorf("route %d: %w", i, err)
		}
		rt := Route{
			Backend:      strings.TrimSpace(row.Backend),
			Conditions:   trimNonEmpty(row.Conditions),
			Capabilities: trimNonEmpty(row.Capabilities),
			FailMode:     fm,
		}
		if row.Timeout != nil {
			rt.TimeoutSeconds = *row.Timeout
		}
		if row.Retries != nil {
			rt.Retries = *row.Retries
		}
		t.Routes = append(t.Routes, rt)
	}

	warnings, err := finishTable(t, limits, conds, backends)
	return t, warnings, err
}

// finishTable runs registry validation and clamping over a constructed
// table. No partially-validated table ever escapes: any error discards it.
func finishTable(t *Table, limits Limits, conds *cond.Registry, backends *backend.Registry) ([]string, error) {
	warnings, err := t.Validate()
	if err != nil {
		return nil, err
	}

	for i := range t.Routes {
		rt := &t.Routes[i]

		if backends != nil && !backends.Known(rt.Backend) {
			if t.Custom {
				return nil, fmt.Errorf("route %d: unknown backend %q (known: %s)", i, rt.Backend, strings.Join(backends.Names(), ", "))
			}
			warnings = append(warnings, fmt.Sprintf("route %d: unknown backend %q; route will never execute", i, rt.Backend))
		}
		if conds != nil {
			for _, c := range rt.Conditions {
				if conds.Known(c) {
					continue
				}
				if t.Custom {
					return nil, fmt.Errorf("route %d: unknown condition %q", i, c)
				}
				warnings = append(warnings, fmt.Sprintf("route %d: unknown condition %q evaluates false; route will be skipped", i, c))
			}
		}

		if rt.TimeoutSeconds != 0 {
			clamped, ok := clampInt(rt.TimeoutSeconds, limits.TimeoutMinSeconds, limits.TimeoutMaxSeconds)
			if !ok {
				if t.Custom {
					return nil, fmt.Errorf("route %d: timeout %ds outside allowed range [%d, %d]", i, rt.TimeoutSeconds, limits.TimeoutMinSeconds, limits.TimeoutMaxSeconds)
				}
				warnings = append(warnings, fmt.Sprintf("route %d: timeout %ds clamped to %ds (allowed [%d, %d])", i, rt.TimeoutSeconds, clamped, limits.TimeoutMinSeconds, limits.TimeoutMaxSeconds))
			}
			rt.TimeoutSeconds = clamped
		}
		clamped, ok := clampInt(rt.Retries, 0, limits.RetryMax)
		if !ok {
			if t.Custom {
				return nil, fmt.Errorf("route %d: retries %d outside allowed range [0, %d]", i, rt.Retries, limits.RetryMax)
			}
			warnings = append(warnings, fmt.Sprintf("route %d: retries %d clamped to %d (allowed [0, %d])", i, rt.Retries, clamped, limits.RetryMax))
		}
		rt.Retries = clamped
	}
	return warnings, nil
}

func clampInt(v, min, max int) (int, bool) {
	if v < min {
		return min, false
	}
	if v > max {
		return max, false
	}
	return v, true
}

func decodeJSONStrict(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

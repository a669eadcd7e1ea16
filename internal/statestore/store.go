// Package statestore persists workflow state documents with crash-safe,
// serialized mutation: every update is a lock-guarded read-transform-write
// with a temp-file-then-rename commit, and state transitions are checked
// inside the same critical section as the write.
package statestore

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/danshapiro/loa/internal/lockfile"
	"github.com/danshapiro/loa/internal/trajectory"
)

// ErrInvalidTransition marks a transform that tried to move the state
// outside the transition graph. The on-disk document is left unchanged.
var ErrInvalidTransition = errors.New("invalid state transition")

// Transform mutates a freshly loaded document. It must be a pure function
// of the document; the store handles locking and durability around it.
type Transform func(*Document) error

type Store struct {
	// LockTimeout bounds each Update's lock acquisition. Defaults to 10s.
	LockTimeout time.Duration

	// LockStaleAfter is forwarded to the lock layer.
	LockStaleAfter time.Duration

	// ForceDirLock selects the mkdir lock fallback (tests, odd filesystems).
	ForceDirLock bool

	// Trajectory receives one record per transition/update. Optional.
	Trajectory *trajectory.Writer
}

func (s *Store) lockTimeout() time.Duration {
	if s == nil || s.LockTimeout <= 0 {
		return 10 * time.Second
	}
	return s.LockTimeout
}

// Create materializes a new document at path. Fails if one already exists.
func (s *Store) Create(path string) (*Document, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("state document already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	doc := NewDocument()
	digest, err := writeDocumentAtomic(path, doc)
	if err != nil {
		return nil, err
	}
	s.record("state_created", map[string]any{
		"doc_id": doc.ID,
		"path":   path,
		"state":  string(doc.State),
		"digest": digest,
	})
	return doc, nil
}

// Load reads and strictly decodes the document. A malformed file is a loud
// error; it is never overwritten blindly.
func (s *Store) Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode state document %s: %w", path, err)
	}
	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("state document %s: %w", path, err)
	}
	return &doc, nil
}

func (s *Store) docLock(path string) *lockfile.Lock {
	return lockfile.New(path+".lock", lockfile.Options{
		Timeout:    s.lockTimeout(),
		StaleAfter: s.LockStaleAfter,
		ForceDir:   s.ForceDirLock,
		OnWarn: func(msg string) {
			s.record("lock_stale_reclaimed", map[string]any{"path": path, "message": msg})
		},
	})
}

// Update applies transform under the document's exclusive lock and commits
// the result atomically. Returns the committed document.
//
// A lock timeout surfaces as lockfile.ErrTimeout (retryable, distinct from
// config and backend errors). A transform moving State off the transition
// graph surfaces as ErrInvalidTransition and nothing is written. A transform
// that changes nothing writes nothing: the activity stamp only moves when
// the document does, so applying an idempotent transform twice leaves the
// file byte-identical.
func (s *Store) Update(ctx context.Context, path string, transform Transform) (*Document, error) {
	lk := s.docLock(path)
	if err := lk.Acquire(ctx); err != nil {
		return nil, err
	}
	defer lk.Release()

	doc, err := s.Load(path)
	if err != nil {
		return nil, err
	}
	prevState := doc.State
	before, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	if err := transform(doc); err != nil {
		return nil, err
	}
	if doc.State != prevState && !CanTransition(prevState, doc.State) {
		s.record("state_transition_rejected", map[string]any{
			"doc_id": doc.ID,
			"from":   string(prevState),
			"to":     string(doc.State),
		})
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prevState, doc.State)
	}
	after, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(before, after) {
		return doc, nil
	}
	doc.LastActivityAt = time.Now().UTC()
	if doc.State.Terminal() && doc.CompletedAt == nil {
		now := doc.LastActivityAt
		doc.CompletedAt = &now
	}

	digest, err := writeDocumentAtomic(path, doc)
	if err != nil {
		return nil, err
	}
	if doc.State != prevState {
		s.record("state_transition", map[string]any{
			"doc_id": doc.ID,
			"from":   string(prevState),
			"to":     string(doc.State),
			"digest": digest,
		})
	}
	return doc, nil
}

// Transition is the common single-edge update.
func (s *Store) Transition(ctx context.Context, path string, to State) (*Document, error) {
	return s.Update(ctx, path, func(d *Document) error {
		d.State = to
		return nil
	})
}

// Archive moves a terminal document aside so a new run can claim the path.
// It holds the same lock Update does: the terminal check and the rename form
// one critical section, so a racing update cannot resurrect the path.
func (s *Store) Archive(ctx context.Context, path string) (string, error) {
	lk := s.docLock(path)
	if err := lk.Acquire(ctx); err != nil {
		return "", err
	}
	defer lk.Release()

	doc, err := s.Load(path)
	if err != nil {
		return "", err
	}
	if !doc.State.Terminal() {
		return "", fmt.Errorf("refusing to archive non-terminal document (state=%s)", doc.State)
	}
	dst := fmt.Sprintf("%s.archived-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, dst); err != nil {
		return "", err
	}
	s.record("state_archived", map[string]any{"doc_id": doc.ID, "path": dst})
	return dst, nil
}

// IncrementMetric returns a transform adding delta to a named counter.
// The transform is not idempotent; callers wanting exactly-once semantics
// rely on the store's serialization, not on replaying it.
func IncrementMetric(name string, delta int64) Transform {
	return func(d *Document) error {
		if d.Metrics == nil {
			d.Metrics = map[string]int64{}
		}
		d.Metrics[name] += delta
		return nil
	}
}

// SetPhaseStatus returns a transform updating one phase, stamping
// started/completed times on the in_progress/completed edges.
func SetPhaseStatus(phase string, status PhaseStatus) Transform {
	return func(d *Document) error {
		ph, ok := d.Phases[phase]
		if !ok {
			return fmt.Errorf("unknown phase: %q", phase)
		}
		now := time.Now().UTC()
		switch status {
		case PhaseInProgress:
			if ph.StartedAt == nil {
				ph.StartedAt = &now
			}
		case PhaseCompleted:
			ph.CompletedAt = &now
		}
		ph.Status = status
		return nil
	}
}

func (s *Store) record(event string, fields map[string]any) {
	if s == nil || s.Trajectory == nil {
		return
	}
	_ = s.Trajectory.Append(event, fields)
}

// writeDocumentAtomic writes the document to a temp file in the same
// directory, fsyncs, and renames over the target. Returns the blake3 digest
// of the committed bytes.
func writeDocumentAtomic(path string, doc *Document) (string, error) {
	if err := doc.validate(); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := io.Copy(tmp, bytes.NewReader(b)); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

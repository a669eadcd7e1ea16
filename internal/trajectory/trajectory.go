// Package trajectory appends one self-contained JSON record per significant
// routing or state event to an ndjson file. The file is the interface:
// analytics tooling tails it directly, so records must stay one-per-line and
// append-only.
package trajectory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
)

// Bounds on the cross-process append lock. Appends are small and fast, so a
// writer that cannot get the lock inside the window reports an error rather
// than stalling the routing loop behind it.
const (
	appendLockWait = 2 * time.Second
	appendLockPoll = 10 * time.Millisecond
)

type Writer struct {
	path string
	mu   sync.Mutex
}

func NewWriter(path string) *Writer {
	return &Writer{path: strings.TrimSpace(path)}
}

// Append writes one record. A nil Writer (or empty path) is a no-op so
// callers can run with logging disabled. Records gain ts/record_id/event
// fields; caller fields win on collision except for those three.
func (w *Writer) Append(event string, fields map[string]any) error {
	if w == nil || w.path == "" {
		return nil
	}
	rec := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	rec["record_id"] = ulid.Make().String()
	rec["event"] = event

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trajectory record: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// flock serializes appends from cooperating processes; O_APPEND alone is
	// atomic for small writes but the lock keeps the guarantee explicit. The
	// non-blocking variant keeps the wait bounded.
	deadline := time.Now().Add(appendLockWait)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EAGAIN) {
			return fmt.Errorf("lock %s: %w", w.path, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %s: no writer slot within %s", w.path, appendLockWait)
		}
		time.Sleep(appendLockPoll)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append %s: %w", w.path, err)
	}
	return nil
}

// Read returns all valid records plus the count of corrupted lines skipped.
// A missing file is an empty log, not an error.
func Read(path string) ([]map[string]any, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var out []map[string]any
	corrupt := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			corrupt++
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, corrupt, err
	}
	return out, corrupt, nil
}

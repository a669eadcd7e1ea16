package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json.lock")
}

func TestAcquireRelease(t *testing.T) {
	path := lockPath(t)
	l := New(path, Options{Timeout: time.Second})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
	l.Release() // idempotent

	// Reacquirable after release.
	l2 := New(path, Options{Timeout: time.Second})
	if err := l2.Acquire(context.Background()); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	l2.Release()
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	path := lockPath(t)
	holder := New(path, Options{Timeout: time.Second})
	if err := holder.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	waiter := New(path, Options{Timeout: 300 * time.Millisecond, Poll: 50 * time.Millisecond})
	err := waiter.Acquire(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	path := lockPath(t)
	holder := New(path, Options{Timeout: time.Second})
	if err := holder.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	waiter := New(path, Options{Timeout: 10 * time.Second, Poll: 50 * time.Millisecond})
	err := waiter.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestDirLockReclaimsDeadHolder(t *testing.T) {
	path := lockPath(t)
	dir := path + ".d"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// PIDs near the kernel max are never live in a test environment.
	b, _ := json.Marshal(holderInfo{PID: 4_000_000, AcquiredAt: time.Now().UTC()})
	if err := os.WriteFile(filepath.Join(dir, "holder.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	var warned string
	l := New(path, Options{
		Timeout:  2 * time.Second,
		ForceDir: true,
		OnWarn:   func(msg string) { warned = msg },
	})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire should reclaim the dead holder's lock: %v", err)
	}
	defer l.Release()
	if !strings.Contains(warned, "reclaiming stale lock") {
		t.Fatalf("warning = %q", warned)
	}
}

func TestDirLockReclaimsAgedHolder(t *testing.T) {
	path := lockPath(t)
	dir := path + ".d"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Live PID, but acquired far past the staleness threshold.
	b, _ := json.Marshal(holderInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC().Add(-time.Hour)})
	if err := os.WriteFile(filepath.Join(dir, "holder.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(path, Options{
		Timeout:    2 * time.Second,
		StaleAfter: time.Minute,
		ForceDir:   true,
		OnWarn:     func(string) {},
	})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire should reclaim the aged lock: %v", err)
	}
	l.Release()
}

func TestDirLockStaleReclaimSingleWinner(t *testing.T) {
	path := lockPath(t)
	dir := path + ".d"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(holderInfo{PID: 4_000_000, AcquiredAt: time.Now().UTC()})
	if err := os.WriteFile(filepath.Join(dir, "holder.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	// Every waiter races to reclaim the same stale lock; at most one may
	// hold it at any instant.
	const n = 6
	var holders atomic.Int32
	var wg sync.WaitGroup
	fail := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := New(path, Options{
				Timeout:  10 * time.Second,
				Poll:     5 * time.Millisecond,
				ForceDir: true,
				OnWarn:   func(string) {},
			})
			if err := l.Acquire(context.Background()); err != nil {
				fail <- err.Error()
				return
			}
			if got := holders.Add(1); got != 1 {
				fail <- "two waiters held the lock at once"
			}
			time.Sleep(10 * time.Millisecond)
			holders.Add(-1)
			l.Release()
		}()
	}
	wg.Wait()
	close(fail)
	for msg := range fail {
		t.Fatal(msg)
	}
}

func TestReclaimLeavesNoQuarantineBehind(t *testing.T) {
	path := lockPath(t)
	dir := path + ".d"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(holderInfo{PID: 4_000_000, AcquiredAt: time.Now().UTC()})
	if err := os.WriteFile(filepath.Join(dir, "holder.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(path, Options{ForceDir: true, OnWarn: func(string) {}})
	if !l.reclaimIfStale() {
		t.Fatal("stale lock must be reclaimed")
	}
	if l.reclaimIfStale() {
		t.Fatal("second reclaim has nothing to take")
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".stale-") {
			t.Fatalf("quarantined lock left behind: %s", e.Name())
		}
	}
}

func TestDirLockHeldByLiveFreshHolderTimesOut(t *testing.T) {
	path := lockPath(t)
	dir := path + ".d"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(holderInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()})
	if err := os.WriteFile(filepath.Join(dir, "holder.json"), b, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(path, Options{Timeout: 300 * time.Millisecond, Poll: 50 * time.Millisecond, ForceDir: true})
	err := l.Acquire(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

func TestFlockSidecarSurvivesRelease(t *testing.T) {
	path := lockPath(t)
	l := New(path, Options{Timeout: time.Second})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Release()

	// The sidecar stays (unlinking races waiters on the old inode) but the
	// holder record is cleared.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("sidecar should survive release: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("holder record not cleared: %q", b)
	}
}

func TestAcquireTwiceOnSameHandleErrors(t *testing.T) {
	path := lockPath(t)
	l := New(path, Options{Timeout: time.Second})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if err := l.Acquire(context.Background()); err == nil {
		t.Fatal("double acquire on one handle must error")
	}
}

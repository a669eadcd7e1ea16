// Package lockfile provides an exclusive cross-process lock scoped to one
// state document. The primary implementation uses flock on a sidecar file;
// a directory-creation fallback provides the same semantics on filesystems
// without advisory locks. Both record holder PID and acquisition time so a
// stale lock (dead holder, or older than a threshold) can be reclaimed.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danshapiro/loa/internal/procutil"
)

// ErrTimeout is returned when the lock could not be acquired within
// Options.Timeout. It is retryable by the caller.
var ErrTimeout = errors.New("lock acquisition timed out")

type Options struct {
	// Timeout bounds the whole acquisition attempt. <=0 means a single
	// non-blocking try.
	Timeout time.Duration

	// Poll is the sleep between tries. Defaults to 100ms.
	Poll time.Duration

	// StaleAfter is the age past which a held lock is reclaimable even if
	// the holder is alive. Defaults to 5 minutes.
	StaleAfter time.Duration

	// ForceDir selects the mkdir fallback unconditionally.
	ForceDir bool

	// OnWarn receives human-readable warnings (stale reclaims). Optional.
	OnWarn func(msg string)
}

func (o Options) withDefaults() Options {
	if o.Poll <= 0 {
		o.Poll = 100 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	return o
}

type holderInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type Lock struct {
	path string
	opts Options

	f      *os.File // flock mode
	dir    bool     // directory fallback mode
	locked bool
}

// New prepares a lock at path (conventionally "<document>.lock"). Nothing is
// acquired until Acquire.
func New(path string, opts Options) *Lock {
	return &Lock{path: path, opts: opts.withDefaults()}
}

// Acquire blocks until the lock is held, a stale lock is reclaimed and then
// held, or the timeout elapses. After removing a stale lock the next attempt
// happens immediately, before any other waiter's poll tick.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.locked {
		return fmt.Errorf("lock %s already held by this handle", l.path)
	}
	deadline := time.Now().Add(l.opts.Timeout)
	for {
		ok, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			l.locked = true
			return nil
		}
		if l.reclaimIfStale() {
			// Retry immediately: the window between staleness detection and
			// reacquisition should be as small as the platform allows.
			continue
		}
		if l.opts.Timeout <= 0 || time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrTimeout, l.path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.opts.Poll):
		}
	}
}

// Release drops the lock. Safe to call on error paths and more than once.
func (l *Lock) Release() {
	if !l.locked {
		return
	}
	l.locked = false
	if l.dir {
		_ = os.RemoveAll(l.dirPath())
		return
	}
	if l.f != nil {
		// Keep the sidecar file: unlinking while waiters hold the old inode
		// races a fresh create. Clearing the holder record is enough.
		_ = l.f.Truncate(0)
		_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
		_ = l.f.Close()
		l.f = nil
	}
}

func (l *Lock) tryAcquire() (bool, error) {
	if l.opts.ForceDir || l.dir {
		return l.tryAcquireDir()
	}
	ok, err := l.tryAcquireFlock()
	if err != nil && isFlockUnsupported(err) {
		// Fall back once and stay there for the lifetime of this handle.
		l.dir = true
		return l.tryAcquireDir()
	}
	return ok, err
}

func (l *Lock) tryAcquireFlock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return false, nil
		}
		return false, err
	}
	info := holderInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	b, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(b, 0)
		_ = f.Sync()
	}
	l.f = f
	return true, nil
}

func (l *Lock) tryAcquireDir() (bool, error) {
	dir := l.dirPath()
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return false, err
	}
	err := os.Mkdir(dir, 0o755)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	info := holderInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
	b, _ := json.Marshal(info)
	if err := os.WriteFile(filepath.Join(dir, "holder.json"), b, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return false, err
	}
	return true, nil
}

// reclaimIfStale removes the current lock if its holder is dead or it has
// outlived StaleAfter. Returns true when the lock is gone (reclaimed by us
// or by another waiter) and the caller should retry immediately.
//
// The rename is the single-winner step: exactly one waiter moves the stale
// lock aside before deleting it. A waiter whose rename hits ENOENT lost the
// race and just retries; the window between readHolderInfo and the rename
// can never produce two holders.
func (l *Lock) reclaimIfStale() bool {
	dirMode := l.dir || l.opts.ForceDir
	var infoPath string
	if dirMode {
		infoPath = filepath.Join(l.dirPath(), "holder.json")
	} else {
		infoPath = l.path
	}
	info, ok := readHolderInfo(infoPath)
	if !ok {
		return false
	}
	dead := !procutil.PIDAlive(info.PID)
	aged := !info.AcquiredAt.IsZero() && time.Since(info.AcquiredAt) > l.opts.StaleAfter
	if !dead && !aged {
		return false
	}

	src := l.path
	if dirMode {
		src = l.dirPath()
	}
	quarantine := fmt.Sprintf("%s.stale-%d-%d", src, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(src, quarantine); err != nil {
		return errors.Is(err, os.ErrNotExist)
	}
	reason := "holder process dead"
	if !dead {
		reason = fmt.Sprintf("held longer than %s", l.opts.StaleAfter)
	}
	l.warn(fmt.Sprintf("reclaiming stale lock %s (pid=%d, %s)", l.path, info.PID, reason))
	_ = os.RemoveAll(quarantine)
	return true
}

func (l *Lock) dirPath() string {
	return l.path + ".d"
}

func (l *Lock) warn(msg string) {
	if l.opts.OnWarn != nil {
		l.opts.OnWarn(msg)
		return
	}
	fmt.Fprintln(os.Stderr, "WARN: "+msg)
}

func readHolderInfo(path string) (holderInfo, bool) {
	b, err := os.ReadFile(path)
	if err != nil || len(b) == 0 {
		return holderInfo{}, false
	}
	var info holderInfo
	if err := json.Unmarshal(b, &info); err != nil || info.PID <= 0 {
		return holderInfo{}, false
	}
	return info, true
}

func isFlockUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOLCK)
}

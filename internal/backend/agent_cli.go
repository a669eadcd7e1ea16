package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AgentBackend invokes an agent CLI as a subprocess: user prompt on stdin,
// structured output expected on stdout. The executable and base argv are
// configurable so tests can point at a shim.
type AgentBackend struct {
	// BackendName distinguishes variants ("agent", "agent-baseline").
	BackendName string

	// Executable defaults to $LOA_AGENT_PATH, then "claude".
	Executable string

	// BaseArgs precede the generated flags. Defaults request non-interactive
	// JSON output.
	BaseArgs []string

	// IdleTimeout kills the process when it writes nothing to stdout or
	// stderr for this long. 0 disables the watchdog; the overall request
	// timeout still applies.
	IdleTimeout time.Duration

	// KillGrace is how long the process gets between SIGTERM on context
	// cancellation and SIGKILL. Defaults to 2s.
	KillGrace time.Duration
}

func (a *AgentBackend) Name() string {
	if a.BackendName != "" {
		return a.BackendName
	}
	return "agent"
}

func (a *AgentBackend) executable() string {
	if strings.TrimSpace(a.Executable) != "" {
		return a.Executable
	}
	if v := strings.TrimSpace(os.Getenv("LOA_AGENT_PATH")); v != "" {
		return v
	}
	return "claude"
}

func (a *AgentBackend) argv(req Request) []string {
	args := a.BaseArgs
	if args == nil {
		args = []string{"-p", "--output-format", "json"}
	}
	out := append([]string{}, args...)
	if m := strings.TrimSpace(req.Model); m != "" {
		out = append(out, "--model", m)
	}
	if sp := strings.TrimSpace(req.SystemPrompt); sp != "" {
		out = append(out, "--system-prompt", sp)
	}
	if req.Fast {
		out = append(out, "--fast")
	}
	if req.ExtraAccess {
		out = append(out, "--extra-access")
	}
	return out
}

// activityWriter stamps every write so the idle watchdog can tell a slow
// agent from a hung one.
type activityWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	last *atomic.Int64
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.last.Store(time.Now().UnixNano())
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *activityWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *activityWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func (a *AgentBackend) Invoke(ctx context.Context, req Request) ([]byte, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var last atomic.Int64
	last.Store(time.Now().UnixNano())
	stdout := &activityWriter{last: &last}
	stderr := &activityWriter{last: &last}

	exe := a.executable()
	cmd := exec.CommandContext(ctx, exe, a.argv(req)...)
	cmd.Stdin = strings.NewReader(req.UserPrompt)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = a.killGrace()

	var idleFired atomic.Bool
	if a.IdleTimeout > 0 {
		done := make(chan struct{})
		defer close(done)
		interval := a.IdleTimeout / 4
		if interval <= 0 {
			interval = time.Millisecond
		}
		go func() {
			tick := time.NewTicker(interval)
			defer tick.Stop()
			for {
				select {
				case <-done:
					return
				case <-ctx.Done():
					return
				case <-tick.C:
					if time.Since(time.Unix(0, last.Load())) > a.IdleTimeout {
						idleFired.Store(true)
						cancel()
						return
					}
				}
			}
		}()
	}

	runErr := cmd.Run()
	if runErr == nil {
		return stdout.Bytes(), nil
	}
	if idleFired.Load() {
		return nil, NewTimeoutError(a.Name(), fmt.Sprintf("agent produced no output for %s", a.IdleTimeout))
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, NewTimeoutError(a.Name(), "agent invocation exceeded "+req.Timeout.String())
	}
	exitCode := -1
	var ee *exec.ExitError
	if errors.As(runErr, &ee) {
		exitCode = ee.ExitCode()
	}
	return nil, ClassifyStderr(a.Name(), exitCode, stderr.String(), runErr)
}

func (a *AgentBackend) killGrace() time.Duration {
	if a.KillGrace > 0 {
		return a.KillGrace
	}
	return 2 * time.Second
}

package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeShim(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent-shim")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAgentBackendSuccess(t *testing.T) {
	shim := writeShim(t, `cat >/dev/null
echo '{"verdict":"APPROVED"}'
`)
	a := &AgentBackend{Executable: shim}
	out, err := a.Invoke(context.Background(), Request{Model: "m1", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if strings.TrimSpace(string(out)) != `{"verdict":"APPROVED"}` {
		t.Fatalf("out = %q", out)
	}
}

func TestAgentBackendPromptOnStdin(t *testing.T) {
	shim := writeShim(t, `prompt=$(cat)
printf '{"verdict":"APPROVED","summary":"%s"}' "$prompt"
`)
	a := &AgentBackend{Executable: shim}
	out, err := a.Invoke(context.Background(), Request{UserPrompt: "task-42"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(string(out), "task-42") {
		t.Fatalf("stdin prompt did not reach the process: %q", out)
	}
}

func TestAgentBackendClassifiesAuthFailure(t *testing.T) {
	shim := writeShim(t, `echo "Error: Invalid API key" >&2
exit 1
`)
	a := &AgentBackend{Executable: shim}
	_, err := a.Invoke(context.Background(), Request{UserPrompt: "x"})
	if !IsAuthenticationError(err) {
		t.Fatalf("got %T: %v", err, err)
	}
}

func TestAgentBackendNonZeroExit(t *testing.T) {
	shim := writeShim(t, `echo "something broke" >&2
exit 3
`)
	a := &AgentBackend{Executable: shim}
	_, err := a.Invoke(context.Background(), Request{UserPrompt: "x"})
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("got %T: %v", err, err)
	}
	if ie.ExitCode != 3 {
		t.Fatalf("exit = %d", ie.ExitCode)
	}
}

func TestAgentBackendTimeout(t *testing.T) {
	shim := writeShim(t, `sleep 10
`)
	a := &AgentBackend{Executable: shim, KillGrace: 100 * time.Millisecond}
	_, err := a.Invoke(context.Background(), Request{UserPrompt: "x", Timeout: 100 * time.Millisecond})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %T: %v", err, err)
	}
}

func TestAgentBackendIdleWatchdog(t *testing.T) {
	shim := writeShim(t, `sleep 10
`)
	a := &AgentBackend{Executable: shim, IdleTimeout: 200 * time.Millisecond, KillGrace: 100 * time.Millisecond}
	start := time.Now()
	_, err := a.Invoke(context.Background(), Request{UserPrompt: "x", Timeout: 30 * time.Second})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %T: %v", err, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("watchdog did not fire, took %s", elapsed)
	}
	if !strings.Contains(err.Error(), "no output") {
		t.Fatalf("err = %v, want idle message", err)
	}
}

func TestAgentBackendArgv(t *testing.T) {
	a := &AgentBackend{}
	got := a.argv(Request{Model: "m1", SystemPrompt: "be brief", Fast: true, ExtraAccess: true})
	want := []string{"-p", "--output-format", "json", "--model", "m1", "--system-prompt", "be brief", "--fast", "--extra-access"}
	if len(got) != len(want) {
		t.Fatalf("argv = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	bare := a.argv(Request{})
	if len(bare) != 3 {
		t.Fatalf("bare argv = %v", bare)
	}
}

func TestAgentBackendExecutableResolution(t *testing.T) {
	t.Setenv("LOA_AGENT_PATH", "/opt/agent")
	if got := (&AgentBackend{}).executable(); got != "/opt/agent" {
		t.Fatalf("env resolution: %q", got)
	}
	if got := (&AgentBackend{Executable: "/usr/bin/custom"}).executable(); got != "/usr/bin/custom" {
		t.Fatalf("field wins: %q", got)
	}
	t.Setenv("LOA_AGENT_PATH", "")
	if got := (&AgentBackend{}).executable(); got != "claude" {
		t.Fatalf("default: %q", got)
	}
}

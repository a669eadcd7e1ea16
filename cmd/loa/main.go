package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/loa/internal/backend"
	"github.com/danshapiro/loa/internal/lockfile"
	"github.com/danshapiro/loa/internal/loa"
	"github.com/danshapiro/loa/internal/loa/cond"
	"github.com/danshapiro/loa/internal/statestore"
	"github.com/danshapiro/loa/internal/trajectory"
	"github.com/danshapiro/loa/internal/verdict"
)

// Exit codes are the branching surface for calling workflow scripts; keep
// them stable.
const (
	exitOK              = 0
	exitRoutesExhausted = 10
	exitAttemptCap      = 11
	exitHardFail        = 12
	exitHardFailAuth    = 13
	exitConfigError     = 20
	exitBadTransition   = 30
	exitLockTimeout     = 31
	exitUsage           = 64
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}
	switch os.Args[1] {
	case "route":
		routeCmd(os.Args[2:])
	case "state":
		stateCmd(os.Args[2:])
	default:
		usage()
		os.Exit(exitUsage)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  loa route --model <id> --prompt <file> [--system <file>] [--config <routes.yaml>] [--mode auto|agent-only|http-only] [--task-type <t>] [--timeout <s>] [--fast] [--extra-access] [--trajectory <file.ndjson>]")
	fmt.Fprintln(os.Stderr, "  loa state init --doc <path>")
	fmt.Fprintln(os.Stderr, "  loa state transition --doc <path> --to <STATE> [--lock-timeout <dur>]")
	fmt.Fprintln(os.Stderr, "  loa state phase --doc <path> --name <phase> --status <status>")
	fmt.Fprintln(os.Stderr, "  loa state show --doc <path>")
	fmt.Fprintln(os.Stderr, "  loa state archive --doc <path>")
}

func routeCmd(args []string) {
	var configPath, model, systemPath, promptPath, modeStr, taskType, trajPath, timeoutStr string
	var fast, extraAccess bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--fast":
			fast = true
		case "--extra-access":
			extraAccess = true
		case "--timeout":
			i = takeValue(args, i, &timeoutStr)
		case "--config":
			i = takeValue(args, i, &configPath)
		case "--model":
			i = takeValue(args, i, &model)
		case "--system":
			i = takeValue(args, i, &systemPath)
		case "--prompt":
			i = takeValue(args, i, &promptPath)
		case "--mode":
			i = takeValue(args, i, &modeStr)
		case "--task-type":
			i = takeValue(args, i, &taskType)
		case "--trajectory":
			i = takeValue(args, i, &trajPath)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			os.Exit(exitUsage)
		}
	}
	if model == "" || promptPath == "" {
		fmt.Fprintln(os.Stderr, "--model and --prompt are required")
		os.Exit(exitUsage)
	}

	mode, err := loa.ParseExecutionMode(modeStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	system := ""
	if systemPath != "" {
		b, err := os.ReadFile(systemPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		system = string(b)
	}

	traj := trajectory.NewWriter(trajPath)
	conds := defaultConditions()
	backends := defaultBackends()

	limits := loa.DefaultLimits()
	if timeoutStr != "" {
		secs, err := strconv.Atoi(timeoutStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --timeout: %v\n", err)
			os.Exit(exitUsage)
		}
		if secs < limits.TimeoutMinSeconds {
			secs = limits.TimeoutMinSeconds
		}
		if secs > limits.TimeoutMaxSeconds {
			secs = limits.TimeoutMaxSeconds
		}
		limits.DefaultTimeoutSeconds = secs
	}
	table, warnings, err := loa.LoadTable(configPath, limits, conds, backends)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	if err := loa.ApplyMode(table, mode); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
	for _, w := range warnings {
		fmt.Fprintln(os.Stderr, "WARN: "+w)
		_ = traj.Append("warning", map[string]any{"message": w})
	}

	exec := &loa.Executor{
		Table:      table,
		Conditions: conds,
		Backends:   backends,
		Limits:     limits,
		Backoff:    loa.DefaultBackoffConfig(),
		Trajectory: traj,
	}
	raw, err := exec.Execute(context.Background(), backend.Request{
		Model:        model,
		SystemPrompt: system,
		UserPrompt:   string(prompt),
		Fast:         fast,
		ExtraAccess:  extraAccess,
		Mode:         string(mode),
		TaskType:     taskType,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(routeExitCode(err))
	}
	doc, err := verdict.Decode(raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitHardFail)
	}
	_ = traj.Append("verdict", map[string]any{"verdict": doc.Verdict, "findings": len(doc.Findings)})
	fmt.Printf("%s\n", raw)
	os.Exit(exitOK)
}

func routeExitCode(err error) int {
	var exhausted *loa.RoutesExhaustedError
	if errors.As(err, &exhausted) {
		return exitRoutesExhausted
	}
	var capErr *loa.AttemptCapError
	if errors.As(err, &capErr) {
		return exitAttemptCap
	}
	if backend.IsAuthenticationError(err) {
		return exitHardFailAuth
	}
	return exitHardFail
}

func defaultConditions() *cond.Registry {
	r := cond.NewDefaultRegistry()
	r.Register("flatline_enabled", cond.EnvFlag("LOA_FLATLINE_ENABLED"))
	r.Register("agent_cli_present", cond.BinaryPresent(agentExecutable()))
	r.Register("review_artifacts_present", cond.ArtifactPresent(".", "reviews/**/*.json"))
	return r
}

func defaultBackends() *backend.Registry {
	r := backend.NewRegistry()
	baseline := &backend.AgentBackend{BackendName: "agent-baseline", IdleTimeout: 5 * time.Minute}
	enhanced := &backend.AgentBackend{
		BackendName: "agent-enhanced",
		BaseArgs:    []string{"-p", "--output-format", "json", "--multi-pass"},
		IdleTimeout: 5 * time.Minute,
	}
	r.Register(baseline)
	r.Register(&backend.CompositeBackend{
		BackendName: "agent",
		Enhanced:    enhanced,
		Baseline:    baseline,
	})
	r.Register(&backend.HTTPBackend{
		BaseURL:   strings.TrimSpace(os.Getenv("LOA_HTTP_ENDPOINT")),
		APIKeyEnv: "LOA_HTTP_API_KEY",
	})
	return r
}

func agentExecutable() string {
	if v := strings.TrimSpace(os.Getenv("LOA_AGENT_PATH")); v != "" {
		return v
	}
	return "claude"
}

func stateCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(exitUsage)
	}
	sub := args[0]
	var docPath, toStr, phaseName, statusStr, lockTimeoutStr, trajPath string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--doc":
			i = takeValue(args, i, &docPath)
		case "--to":
			i = takeValue(args, i, &toStr)
		case "--name":
			i = takeValue(args, i, &phaseName)
		case "--status":
			i = takeValue(args, i, &statusStr)
		case "--lock-timeout":
			i = takeValue(args, i, &lockTimeoutStr)
		case "--trajectory":
			i = takeValue(args, i, &trajPath)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			usage()
			os.Exit(exitUsage)
		}
	}
	if docPath == "" {
		fmt.Fprintln(os.Stderr, "--doc is required")
		os.Exit(exitUsage)
	}

	store := &statestore.Store{Trajectory: trajectory.NewWriter(trajPath)}
	if lockTimeoutStr != "" {
		d, err := time.ParseDuration(lockTimeoutStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --lock-timeout: %v\n", err)
			os.Exit(exitUsage)
		}
		store.LockTimeout = d
	}
	ctx := context.Background()

	switch sub {
	case "init":
		doc, err := store.Create(docPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		fmt.Println(doc.ID)
	case "transition":
		to, err := statestore.ParseState(toStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		if _, err := store.Transition(ctx, docPath, to); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(stateExitCode(err))
		}
	case "phase":
		status, err := statestore.ParsePhaseStatus(statusStr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitUsage)
		}
		if _, err := store.Update(ctx, docPath, statestore.SetPhaseStatus(phaseName, status)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(stateExitCode(err))
		}
	case "show":
		b, err := os.ReadFile(docPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitConfigError)
		}
		fmt.Print(string(b))
	case "archive":
		dst, err := store.Archive(ctx, docPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(stateExitCode(err))
		}
		fmt.Println(dst)
	default:
		usage()
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}

func stateExitCode(err error) int {
	if errors.Is(err, statestore.ErrInvalidTransition) {
		return exitBadTransition
	}
	if errors.Is(err, lockfile.ErrTimeout) {
		return exitLockTimeout
	}
	return exitConfigError
}

func takeValue(args []string, i int, out *string) int {
	if i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[i])
		os.Exit(exitUsage)
	}
	*out = args[i+1]
	return i + 1
}

//go:build !windows

// Package sandbox – exec_direct.go runs commands via os/exec with process
// group isolation. The whole process tree is killed on timeout.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DirectExecutor runs commands directly via exec.Command.
type DirectExecutor struct {
	cfg    Config
	logger *slog.Logger
}

// NewDirectExecutor creates a direct executor with defaults applied.
func NewDirectExecutor(cfg Config, logger *slog.Logger) *DirectExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	return &DirectExecutor{cfg: cfg, logger: logger.With("component", "sandbox")}
}

// Name returns the executor name.
func (e *DirectExecutor) Name() string { return "direct" }

// Close is a no-op for the direct executor.
func (e *DirectExecutor) Close() error { return nil }

// Execute runs the command with the sandbox bounds applied.
func (e *DirectExecutor) Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.buildCommand(runCtx, req)

	var stdout, stderr cappedBuffer
	stdout.max = e.cfg.MaxOutputBytes
	stderr.max = e.cfg.MaxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			if runCtx.Err() != nil {
				result.Killed = true
				result.KillReason = "timeout"
			}
		} else {
			return result, fmt.Errorf("executing command: %w", err)
		}
	}

	e.logger.Debug("command finished",
		"command", req.Command[0],
		"exit_code", result.ExitCode,
		"killed", result.Killed,
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// buildCommand constructs the exec.Cmd with process-group isolation.
func (e *DirectExecutor) buildCommand(ctx context.Context, req *ExecRequest) *exec.Cmd {
	var cmd *exec.Cmd
	if req.Shell {
		cmd = exec.CommandContext(ctx, e.cfg.Shell, "-c", strings.Join(req.Command, " "))
	} else {
		cmd = exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	}

	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	} else if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}

	cmd.Env = e.buildEnv(req)

	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	return cmd
}

// buildEnv filters the inherited environment and merges request vars.
func (e *DirectExecutor) buildEnv(req *ExecRequest) []string {
	blocked := make(map[string]bool, len(defaultBlockedEnv)+len(e.cfg.BlockedEnv))
	for _, k := range defaultBlockedEnv {
		blocked[k] = true
	}
	for _, k := range e.cfg.BlockedEnv {
		blocked[k] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if blocked[name] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range req.Env {
		if blocked[k] {
			continue
		}
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// cappedBuffer captures output up to max bytes and drops the rest.
type cappedBuffer struct {
	buf       strings.Builder
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...[output truncated]"
	}
	return b.buf.String()
}

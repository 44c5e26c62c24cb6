//go:build !windows

package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDirectExecutorRunsCommand(t *testing.T) {
	e := NewDirectExecutor(Config{}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"echo", "hello"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("result %+v", res)
	}
}

func TestDirectExecutorShellMode(t *testing.T) {
	e := NewDirectExecutor(Config{}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"echo a && echo b"},
		Shell:   true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "a\nb" {
		t.Errorf("stdout %q", res.Stdout)
	}
}

func TestDirectExecutorNonZeroExitIsNotAnError(t *testing.T) {
	e := NewDirectExecutor(Config{}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"false"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code")
	}
}

func TestDirectExecutorEmptyCommand(t *testing.T) {
	e := NewDirectExecutor(Config{}, nil)

	if _, err := e.Execute(context.Background(), &ExecRequest{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestDirectExecutorTimeoutKillsProcess(t *testing.T) {
	e := NewDirectExecutor(Config{}, nil)

	start := time.Now()
	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"sleep", "30"},
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Killed || res.KillReason != "timeout" {
		t.Errorf("result %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %s", elapsed)
	}
}

func TestDirectExecutorOutputCap(t *testing.T) {
	e := NewDirectExecutor(Config{MaxOutputBytes: 64}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"yes"},
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasSuffix(res.Stdout, "...[output truncated]") {
		t.Error("missing truncation marker")
	}
	if len(res.Stdout) > 64+len("\n...[output truncated]") {
		t.Errorf("stdout not capped: %d bytes", len(res.Stdout))
	}
}

func TestDirectExecutorStdin(t *testing.T) {
	e := NewDirectExecutor(Config{}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"cat"},
		Stdin:   "piped input",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Stdout != "piped input" {
		t.Errorf("stdout %q", res.Stdout)
	}
}

func TestDirectExecutorWorkDir(t *testing.T) {
	dir := t.TempDir()
	e := NewDirectExecutor(Config{}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"pwd"},
		WorkDir: dir,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Symlinked temp dirs (macOS) still end with the same base name.
	if !strings.Contains(strings.TrimSpace(res.Stdout), strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd %q, want %q", res.Stdout, dir)
	}
}

func TestDirectExecutorBlocksEnvInjection(t *testing.T) {
	e := NewDirectExecutor(Config{BlockedEnv: []string{"CUSTOM_BLOCKED"}}, nil)

	res, err := e.Execute(context.Background(), &ExecRequest{
		Command: []string{"env"},
		Env: map[string]string{
			"LD_PRELOAD":     "/tmp/evil.so",
			"CUSTOM_BLOCKED": "nope",
			"ALLOWED_VAR":    "yes",
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(res.Stdout, "LD_PRELOAD=") {
		t.Error("LD_PRELOAD leaked into the child environment")
	}
	if strings.Contains(res.Stdout, "CUSTOM_BLOCKED=") {
		t.Error("config-blocked variable leaked")
	}
	if !strings.Contains(res.Stdout, "ALLOWED_VAR=yes") {
		t.Error("allowed variable missing")
	}
}

func TestCappedBuffer(t *testing.T) {
	var b cappedBuffer
	b.max = 5

	n, err := b.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Fatalf("write: %d, %v", n, err)
	}
	if got := b.String(); got != "abcde\n...[output truncated]" {
		t.Errorf("got %q", got)
	}
}

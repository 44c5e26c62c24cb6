//go:build windows

// Package sandbox – exec_windows.go is the Windows placeholder. Process
// group isolation relies on POSIX signals, so command execution is refused
// rather than run without containment.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
)

// ErrWindowsNotSupported is returned for every execution attempt on Windows.
var ErrWindowsNotSupported = errors.New("sandboxed command execution is not supported on Windows yet")

// DirectExecutor is the Windows stub; it satisfies the Executor interface
// so the rest of the daemon builds and runs, but Execute always fails.
type DirectExecutor struct {
	cfg    Config
	logger *slog.Logger
}

// NewDirectExecutor creates the stub executor.
func NewDirectExecutor(cfg Config, logger *slog.Logger) *DirectExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectExecutor{cfg: cfg, logger: logger.With("component", "sandbox")}
}

// Name returns the executor name.
func (e *DirectExecutor) Name() string { return "direct" }

// Close is a no-op.
func (e *DirectExecutor) Close() error { return nil }

// Execute refuses to run commands on Windows.
func (e *DirectExecutor) Execute(_ context.Context, _ *ExecRequest) (*ExecResult, error) {
	e.logger.Warn("exec tool invoked on Windows, refusing")
	return nil, ErrWindowsNotSupported
}

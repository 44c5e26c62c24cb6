// Package sandbox provides resource-bounded command execution for agent
// tools.
//
// It enforces:
//   - Wall-clock timeouts with process-group kill
//   - Output size limits (stdout+stderr capture cap)
//   - Working-directory confinement to the persona workspace
//   - Environment variable filtering (blocks injection vectors)
//   - No shell interpretation unless the request explicitly asks for it
package sandbox

import (
	"context"
	"time"
)

// Config holds the sandbox policy.
type Config struct {
	// Timeout is the maximum execution time for a single run. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes limits stdout+stderr capture size. Defaults to 1MB.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// WorkDir is the default working directory for execution.
	WorkDir string `yaml:"work_dir"`

	// BlockedEnv lists environment variable names always stripped from the
	// child process, on top of the built-in block list.
	BlockedEnv []string `yaml:"blocked_env"`

	// Shell is the interpreter used when a request enables shell mode.
	// Defaults to /bin/sh.
	Shell string `yaml:"shell"`
}

// defaultBlockedEnv are injection vectors stripped unconditionally.
var defaultBlockedEnv = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"DYLD_INSERT_LIBRARIES",
	"NODE_OPTIONS",
	"PYTHONPATH",
	"PYTHONSTARTUP",
	"BASH_ENV",
	"ENV",
	"IFS",
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	// Command is the program and its arguments. With Shell set, Command[0]
	// is passed as a single command line to the configured shell instead.
	Command []string

	// Shell enables shell interpretation of Command[0].
	Shell bool

	// WorkDir overrides the config working directory.
	WorkDir string

	// Stdin provides data on the child's standard input.
	Stdin string

	// Env are additional environment variables, subject to filtering.
	Env map[string]string

	// Timeout overrides the config timeout when positive.
	Timeout time.Duration
}

// ExecResult is the outcome of one execution.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Killed     bool
	KillReason string
	Duration   time.Duration
}

// Executor runs commands under the sandbox policy.
type Executor interface {
	// Execute runs the request. A non-zero exit code is a result, not an
	// error; errors mean the command could not be run at all.
	Execute(ctx context.Context, req *ExecRequest) (*ExecResult, error)

	// Name returns the executor identifier.
	Name() string

	Close() error
}

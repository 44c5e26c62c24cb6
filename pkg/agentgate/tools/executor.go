// Package tools manages the registry of named capabilities and dispatches
// tool calls from the model to their handlers. Every invocation produces a
// well-formed Result, success or failure; a handler fault never propagates
// to the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
)

// HardMaxResultChars caps any single tool result. Oversized results are
// truncated with a marker; without the cap one tool call can blow the
// context window.
const HardMaxResultChars = 400_000

// HandlerFunc executes one tool call with parsed arguments.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Result is the outcome of one tool invocation. Err is recorded for logs;
// Content always carries a model-readable rendering, including failures.
type Result struct {
	ToolCallID string
	Name       string
	Content    string
	Err        error
	TimedOut   bool
	Duration   time.Duration
}

// registeredTool pairs a definition with its handler and bounds.
type registeredTool struct {
	def     provider.ToolDefinition
	handler HandlerFunc
	timeout time.Duration
}

// sequentialTools must never run concurrently with other calls in the same
// round (they mutate shared state such as the workspace).
var sequentialTools = map[string]bool{
	"write_file": true,
	"exec":       true,
}

// Executor is the tool registry and dispatcher.
type Executor struct {
	mu        sync.RWMutex
	tools     map[string]registeredTool
	defsCache []provider.ToolDefinition
	defsDirty bool
	sem       chan struct{}
	timeout   time.Duration
	logger    *slog.Logger
}

// Config tunes the executor bounds.
type Config struct {
	// MaxParallel bounds simultaneous tool executions across the whole
	// process. Rounds from different conversations share the same slots.
	MaxParallel int `yaml:"max_parallel"`

	// Timeout is the default per-invocation wall-clock bound.
	Timeout time.Duration `yaml:"timeout"`
}

// NewExecutor creates an empty registry.
func NewExecutor(cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Executor{
		tools:     make(map[string]registeredTool),
		defsDirty: true,
		sem:       make(chan struct{}, cfg.MaxParallel),
		timeout:   cfg.Timeout,
		logger:    logger.With("component", "tools"),
	}
}

// Register adds a capability. timeout <= 0 uses the executor default.
func (e *Executor) Register(def provider.ToolDefinition, handler HandlerFunc, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timeout <= 0 {
		timeout = e.timeout
	}
	e.tools[def.Function.Name] = registeredTool{def: def, handler: handler, timeout: timeout}
	e.defsDirty = true
}

// Has reports whether a tool is registered.
func (e *Executor) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tools[name]
	return ok
}

// Definitions returns the tool schema, filtered by the allow predicate
// (nil allows everything). The unfiltered list is cached until the registry
// changes.
func (e *Executor) Definitions(allowed func(string) bool) []provider.ToolDefinition {
	e.mu.Lock()
	if e.defsDirty {
		e.defsCache = e.defsCache[:0]
		for _, t := range e.tools {
			e.defsCache = append(e.defsCache, t.def)
		}
		e.defsDirty = false
	}
	defs := make([]provider.ToolDefinition, len(e.defsCache))
	copy(defs, e.defsCache)
	e.mu.Unlock()

	if allowed == nil {
		return defs
	}
	out := defs[:0]
	for _, d := range defs {
		if allowed(d.Function.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs one round of tool calls and returns one Result per call, in
// call order. Calls run in parallel unless the round contains a sequential
// tool; every invocation, serial or parallel, takes a slot on the shared
// executor semaphore, so the MaxParallel bound holds across concurrent
// rounds from different conversations.
func (e *Executor) Execute(ctx context.Context, calls []session.ToolCall, allowed func(string) bool) []Result {
	if len(calls) <= 1 || e.hasSequentialTool(calls) {
		results := make([]Result, len(calls))
		for i, call := range calls {
			results[i] = e.executeSingle(ctx, call, allowed)
		}
		return results
	}

	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc session.ToolCall) {
			defer wg.Done()
			results[idx] = e.executeSingle(ctx, tc, allowed)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) hasSequentialTool(calls []session.ToolCall) bool {
	for _, c := range calls {
		if sequentialTools[c.Name] {
			return true
		}
	}
	return false
}

// executeSingle runs one call. Unknown tool, denied tool, bad arguments,
// handler error, panic and timeout all come back as failure Results.
func (e *Executor) executeSingle(ctx context.Context, call session.ToolCall, allowed func(string) bool) Result {
	result := Result{ToolCallID: call.ID, Name: call.Name}

	e.mu.RLock()
	tool, ok := e.tools[call.Name]
	e.mu.RUnlock()

	if !ok {
		result.Content = formatToolError(call.Name, fmt.Errorf("unknown tool %q", call.Name))
		result.Err = fmt.Errorf("unknown tool: %s", call.Name)
		e.logger.Warn("unknown tool called", "name", call.Name)
		return result
	}
	if allowed != nil && !allowed(call.Name) {
		result.Content = formatToolError(call.Name, fmt.Errorf("tool not allowed for this persona"))
		result.Err = fmt.Errorf("tool not allowed: %s", call.Name)
		e.logger.Warn("tool blocked by persona allowlist", "name", call.Name)
		return result
	}

	args, err := parseArgs(call.Arguments)
	if err != nil {
		result.Content = formatToolError(call.Name, fmt.Errorf("error parsing arguments: %w", err))
		result.Err = err
		e.logger.Warn("tool argument parse error", "name", call.Name, "err", err)
		return result
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Content = formatToolError(call.Name, ctx.Err())
		result.Err = ctx.Err()
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, tool.timeout)
	defer cancel()

	start := time.Now()
	output, err := e.safeInvoke(callCtx, tool.handler, args)
	result.Duration = time.Since(start)

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
			err = fmt.Errorf("timed out after %s", tool.timeout)
		}
		result.Content = formatToolError(call.Name, err)
		result.Err = err
		e.logger.Warn("tool failed",
			"name", call.Name,
			"duration_ms", result.Duration.Milliseconds(),
			"timed_out", result.TimedOut,
			"err", err)
		return result
	}

	result.Content = truncateResult(formatOutput(output))
	e.logger.Debug("tool done",
		"name", call.Name,
		"duration_ms", result.Duration.Milliseconds(),
		"output_chars", len(result.Content))
	return result
}

// safeInvoke calls the handler with panic containment.
func (e *Executor) safeInvoke(ctx context.Context, handler HandlerFunc, args map[string]any) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}

// parseArgs decodes the raw JSON argument object. Empty means no arguments.
func parseArgs(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	return args, nil
}

// formatOutput renders a handler's return value for the model.
func formatOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return "(no output)"
	case string:
		if v == "" {
			return "(no output)"
		}
		return v
	case error:
		return v.Error()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func formatToolError(name string, err error) string {
	return fmt.Sprintf("Error executing %s: %v", name, err)
}

func truncateResult(s string) string {
	if len(s) <= HardMaxResultChars {
		return s
	}
	return s[:HardMaxResultChars] + "\n...[output truncated]"
}

// manager.go runs sub-agents: background tasks spawned from a conversation,
// each in its own isolated session with a timeout and a concurrency cap.
// The spawning turn returns immediately; the result is posted back to the
// originating conversation when the run finishes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/tools"
)

// RunStatus is the lifecycle state of one sub-agent run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunCancelled RunStatus = "cancelled"
)

// Run is one sub-agent execution. Snapshots returned by the manager are
// copies; the live record is only ever mutated under the manager's lock.
type Run struct {
	ID                 string
	Label              string
	Task               string
	Persona            string
	Status             RunStatus
	Result             string
	Error              string
	OriginConversation string
	StartedAt          time.Time
	CompletedAt        time.Time
	Duration           time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// RunFunc drives one sub-agent task to completion inside the given isolated
// conversation and returns the final assistant text.
type RunFunc func(ctx context.Context, conversationID, personaName, task string) (string, error)

// DeliverFunc posts text to the platform channel serving a conversation.
type DeliverFunc func(ctx context.Context, conversationID, text string) error

// ManagerConfig tunes the sub-agent manager.
type ManagerConfig struct {
	// MaxConcurrent caps simultaneously running sub-agents.
	MaxConcurrent int `yaml:"max_concurrent"`

	// DefaultTimeout bounds a run when the spawn call gives no timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultManagerConfig returns the stock sub-agent policy.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConcurrent:  5,
		DefaultTimeout: 5 * time.Minute,
	}
}

// SpawnParams describes one sub-agent to start.
type SpawnParams struct {
	Task               string
	Label              string
	Persona            string
	Timeout            time.Duration
	OriginConversation string
}

// ErrTooManyRuns is returned when the concurrency cap is reached.
var ErrTooManyRuns = errors.New("sub-agent concurrency limit reached")

// Manager owns the sub-agent run table.
type Manager struct {
	run     RunFunc
	deliver DeliverFunc
	cfg     ManagerConfig
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// NewManager creates a sub-agent manager. deliver may be nil when no
// platform delivery is wired (the chat REPL).
func NewManager(run RunFunc, deliver DeliverFunc, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Manager{
		run:     run,
		deliver: deliver,
		cfg:     cfg,
		logger:  logger.With("component", "subagent"),
		runs:    make(map[string]*Run),
	}
}

// Spawn starts a sub-agent in the background and returns its run snapshot
// immediately. The admission check and the table insert happen under one
// lock, so concurrent spawns cannot overshoot the cap.
func (m *Manager) Spawn(params SpawnParams) (Run, error) {
	if params.Task == "" {
		return Run{}, fmt.Errorf("task is required")
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	label := params.Label
	if label == "" {
		label = shortLabel(params.Task)
	}

	m.mu.Lock()
	if active := m.activeLocked(); active >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return Run{}, fmt.Errorf("%w (%d running)", ErrTooManyRuns, active)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	run := &Run{
		ID:                 uuid.NewString()[:8],
		Label:              label,
		Task:               params.Task,
		Persona:            params.Persona,
		Status:             RunRunning,
		OriginConversation: params.OriginConversation,
		StartedAt:          time.Now(),
		cancel:             cancel,
		done:               make(chan struct{}),
	}
	m.runs[run.ID] = run
	snapshot := *run
	m.mu.Unlock()

	m.logger.Info("sub-agent spawned",
		"run", run.ID,
		"label", run.Label,
		"origin", run.OriginConversation,
		"timeout", timeout)

	go m.execute(ctx, run)
	return snapshot, nil
}

// execute drives one run to completion, records the outcome and delivers
// the notice to the originating conversation.
func (m *Manager) execute(ctx context.Context, run *Run) {
	defer run.cancel()

	conversationID := "subagent:" + run.ID
	result, err := m.run(ctx, conversationID, run.Persona, run.Task)

	m.mu.Lock()
	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	switch {
	case err == nil:
		run.Status = RunCompleted
		run.Result = result
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		run.Status = RunTimeout
		run.Error = fmt.Sprintf("timed out after %s", run.Duration.Round(time.Second))
	case errors.Is(ctx.Err(), context.Canceled):
		run.Status = RunCancelled
		run.Error = "cancelled"
	default:
		run.Status = RunFailed
		run.Error = err.Error()
	}
	snapshot := *run
	close(run.done)
	m.mu.Unlock()

	m.logger.Info("sub-agent finished",
		"run", snapshot.ID,
		"status", snapshot.Status,
		"duration_ms", snapshot.Duration.Milliseconds())

	// Cancelled runs were stopped on purpose; nothing to report.
	if m.deliver == nil || snapshot.OriginConversation == "" || snapshot.Status == RunCancelled {
		return
	}
	deliverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.deliver(deliverCtx, snapshot.OriginConversation, completionNotice(snapshot)); err != nil {
		m.logger.Error("sub-agent result delivery failed",
			"run", snapshot.ID,
			"conversation", snapshot.OriginConversation,
			"err", err)
	}
}

// completionNotice renders the message posted back to the origin.
func completionNotice(run Run) string {
	elapsed := run.Duration.Round(time.Second)
	switch run.Status {
	case RunCompleted:
		return fmt.Sprintf("**Sub-agent** `%s` **completed** (%s):\n\n%s", run.Label, elapsed, run.Result)
	case RunTimeout:
		return fmt.Sprintf("**Sub-agent** `%s` **timed out** after %s.", run.Label, elapsed)
	default:
		return fmt.Sprintf("**Sub-agent** `%s` **failed** (%s): %s", run.Label, elapsed, run.Error)
	}
}

// Get returns a snapshot of one run.
func (m *Manager) Get(id string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns snapshots of all runs, newest first.
func (m *Manager) List() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of running sub-agents.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, run := range m.runs {
		if run.Status == RunRunning {
			n++
		}
	}
	return n
}

// Wait blocks until the run finishes or ctx expires, then returns the final
// snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Run{}, fmt.Errorf("run %s not found", id)
	}

	select {
	case <-run.done:
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return *run, nil
}

// Stop cancels a running sub-agent.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	var status RunStatus
	var cancel context.CancelFunc
	if ok {
		status = run.Status
		cancel = run.cancel
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	if status != RunRunning {
		return fmt.Errorf("run %s already %s", id, status)
	}
	cancel()
	return nil
}

// CancelAll stops every running sub-agent. Called on daemon shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, run := range m.runs {
		if run.Status == RunRunning {
			cancels = append(cancels, run.cancel)
		}
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Cleanup removes finished runs older than maxAge and returns how many were
// dropped.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, run := range m.runs {
		if run.Status != RunRunning && run.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
			n++
		}
	}
	return n
}

// shortLabel derives a display label from the task text.
func shortLabel(task string) string {
	task = strings.TrimSpace(task)
	if len(task) <= 40 {
		return task
	}
	return task[:40] + "..."
}

// RegisterTools adds the sub-agent tools to the executor. Sub-agents never
// get to spawn further sub-agents: the spawn handler refuses calls whose
// originating conversation is itself a sub-agent session.
func (m *Manager) RegisterTools(e *tools.Executor) {
	e.Register(provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name: "spawn_agent",
			Description: "Start a background sub-agent that works on a task in its own isolated session. " +
				"Returns immediately; the result is posted to this conversation when the sub-agent finishes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "The task for the sub-agent to carry out.",
					},
					"label": map[string]any{
						"type":        "string",
						"description": "Short display name for the run. Defaults to the task prefix.",
					},
					"persona": map[string]any{
						"type":        "string",
						"description": "Persona to run the sub-agent as. Defaults to the conversation's route.",
					},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "Wall-clock bound for the run in seconds.",
					},
				},
				"required": []string{"task"},
			},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		task, _ := args["task"].(string)
		if task == "" {
			return nil, fmt.Errorf("task is required")
		}
		origin := tools.ConversationFromContext(ctx)
		if strings.HasPrefix(origin, "subagent:") {
			return nil, fmt.Errorf("sub-agents cannot spawn further sub-agents")
		}

		label, _ := args["label"].(string)
		personaName, _ := args["persona"].(string)
		var timeout time.Duration
		if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
			timeout = time.Duration(v) * time.Second
		}

		run, err := m.Spawn(SpawnParams{
			Task:               task,
			Label:              label,
			Persona:            personaName,
			Timeout:            timeout,
			OriginConversation: origin,
		})
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Sub-agent %s (%s) is running. The result will be posted here when it finishes; use list_agents to check progress.",
			run.ID, run.Label), nil
	}, 0)

	e.Register(provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        "list_agents",
			Description: "List sub-agent runs and their status.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type":        "string",
						"description": "Filter by status: running, completed, failed, timeout, cancelled. Default: all.",
					},
				},
			},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		filter, _ := args["status"].(string)
		runs := m.List()
		if len(runs) == 0 {
			return "No sub-agent runs.", nil
		}

		var b strings.Builder
		count := 0
		for _, run := range runs {
			if filter != "" && string(run.Status) != filter {
				continue
			}
			elapsed := run.Duration
			if run.Status == RunRunning {
				elapsed = time.Since(run.StartedAt)
			}
			fmt.Fprintf(&b, "- [%s] %s (id: %s, %s)", run.Status, run.Label, run.ID, elapsed.Round(time.Second))
			if run.Error != "" {
				fmt.Fprintf(&b, " error: %s", run.Error)
			}
			b.WriteString("\n")
			count++
		}
		if count == 0 {
			return fmt.Sprintf("No sub-agent runs with status %q.", filter), nil
		}
		return fmt.Sprintf("Sub-agent runs (%d, %d active):\n%s", count, m.ActiveCount(), b.String()), nil
	}, 0)

	e.Register(provider.ToolDefinition{
		Type: "function",
		Function: provider.FunctionDef{
			Name:        "stop_agent",
			Description: "Cancel a running sub-agent.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id": map[string]any{
						"type":        "string",
						"description": "The id of the run to stop.",
					},
				},
				"required": []string{"run_id"},
			},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		runID, _ := args["run_id"].(string)
		if runID == "" {
			return nil, fmt.Errorf("run_id is required")
		}
		if err := m.Stop(runID); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Sub-agent %s stop requested.", runID), nil
	}, 0)
}

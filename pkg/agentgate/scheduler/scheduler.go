// Package scheduler implements persistent timed jobs that inject synthetic
// turns into the agent pipeline. Schedule expressions are parsed with
// robfig/cron; job state survives restarts through SQLite. Due jobs are
// picked up by an explicit tick so missed runs are caught up at most once
// per job per tick instead of flooding after downtime.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Job types.
const (
	TypeCron  = "cron"  // recurring cron expression (also @daily, @every ...)
	TypeEvery = "every" // fixed interval shorthand
	TypeAt    = "at"    // one-shot
)

// PayloadAgentTurn is the only payload kind today: a text directive run as
// a user turn against the target conversation.
const PayloadAgentTurn = "agent-turn"

// Job is one persisted scheduled task. Jobs are disabled rather than
// deleted so the audit trail survives.
type Job struct {
	// ID is the unique job identifier.
	ID string `json:"id" yaml:"id"`

	// Type is the schedule type: "cron", "every" or "at".
	Type string `json:"type" yaml:"type"`

	// Schedule is the cron expression, interval ("5m") or one-shot time.
	Schedule string `json:"schedule" yaml:"schedule"`

	// Persona targets the persona the synthetic turn runs under.
	Persona string `json:"persona" yaml:"persona"`

	// ConversationID is the conversation the turn is injected into.
	ConversationID string `json:"conversation_id" yaml:"conversation_id"`

	// Kind is the payload kind. Only "agent-turn" is defined.
	Kind string `json:"kind" yaml:"kind"`

	// Directive is the text fed to the agent as the synthetic user turn.
	Directive string `json:"directive" yaml:"directive"`

	// Enabled gates execution. Disabled jobs are kept for audit.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	// LastRunAt is the last execution timestamp.
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`

	// NextDueAt is when the job should fire next.
	NextDueAt time.Time `json:"next_due_at" yaml:"next_due_at"`

	// LastError holds the error from the last run, if any.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// RunCount tracks how many times the job has executed.
	RunCount int `json:"run_count" yaml:"run_count"`
}

// JobStorage persists jobs.
type JobStorage interface {
	Save(job *Job) error
	Delete(jobID string) error
	LoadAll() ([]*Job, error)
	Close() error
}

// Dispatch feeds a due job's synthetic event through the same pipeline as
// live messages (router, session serialization, agent loop).
type Dispatch func(ctx context.Context, job *Job) error

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often due jobs are scanned. Defaults to 15s.
	TickInterval time.Duration `yaml:"tick_interval"`

	// JobTimeout bounds one job execution. Defaults to 5m.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// CatchUpAll replays every missed occurrence after downtime, one per
	// tick, instead of collapsing the backlog into a single catch-up run.
	CatchUpAll bool `yaml:"catch_up_all"`
}

// scheduleParser accepts 5-field cron, descriptors (@daily) and @every.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns the job table and the tick loop.
type Scheduler struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	running map[string]bool

	storage  JobStorage
	dispatch Dispatch
	cfg      Config
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time // swapped in tests
}

// New creates a scheduler. Jobs are loaded on Start.
func New(storage JobStorage, dispatch Dispatch, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Scheduler{
		jobs:     make(map[string]*Job),
		running:  make(map[string]bool),
		storage:  storage,
		dispatch: dispatch,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Start loads persisted jobs and runs the tick loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs, err := s.storage.LoadAll()
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	s.mu.Lock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", len(jobs), "tick", s.cfg.TickInterval.String())

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx, s.now())
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels the tick loop and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick fires every enabled job whose next-due timestamp is at or before
// now. Each overdue job emits exactly one synthetic run per tick; jobs
// still running from a previous tick are skipped. Job mutation during a
// tick is safe: a job runs with the state it had at selection time.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for id, job := range s.jobs {
		if !job.Enabled || s.running[id] {
			continue
		}
		if job.NextDueAt.IsZero() || job.NextDueAt.After(now) {
			continue
		}
		snapshot := *job
		due = append(due, &snapshot)
		s.running[id] = true
	}
	s.mu.Unlock()

	for _, job := range due {
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.executeJob(ctx, job, now)
		}(job)
	}
}

// executeJob runs one job with panic containment and persists the outcome.
func (s *Scheduler) executeJob(ctx context.Context, job *Job, tickAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", job.ID, "panic", r)
			s.finishJob(job.ID, tickAt, fmt.Errorf("panic: %v", r))
		}
	}()

	if tickAt.Sub(job.NextDueAt) > s.cfg.TickInterval {
		s.logger.Info("catching up missed run",
			"job", job.ID,
			"was_due", job.NextDueAt.Format(time.RFC3339))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	start := s.now()
	err := s.dispatch(runCtx, job)
	if err != nil {
		s.logger.Error("job failed", "job", job.ID, "err", err)
	} else {
		s.logger.Info("job done",
			"job", job.ID,
			"conversation", job.ConversationID,
			"duration_ms", s.now().Sub(start).Milliseconds())
	}
	s.finishJob(job.ID, tickAt, err)
}

// finishJob records the run and advances next-due. The stored job is
// updated, not the tick's snapshot, so mutations made mid-run survive.
func (s *Scheduler) finishJob(jobID string, tickAt time.Time, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}

	ranAt := s.now()
	job.LastRunAt = &ranAt
	job.RunCount++
	job.LastError = ""
	if runErr != nil {
		job.LastError = runErr.Error()
	}

	switch job.Type {
	case TypeAt:
		// One-shot: keep the row for audit, never fire again.
		job.Enabled = false
		job.NextDueAt = time.Time{}
	default:
		prev := job.NextDueAt
		job.NextDueAt = s.nextDue(job, tickAt)
		if s.cfg.CatchUpAll && !prev.IsZero() {
			// Replay mode: advance one occurrence from the old due time so
			// a backlog drains at one run per tick.
			if due, err := nextOccurrence(job, prev); err == nil && due.Before(job.NextDueAt) {
				job.NextDueAt = due
			}
		}
	}

	if err := s.storage.Save(job); err != nil {
		s.logger.Error("failed to persist job state", "job", jobID, "err", err)
	}
}

// nextDue computes the next fire time strictly after the given instant.
func (s *Scheduler) nextDue(job *Job, after time.Time) time.Time {
	due, err := nextOccurrence(job, after)
	if err != nil {
		s.logger.Error("unparseable schedule, disabling job",
			"job", job.ID, "schedule", job.Schedule, "err", err)
		job.Enabled = false
		return time.Time{}
	}
	return due
}

// nextOccurrence evaluates the job's schedule expression once.
func nextOccurrence(job *Job, after time.Time) (time.Time, error) {
	switch job.Type {
	case TypeEvery:
		d, err := time.ParseDuration(job.Schedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval %q: %w", job.Schedule, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval %q must be positive", job.Schedule)
		}
		return after.Add(d), nil
	case TypeAt:
		return ParseOneShotTime(job.Schedule, after)
	default:
		sched, err := scheduleParser.Parse(job.Schedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
		}
		return sched.Next(after), nil
	}
}

// ParseOneShotTime parses one-shot schedule times. Accepts a relative
// duration ("30m"), RFC3339, and a bare clock time ("15:04", today or
// tomorrow if already past).
func ParseOneShotTime(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("15:04", value, now.Location()); err == nil {
		due := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !due.After(now) {
			due = due.Add(24 * time.Hour)
		}
		return due, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (want duration, RFC3339 or HH:MM)", value)
}

// Add validates, schedules and persists a new job. The Enabled flag is
// taken as given, so callers can register a job disabled; the API layer
// defaults it to true when the field is absent.
func (s *Scheduler) Add(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.ConversationID == "" {
		return fmt.Errorf("job %s: conversation ID is required", job.ID)
	}
	if job.Kind == "" {
		job.Kind = PayloadAgentTurn
	}
	if job.Kind != PayloadAgentTurn {
		return fmt.Errorf("job %s: unknown payload kind %q", job.ID, job.Kind)
	}
	if job.Type == "" {
		job.Type = TypeCron
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	due, err := nextOccurrence(job, s.now())
	if err != nil {
		return err
	}
	job.NextDueAt = due

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := s.storage.Save(job); err != nil {
		return fmt.Errorf("persisting job: %w", err)
	}
	s.jobs[job.ID] = job
	s.logger.Info("job added",
		"job", job.ID,
		"type", job.Type,
		"schedule", job.Schedule,
		"next_due", job.NextDueAt.Format(time.RFC3339))
	return nil
}

// SetEnabled flips a job's enabled flag. Re-enabling recomputes next-due so
// the job does not immediately fire for time spent disabled.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.Enabled = enabled
	if enabled && job.Type != TypeAt {
		job.NextDueAt = s.nextDue(job, s.now())
	}
	if err := s.storage.Save(job); err != nil {
		return fmt.Errorf("persisting job: %w", err)
	}
	s.logger.Info("job toggled", "job", jobID, "enabled", enabled)
	return nil
}

// Remove deletes a job from memory and storage. An in-flight run finishes
// but its completion update is dropped with the job.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err := s.storage.Delete(jobID); err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	delete(s.jobs, jobID)
	s.logger.Info("job removed", "job", jobID)
	return nil
}

// Get returns a copy of the job, if known.
func (s *Scheduler) Get(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// List returns copies of all jobs.
func (s *Scheduler) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out
}

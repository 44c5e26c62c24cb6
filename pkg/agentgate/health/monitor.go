// Package health implements periodic probing of provider backends. The
// monitor feeds the same per-handle availability state the chain uses; it
// never routes or retries requests itself. State transitions are broadcast
// to subscribers (the ops API streams them over a websocket).
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
)

// Transition is one observed handle state change.
type Transition struct {
	Handle string         `json:"handle"`
	From   provider.State `json:"-"`
	To     provider.State `json:"-"`
	FromS  string         `json:"from"`
	ToS    string         `json:"to"`
	At     time.Time      `json:"at"`
	Error  string         `json:"error,omitempty"`
}

// HandleStatus is a point-in-time snapshot for the ops API.
type HandleStatus struct {
	Name     string    `json:"name"`
	Priority int       `json:"priority"`
	State    string    `json:"state"`
	Failures int       `json:"failures"`
	ReopenAt time.Time `json:"reopen_at,omitempty"`
}

// Config tunes the probe loop.
type Config struct {
	// Interval is the base probe period. Defaults to 30s.
	Interval time.Duration `yaml:"interval"`

	// ProbeTimeout bounds a single probe. Defaults to 10s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// MaxBackoff caps the per-handle probe backoff after repeated failures.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Monitor probes every handle on a timer.
type Monitor struct {
	handles []*provider.Handle
	cfg     Config
	logger  *slog.Logger

	mu          sync.Mutex
	nextProbeAt map[string]time.Time
	probeDelay  map[string]time.Duration
	lastState   map[string]provider.State
	subs        map[int]chan Transition
	subSeq      int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over the chain's handles.
func New(handles []*provider.Handle, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	m := &Monitor{
		handles:     handles,
		cfg:         cfg,
		logger:      logger.With("component", "health"),
		nextProbeAt: make(map[string]time.Time),
		probeDelay:  make(map[string]time.Duration),
		lastState:   make(map[string]provider.State),
		subs:        make(map[int]chan Transition),
	}
	for _, h := range handles {
		m.lastState[h.Name] = h.State()
	}
	return m
}

// Start runs the probe loop until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	m.logger.Info("health monitor started",
		"handles", len(m.handles), "interval", m.cfg.Interval.String())
}

// Stop halts probing.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probeAll probes every handle that is due. A failing handle backs off
// exponentially so a dead backend is not hammered every interval.
func (m *Monitor) probeAll(ctx context.Context) {
	now := time.Now()
	for _, h := range m.handles {
		m.mu.Lock()
		due := now.After(m.nextProbeAt[h.Name]) || m.nextProbeAt[h.Name].IsZero()
		m.mu.Unlock()
		if !due {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := h.Backend.Probe(probeCtx)
		cancel()

		if err == nil {
			h.RecordSuccess()
			m.setDelay(h.Name, m.cfg.Interval)
		} else {
			tripped := h.RecordFailure(now)
			if tripped {
				m.logger.Warn("probe opened circuit", "handle", h.Name, "err", err)
			} else {
				m.logger.Debug("probe failed", "handle", h.Name, "err", err)
			}
			m.backOff(h.Name)
		}
		m.emitTransition(h, err)

		if ctx.Err() != nil {
			return
		}
	}
}

func (m *Monitor) setDelay(name string, d time.Duration) {
	m.mu.Lock()
	m.probeDelay[name] = d
	m.nextProbeAt[name] = time.Now().Add(d)
	m.mu.Unlock()
}

func (m *Monitor) backOff(name string) {
	m.mu.Lock()
	d := m.probeDelay[name]
	if d < m.cfg.Interval {
		d = m.cfg.Interval
	}
	d *= 2
	if d > m.cfg.MaxBackoff {
		d = m.cfg.MaxBackoff
	}
	m.probeDelay[name] = d
	m.nextProbeAt[name] = time.Now().Add(d)
	m.mu.Unlock()
}

// emitTransition broadcasts a state change to subscribers, if one happened.
func (m *Monitor) emitTransition(h *provider.Handle, probeErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.lastState[h.Name]
	cur := h.State()
	if prev == cur {
		return
	}
	m.lastState[h.Name] = cur

	t := Transition{
		Handle: h.Name,
		From:   prev,
		To:     cur,
		FromS:  prev.String(),
		ToS:    cur.String(),
		At:     time.Now(),
	}
	if probeErr != nil {
		t.Error = probeErr.Error()
	}
	m.logger.Info("handle state changed",
		"handle", h.Name, "from", t.FromS, "to", t.ToS)

	for _, ch := range m.subs {
		select {
		case ch <- t:
		default: // slow subscriber drops transitions rather than blocking probes
		}
	}
}

// Subscribe returns a channel of state transitions and a cancel function.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.subSeq
	m.subSeq++
	ch := make(chan Transition, 16)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Snapshot reports the current state of every handle.
func (m *Monitor) Snapshot() []HandleStatus {
	out := make([]HandleStatus, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, HandleStatus{
			Name:     h.Name,
			Priority: h.Priority,
			State:    h.State().String(),
			Failures: h.Failures(),
			ReopenAt: h.ReopenAt(),
		})
	}
	return out
}

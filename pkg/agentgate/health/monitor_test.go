package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
)

// probeBackend fails its probe until healAfter probes have happened.
type probeBackend struct {
	mu        sync.Mutex
	probes    int
	healAfter int
}

func (p *probeBackend) Name() string { return "probe" }

func (p *probeBackend) Complete(_ context.Context, _ *provider.Request) (*provider.Result, error) {
	return nil, fmt.Errorf("not used in probe tests")
}

func (p *probeBackend) Probe(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.probes > p.healAfter {
		return nil
	}
	return fmt.Errorf("backend down")
}

func (p *probeBackend) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func newTestMonitor(backend provider.Backend, threshold int) (*Monitor, *provider.Handle) {
	h := provider.NewHandle("primary", 0, backend, threshold, time.Minute)
	m := New([]*provider.Handle{h}, Config{
		Interval:     10 * time.Millisecond,
		ProbeTimeout: time.Second,
		MaxBackoff:   80 * time.Millisecond,
	}, nil)
	return m, h
}

func TestMonitorProbeFailuresOpenCircuit(t *testing.T) {
	backend := &probeBackend{healAfter: 100}
	m, h := newTestMonitor(backend, 2)

	m.probeAll(context.Background())
	if got := h.State(); got != provider.StateDegraded {
		t.Fatalf("state after first failure: %s", got)
	}

	// Second failure reaches the threshold. The failing handle backs off, so
	// force it due again.
	m.nextProbeAt["primary"] = time.Time{}
	m.probeAll(context.Background())
	if got := h.State(); got != provider.StateCircuitOpen {
		t.Errorf("state after threshold: %s", got)
	}
}

func TestMonitorProbeSuccessRecovers(t *testing.T) {
	backend := &probeBackend{healAfter: 1}
	m, h := newTestMonitor(backend, 5)

	m.probeAll(context.Background())
	if got := h.State(); got != provider.StateDegraded {
		t.Fatalf("state after failure: %s", got)
	}

	m.nextProbeAt["primary"] = time.Time{}
	m.probeAll(context.Background())
	if got := h.State(); got != provider.StateHealthy {
		t.Errorf("state after recovery: %s", got)
	}
	if h.Failures() != 0 {
		t.Errorf("failure count not reset: %d", h.Failures())
	}
}

func TestMonitorBackoffDoublesAndCaps(t *testing.T) {
	backend := &probeBackend{healAfter: 100}
	m, _ := newTestMonitor(backend, 50)

	for i := 0; i < 6; i++ {
		m.nextProbeAt["primary"] = time.Time{}
		m.probeAll(context.Background())
	}

	m.mu.Lock()
	delay := m.probeDelay["primary"]
	m.mu.Unlock()
	if delay != m.cfg.MaxBackoff {
		t.Errorf("delay %s, want capped at %s", delay, m.cfg.MaxBackoff)
	}
}

func TestMonitorSkipsHandleNotYetDue(t *testing.T) {
	backend := &probeBackend{healAfter: 100}
	m, _ := newTestMonitor(backend, 50)

	m.nextProbeAt["primary"] = time.Now().Add(time.Hour)
	m.probeAll(context.Background())
	if got := backend.count(); got != 0 {
		t.Errorf("probed a handle that was not due, %d probes", got)
	}
}

func TestMonitorSubscribeDeliversTransitions(t *testing.T) {
	backend := &probeBackend{healAfter: 1}
	m, _ := newTestMonitor(backend, 5)

	ch, cancel := m.Subscribe()
	defer cancel()

	m.probeAll(context.Background())

	select {
	case tr := <-ch:
		if tr.Handle != "primary" || tr.To != provider.StateDegraded {
			t.Errorf("transition %+v", tr)
		}
		if tr.Error == "" {
			t.Error("failure transition missing error text")
		}
	case <-time.After(time.Second):
		t.Fatal("no transition delivered")
	}

	// Recovery produces a second transition.
	m.nextProbeAt["primary"] = time.Time{}
	m.probeAll(context.Background())
	select {
	case tr := <-ch:
		if tr.From != provider.StateDegraded || tr.To != provider.StateHealthy {
			t.Errorf("recovery transition %+v", tr)
		}
	case <-time.After(time.Second):
		t.Fatal("no recovery transition delivered")
	}
}

func TestMonitorNoTransitionWithoutStateChange(t *testing.T) {
	backend := &probeBackend{healAfter: 0}
	m, _ := newTestMonitor(backend, 5)

	ch, cancel := m.Subscribe()
	defer cancel()

	// Healthy handle stays healthy.
	m.probeAll(context.Background())
	select {
	case tr := <-ch:
		t.Errorf("unexpected transition %+v", tr)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMonitorUnsubscribeClosesChannel(t *testing.T) {
	backend := &probeBackend{healAfter: 0}
	m, _ := newTestMonitor(backend, 5)

	ch, cancel := m.Subscribe()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	// Cancelling twice must not panic.
	cancel()
}

func TestMonitorSnapshot(t *testing.T) {
	backend := &probeBackend{healAfter: 100}
	m, h := newTestMonitor(backend, 1)

	m.probeAll(context.Background())

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(snap))
	}
	s := snap[0]
	if s.Name != "primary" || s.State != provider.StateCircuitOpen.String() {
		t.Errorf("snapshot %+v", s)
	}
	if s.ReopenAt.IsZero() {
		t.Error("open handle missing reopen time")
	}
	if s.Failures != h.Failures() {
		t.Errorf("failures %d, handle says %d", s.Failures, h.Failures())
	}
}

// handle.go holds the per-backend availability state. The chain and the
// health monitor both observe failures, so every mutable field is atomic and
// the circuit trip is a compare-and-swap: concurrent observers never lose an
// update and the open transition happens exactly once per trip.
package provider

import (
	"sync/atomic"
	"time"
)

// State is the availability state of a provider handle.
type State int32

const (
	StateHealthy State = iota
	StateDegraded
	StateCircuitOpen
)

// String returns the state label used in logs and the ops API.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Handle pairs a backend with its availability state. Never persisted;
// rebuilt from configuration at process start.
type Handle struct {
	// Name is the handle identity (unique across the chain).
	Name string

	// Priority is the handle's position in the fallback order (lower first).
	Priority int

	// Backend is the vendor adapter behind this handle.
	Backend Backend

	state    atomic.Int32
	failures atomic.Int32
	reopenAt atomic.Int64 // unix nanos when a half-open probe is allowed
	probing  atomic.Bool  // one half-open probe in flight at a time

	threshold int32
	cooldown  time.Duration
}

// NewHandle creates a healthy handle with the given breaker policy.
func NewHandle(name string, priority int, backend Backend, failureThreshold int, cooldown time.Duration) *Handle {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Handle{
		Name:      name,
		Priority:  priority,
		Backend:   backend,
		threshold: int32(failureThreshold),
		cooldown:  cooldown,
	}
}

// State returns the current availability state.
func (h *Handle) State() State { return State(h.state.Load()) }

// Failures returns the consecutive-failure counter.
func (h *Handle) Failures() int { return int(h.failures.Load()) }

// AllowRequest reports whether the chain may try this handle now. A
// circuit-open handle admits exactly one probe once its cooldown has passed;
// the admitted caller owns the slot and must end the probe with
// RecordSuccess (closing the circuit) or ReleaseProbe after a failure.
func (h *Handle) AllowRequest(now time.Time) bool {
	if State(h.state.Load()) != StateCircuitOpen {
		return true
	}
	if now.UnixNano() < h.reopenAt.Load() {
		return false
	}
	// Half-open: admit a single probe.
	return h.probing.CompareAndSwap(false, true)
}

// RecordSuccess resets the failure counter and closes the circuit.
func (h *Handle) RecordSuccess() {
	h.failures.Store(0)
	h.state.Store(int32(StateHealthy))
	h.probing.Store(false)
}

// RecordFailure increments the consecutive-failure counter and trips the
// circuit once the threshold is crossed. Returns true on the attempt that
// performed the trip. The probe slot is left alone: the health monitor also
// records failures, and clearing the slot here would hand out a second
// half-open probe while the chain's is still in flight.
func (h *Handle) RecordFailure(now time.Time) (tripped bool) {
	n := h.failures.Add(1)

	if n >= h.threshold {
		h.reopenAt.Store(now.Add(h.cooldown).UnixNano())
		// CAS so only the crossing observer reports the trip.
		return h.state.CompareAndSwap(int32(StateHealthy), int32(StateCircuitOpen)) ||
			h.state.CompareAndSwap(int32(StateDegraded), int32(StateCircuitOpen))
	}

	// A failed half-open probe re-arms the cooldown without re-tripping.
	if State(h.state.Load()) == StateCircuitOpen {
		h.reopenAt.Store(now.Add(h.cooldown).UnixNano())
		return false
	}

	h.state.CompareAndSwap(int32(StateHealthy), int32(StateDegraded))
	return false
}

// ReleaseProbe frees the half-open probe slot after a failed probe. Only
// the caller that was admitted by AllowRequest may call it.
func (h *Handle) ReleaseProbe() {
	h.probing.Store(false)
}

// ReopenAt returns when a half-open probe becomes allowed (zero when the
// circuit is closed).
func (h *Handle) ReopenAt() time.Time {
	ns := h.reopenAt.Load()
	if ns == 0 || h.State() != StateCircuitOpen {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// chain.go implements ordered fallback across provider handles. Retry with
// exponential backoff happens per handle; fallback to the next handle is
// immediate. A global semaphore bounds in-flight provider calls across all
// conversations.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"
)

// ChainConfig tunes retry, backoff and circuit policy.
type ChainConfig struct {
	// MaxRetries is the number of attempts per handle per call.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the delay before the second attempt on a handle.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// CallTimeout bounds each individual backend call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// MaxInFlight bounds simultaneous provider calls across all conversations.
	MaxInFlight int `yaml:"max_in_flight"`

	// FailureThreshold is the consecutive-failure count that opens a circuit.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long an open circuit waits before a half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultChainConfig returns the stock chain policy.
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		MaxRetries:       3,
		InitialBackoff:   2 * time.Second,
		MaxBackoff:       30 * time.Second,
		CallTimeout:      120 * time.Second,
		MaxInFlight:      8,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// Chain tries handles in priority order until one produces a response.
type Chain struct {
	handles []*Handle
	cfg     ChainConfig
	sem     chan struct{}
	logger  *slog.Logger

	now func() time.Time // swapped in tests
}

// NewChain creates a chain over the given handles, sorted by priority.
func NewChain(handles []*Handle, cfg ChainConfig, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}

	sorted := make([]*Handle, len(handles))
	copy(sorted, handles)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	return &Chain{
		handles: sorted,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		logger:  logger.With("component", "chain"),
		now:     time.Now,
	}
}

// Handles returns the chain's handles in priority order.
func (c *Chain) Handles() []*Handle { return c.handles }

// Complete obtains one assistant response with ordered fallback. On success
// the winning handle's failure counter resets. When every handle fails, the
// returned error is *AllProvidersExhaustedError with per-handle reasons in
// priority order.
func (c *Chain) Complete(ctx context.Context, req *Request) (*Result, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reasons := make([]*CallError, 0, len(c.handles))

	for _, h := range c.handles {
		wasOpen := h.State() == StateCircuitOpen
		if !h.AllowRequest(c.now()) {
			reasons = append(reasons, &CallError{
				Handle: h.Name,
				Kind:   ErrorRetryable,
				Err:    fmt.Errorf("circuit open until %s", h.ReopenAt().Format(time.RFC3339)),
			})
			continue
		}

		// A half-open probe gets exactly one attempt.
		attempts := c.cfg.MaxRetries
		if wasOpen {
			attempts = 1
			c.logger.Info("half-open probe", "handle", h.Name)
		}

		result, callErr := c.tryHandle(ctx, h, req, attempts)
		if callErr == nil {
			h.RecordSuccess()
			return result, nil
		}
		if wasOpen {
			h.ReleaseProbe()
		}
		reasons = append(reasons, callErr)

		if ctx.Err() != nil {
			break
		}
		// Fallback to the next handle is immediate, no sleep here.
	}

	return nil, &AllProvidersExhaustedError{Reasons: reasons}
}

// tryHandle runs up to attempts calls against one handle, backing off
// between attempts. Returns the final CallError when all attempts failed.
func (c *Chain) tryHandle(ctx context.Context, h *Handle, req *Request, attempts int) (*Result, *CallError) {
	var lastErr *CallError

	for attempt := 0; attempt < attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		result, err := h.Backend.Complete(callCtx, req)
		cancel()

		if err == nil {
			return result, nil
		}

		kind, status, retryAfter := classifyError(err)
		lastErr = &CallError{
			Handle:        h.Name,
			Kind:          kind,
			StatusCode:    status,
			RetryAfterSec: retryAfter,
			Err:           err,
		}

		// Rate limits are recoverable per call and never feed the breaker.
		if kind != ErrorRateLimit {
			if h.RecordFailure(c.now()) {
				c.logger.Warn("circuit opened",
					"handle", h.Name,
					"failures", h.Failures(),
					"reopen_at", h.ReopenAt().Format(time.RFC3339))
			}
		}

		c.logger.Warn("provider call failed",
			"handle", h.Name,
			"attempt", attempt+1,
			"kind", kind.String(),
			"status", status,
			"err", err)

		if !kind.Retryable() || attempt == attempts-1 {
			return nil, lastErr
		}

		wait := c.backoff(attempt)
		if retryAfter > 0 {
			ra := time.Duration(retryAfter) * time.Second
			if ra > wait {
				wait = ra
			}
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			lastErr = &CallError{Handle: h.Name, Kind: ErrorTimeout, Err: ctx.Err()}
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// backoff computes the exponential delay with jitter for the given attempt.
func (c *Chain) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff << uint(attempt)
	if d > c.cfg.MaxBackoff || d <= 0 {
		d = c.cfg.MaxBackoff
	}
	// Up to 25% jitter spreads concurrent retries apart.
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

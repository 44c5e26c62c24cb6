// arena.go implements whole-turn serialization. Work for a single
// conversation is strictly serialized (one agent loop in flight per
// conversation at a time); the arena hands out one ordering token per
// conversation so a due cron job for a busy conversation waits instead of
// racing it. Store-level locks guard individual operations; the arena guards
// the span of a full turn.
package session

import (
	"context"
	"sync"
)

// Arena serializes turn processing per conversation.
type Arena struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewArena creates an empty serialization arena.
func NewArena() *Arena {
	return &Arena{slots: make(map[string]chan struct{})}
}

func (a *Arena) slot(conversationID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[conversationID]
	if !ok {
		s = make(chan struct{}, 1)
		a.slots[conversationID] = s
	}
	return s
}

// Acquire blocks until the conversation's token is free or the context is
// done. The returned release function must be called exactly once.
func (a *Arena) Acquire(ctx context.Context, conversationID string) (release func(), err error) {
	s := a.slot(conversationID)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the token without blocking. Returns nil when the
// conversation is mid-turn.
func (a *Arena) TryAcquire(conversationID string) (release func()) {
	s := a.slot(conversationID)
	select {
	case s <- struct{}{}:
		return func() { <-s }
	default:
		return nil
	}
}

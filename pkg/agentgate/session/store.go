// store.go implements the per-conversation turn log. All operations for a
// single conversation are linearizable: each conversation entry carries its
// own mutex, so writes to one conversation serialize while unrelated
// conversations proceed concurrently. The full log is kept in memory and
// written through to a Persister.
package session

import (
	"fmt"
	"log/slog"
	"sync"
)

// Persister is the interface for turn-log persistence backends.
type Persister interface {
	// AppendTurns appends turns to the end of a conversation's log.
	AppendTurns(conversationID string, turns []Turn) error

	// ReplacePrefix atomically swaps everything except the last keepSuffix
	// turns for the given prefix. Used only by the compactor.
	ReplacePrefix(conversationID string, keepSuffix int, prefix []Turn) error

	// LoadAll returns every persisted conversation's turns in append order.
	LoadAll() (map[string][]Turn, error)

	// Clear removes all turns for a conversation.
	Clear(conversationID string) error

	Close() error
}

// conversation is one arena entry: the turn log plus its ordering lock.
type conversation struct {
	mu    sync.Mutex
	turns []Turn
}

// Store holds all conversation turn logs.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*conversation
	persist Persister
	logger  *slog.Logger
}

// NewStore creates a turn-log store. persist may be nil (memory only, used
// in tests and one-shot chat).
func NewStore(persist Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		convs:   make(map[string]*conversation),
		persist: persist,
		logger:  logger.With("component", "session"),
	}
}

// LoadPersisted hydrates the store from the persistence backend. Called once
// at startup, before any traffic.
func (s *Store) LoadPersisted() error {
	if s.persist == nil {
		return nil
	}
	all, err := s.persist.LoadAll()
	if err != nil {
		return fmt.Errorf("load persisted sessions: %w", err)
	}
	s.mu.Lock()
	for id, turns := range all {
		s.convs[id] = &conversation{turns: turns}
	}
	s.mu.Unlock()
	s.logger.Info("sessions restored", "conversations", len(all))
	return nil
}

// get returns the arena entry for a conversation, creating it if needed.
// Double-checked so the common path takes only the read lock.
func (s *Store) get(conversationID string) *conversation {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.convs[conversationID]; ok {
		return c
	}
	c = &conversation{}
	s.convs[conversationID] = c
	return c
}

// Append adds turns to the end of a conversation's log.
// Persistence failure is fatal for the write: the in-memory log is not
// advanced, so a degraded store never silently drops durable turns.
func (s *Store) Append(conversationID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	c := s.get(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.AppendTurns(conversationID, turns); err != nil {
			return fmt.Errorf("append turns: %w", err)
		}
	}
	c.turns = append(c.turns, turns...)
	return nil
}

// Load returns the conversation's turns in append order. limit > 0 returns
// only the most recent limit turns; limit <= 0 returns everything. The result
// is a copy and safe to hold across further writes.
func (s *Store) Load(conversationID string, limit int) []Turn {
	c := s.get(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	turns := c.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// TokenTotal returns the summed token estimate of a conversation's log.
func (s *Store) TokenTotal(conversationID string) int {
	c := s.get(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return TotalTokens(c.turns)
}

// ReplacePrefix atomically swaps everything except the last keepSuffix turns
// for the given prefix. Only the compactor calls this.
func (s *Store) ReplacePrefix(conversationID string, keepSuffix int, prefix []Turn) error {
	c := s.get(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if keepSuffix < 0 || keepSuffix > len(c.turns) {
		return fmt.Errorf("replace prefix: keep suffix %d out of range (log has %d turns)", keepSuffix, len(c.turns))
	}

	if s.persist != nil {
		if err := s.persist.ReplacePrefix(conversationID, keepSuffix, prefix); err != nil {
			return fmt.Errorf("replace prefix: %w", err)
		}
	}

	suffix := c.turns[len(c.turns)-keepSuffix:]
	next := make([]Turn, 0, len(prefix)+keepSuffix)
	next = append(next, prefix...)
	next = append(next, suffix...)
	c.turns = next
	return nil
}

// Clear removes all turns for a conversation. Operator action only.
func (s *Store) Clear(conversationID string) error {
	c := s.get(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.Clear(conversationID); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
	}
	c.turns = nil
	return nil
}

// Conversations returns the IDs of all known conversations.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}

// Close flushes and closes the persistence backend.
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}

// Package persona implements routing of inbound conversations to persona
// configurations. The conversation index is an immutable snapshot swapped
// atomically on reload, so Resolve never locks and never observes a
// half-built index.
package persona

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrNoRoute is returned when a conversation has no binding and no default
// persona is configured. The turn is not processed.
var ErrNoRoute = errors.New("no persona route for conversation")

// Persona is one statically configured agent identity. Immutable after load.
type Persona struct {
	// Name is the unique persona identifier.
	Name string `yaml:"name"`

	// Conversations lists the conversation IDs bound to this persona.
	Conversations []string `yaml:"conversations"`

	// Workspace is the filesystem root the persona's tools are confined to.
	Workspace string `yaml:"workspace"`

	// PromptFiles are the system-prompt source files, in order.
	PromptFiles []string `yaml:"prompt_files"`

	// Model is the preferred model identifier (empty uses the chain default).
	Model string `yaml:"model"`

	// Tools is the optional tool allowlist; nil allows every registered tool.
	Tools []string `yaml:"tools"`

	// Default marks the persona that catches unbound conversations.
	Default bool `yaml:"default"`
}

// AllowsTool reports whether the persona may use the named tool.
func (p *Persona) AllowsTool(name string) bool {
	if p.Tools == nil {
		return true
	}
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// routeIndex is one immutable routing snapshot.
type routeIndex struct {
	byConversation map[string]*Persona
	fallback       *Persona
	personas       []*Persona
}

// Router resolves conversation IDs to personas.
type Router struct {
	idx atomic.Pointer[routeIndex]
}

// NewRouter builds a router from the persona list. A conversation bound by
// more than one persona goes to the first one in the list.
func NewRouter(personas []*Persona) (*Router, error) {
	r := &Router{}
	if err := r.Reload(personas); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload builds a fresh index and swaps it in atomically. Concurrent
// Resolve calls see either the old snapshot or the new one, never a mix.
func (r *Router) Reload(personas []*Persona) error {
	idx := &routeIndex{
		byConversation: make(map[string]*Persona),
		personas:       personas,
	}
	seen := make(map[string]bool, len(personas))

	for _, p := range personas {
		if p.Name == "" {
			return fmt.Errorf("persona with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate persona name %q", p.Name)
		}
		seen[p.Name] = true

		for _, conv := range p.Conversations {
			// First match wins.
			if _, taken := idx.byConversation[conv]; !taken {
				idx.byConversation[conv] = p
			}
		}
		if p.Default && idx.fallback == nil {
			idx.fallback = p
		}
	}

	r.idx.Store(idx)
	return nil
}

// Resolve maps a conversation ID to its persona. O(1) against the current
// snapshot; falls back to the default persona; ErrNoRoute when neither
// matches.
func (r *Router) Resolve(conversationID string) (*Persona, error) {
	idx := r.idx.Load()
	if p, ok := idx.byConversation[conversationID]; ok {
		return p, nil
	}
	if idx.fallback != nil {
		return idx.fallback, nil
	}
	return nil, fmt.Errorf("conversation %q: %w", conversationID, ErrNoRoute)
}

// Get returns a persona by name, or nil.
func (r *Router) Get(name string) *Persona {
	for _, p := range r.idx.Load().personas {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// Personas returns the current snapshot's persona list.
func (r *Router) Personas() []*Persona {
	return r.idx.Load().personas
}

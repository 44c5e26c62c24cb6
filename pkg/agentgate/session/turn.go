// Package session implements the durable per-conversation turn log, the
// per-conversation serialization arena and the context compactor. Each
// conversation holds an ordered, append-only sequence of turns; turns are
// never mutated in place, only appended or replaced wholesale during
// compaction.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured tool invocation request carried by an assistant turn.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object
}

// Turn is one entry in a conversation's ordered log.
type Turn struct {
	// ID is the unique turn identifier.
	ID string

	// Role is who produced the turn.
	Role Role

	// Content is the text content of the turn.
	Content string

	// ToolCalls carries tool invocation requests (assistant turns only).
	ToolCalls []ToolCall

	// ToolCallID correlates a tool-result turn with its request (tool turns only).
	ToolCallID string

	// TokenEstimate is the estimated token cost of this turn.
	TokenEstimate int

	// CreatedAt is when the turn was created.
	CreatedAt time.Time
}

// NewTurn creates a turn with a fresh ID, timestamp and token estimate.
func NewTurn(role Role, content string) Turn {
	t := Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	t.TokenEstimate = estimateTurn(t)
	return t
}

// NewToolResult creates a tool-result turn correlated with a tool call.
func NewToolResult(callID, content string) Turn {
	t := NewTurn(RoleTool, content)
	t.ToolCallID = callID
	return t
}

// perToolCallOverhead approximates the serialized envelope cost of one
// tool-call request (name, id, JSON framing).
const perToolCallOverhead = 16

// EstimateTokens estimates the token cost of a text span. The chars/4
// heuristic tracks real tokenizers closely enough for watermark decisions.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

func estimateTurn(t Turn) int {
	n := EstimateTokens(t.Content)
	for _, tc := range t.ToolCalls {
		n += EstimateTokens(tc.Arguments) + perToolCallOverhead
	}
	return n
}

// Retokenize recomputes the token estimate after content or tool calls change.
func (t *Turn) Retokenize() {
	t.TokenEstimate = estimateTurn(*t)
}

// TotalTokens sums the estimated token cost of a turn sequence.
func TotalTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += t.TokenEstimate
	}
	return total
}

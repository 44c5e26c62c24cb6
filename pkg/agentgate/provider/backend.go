// Package provider implements the model backend interface and the ordered
// fallback chain with per-handle circuit breaking. Every backend vendor is a
// Backend implementation; the chain and the health monitor share one owned
// Handle state per backend.
package provider

import (
	"context"

	"github.com/jholhewres/agentgate/pkg/agentgate/session"
)

// ToolDefinition describes one callable tool in the OpenAI function format.
type ToolDefinition struct {
	Type     string      `json:"type"` // always "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the function portion of a tool definition.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one chat completion request: an ordered turn sequence plus the
// tool schema the model may call.
type Request struct {
	Turns []session.Turn
	Tools []ToolDefinition

	// Model overrides the backend's default model when set.
	Model string
}

// Usage reports token accounting from the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is one assistant response.
type Result struct {
	Content      string
	ToolCalls    []session.ToolCall
	FinishReason string
	Handle       string // name of the handle that produced the result
	Model        string
	Usage        Usage
}

// Backend is the single-method surface every vendor adapter implements:
// ordered turns and a tool schema in, an assistant result or a typed
// failure out.
type Backend interface {
	// Name returns the backend identifier for logs and failure reasons.
	Name() string

	// Complete performs one chat completion.
	Complete(ctx context.Context, req *Request) (*Result, error)

	// Probe performs a cheap availability check. Used by the health monitor.
	Probe(ctx context.Context) error
}

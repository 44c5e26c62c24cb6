// Package channels defines the boundary between the chat platforms and the
// agent pipeline. Each platform implements the Channel interface; the core
// only consumes the fields on IncomingMessage and emits one final
// OutgoingMessage per turn.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel is the interface every platform adapter implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers a message to the given conversation.
	Send(ctx context.Context, conversationID string, message *OutgoingMessage) error

	// Receive returns a Go channel emitting incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports connection state.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with typing indicators.
type PresenceChannel interface {
	Channel

	// SendTyping shows a "typing..." indicator in the conversation.
	SendTyping(ctx context.Context, conversationID string) error
}

// IncomingMessage is one inbound conversational event.
type IncomingMessage struct {
	// ID is the platform's message identifier.
	ID string

	// Channel identifies the source channel (e.g. "discord").
	Channel string

	// ConversationID identifies the routed conversation (channel or DM).
	ConversationID string

	// From is the sender identity on the platform.
	From string

	// FromName is the sender display name, if available.
	FromName string

	// Content is the message text.
	Content string

	// Attachments are references (URLs) to attached media.
	Attachments []string

	// Seq is a monotonically increasing sequence marker within the
	// conversation, used for ordering diagnostics.
	Seq int64

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// OutgoingMessage is the final assistant output for one turn.
type OutgoingMessage struct {
	// Content is the assistant text.
	Content string

	// ReplyTo references the message being answered, when supported.
	ReplyTo string
}

// HealthStatus reports a channel's health.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
)

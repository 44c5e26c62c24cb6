// dispatcher.go is the event pipeline: inbound events (live messages and
// scheduler jobs) are routed to a persona, serialized per conversation,
// compacted when over budget and driven through the agent loop. Both event
// sources share the same path, so a due cron job for a busy conversation
// waits for the in-flight turn instead of racing it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jholhewres/agentgate/pkg/agentgate/agent"
	"github.com/jholhewres/agentgate/pkg/agentgate/channels"
	"github.com/jholhewres/agentgate/pkg/agentgate/persona"
	"github.com/jholhewres/agentgate/pkg/agentgate/scheduler"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
)

// Dispatcher wires the pipeline together.
type Dispatcher struct {
	router    *persona.Router
	store     *session.Store
	arena     *session.Arena
	compactor *session.Compactor
	loop      *agent.Loop
	logger    *slog.Logger

	mu           sync.RWMutex
	channels     map[string]channels.Channel
	convChannels map[string]string // conversation → channel name
}

// NewDispatcher creates the pipeline.
func NewDispatcher(router *persona.Router, store *session.Store, compactor *session.Compactor, loop *agent.Loop, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		router:       router,
		store:        store,
		arena:        session.NewArena(),
		compactor:    compactor,
		loop:         loop,
		logger:       logger.With("component", "dispatcher"),
		channels:     make(map[string]channels.Channel),
		convChannels: make(map[string]string),
	}
}

// RegisterChannel attaches a platform channel for outbound delivery.
func (d *Dispatcher) RegisterChannel(ch channels.Channel) {
	d.mu.Lock()
	d.channels[ch.Name()] = ch
	d.mu.Unlock()
}

// Channels returns the registered platform channels.
func (d *Dispatcher) Channels() []channels.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]channels.Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	return out
}

// Pump consumes a channel's inbound stream until ctx is done. Each message
// is handled on its own goroutine; ordering within a conversation comes
// from the serialization arena, not from the pump.
func (d *Dispatcher) Pump(ctx context.Context, ch channels.Channel) {
	d.RegisterChannel(ch)
	for {
		select {
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			go d.handleInbound(ctx, ch, msg)
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound runs one live message through the pipeline and delivers the
// final turn back to the platform.
func (d *Dispatcher) handleInbound(ctx context.Context, ch channels.Channel, msg *channels.IncomingMessage) {
	d.mu.Lock()
	d.convChannels[msg.ConversationID] = msg.Channel
	d.mu.Unlock()

	if pc, ok := ch.(channels.PresenceChannel); ok {
		_ = pc.SendTyping(ctx, msg.ConversationID)
	}

	reply, err := d.HandleMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, persona.ErrNoRoute) {
			d.logger.Warn("dropping unroutable message",
				"conversation", msg.ConversationID, "channel", msg.Channel)
			return
		}
		d.logger.Error("turn failed",
			"conversation", msg.ConversationID, "err", err)
		return
	}
	if reply == "" {
		return
	}

	// The final text is emitted at most once per turn.
	if err := ch.Send(ctx, msg.ConversationID, &channels.OutgoingMessage{
		Content: reply,
		ReplyTo: msg.ID,
	}); err != nil {
		d.logger.Error("outbound delivery failed",
			"conversation", msg.ConversationID, "err", err)
	}
}

// HandleMessage runs one inbound event through route → serialize → compact
// → agent loop and returns the final assistant text.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *channels.IncomingMessage) (string, error) {
	p, err := d.router.Resolve(msg.ConversationID)
	if err != nil {
		return "", err
	}

	release, err := d.arena.Acquire(ctx, msg.ConversationID)
	if err != nil {
		return "", err
	}
	defer release()

	// Compaction failure never blocks the turn.
	if _, err := d.compactor.MaybeCompact(ctx, msg.ConversationID); err != nil {
		d.logger.Warn("compaction failed, continuing",
			"conversation", msg.ConversationID, "err", err)
	}

	content := msg.Content
	for _, a := range msg.Attachments {
		content += "\n[attachment: " + a + "]"
	}

	final, err := d.loop.RunTurn(ctx, msg.ConversationID, p, session.NewTurn(session.RoleUser, content))
	if err != nil {
		return "", err
	}
	return final.Content, nil
}

// DispatchJob adapts scheduler jobs onto the same pipeline. It satisfies
// scheduler.Dispatch.
func (d *Dispatcher) DispatchJob(ctx context.Context, job *scheduler.Job) error {
	if job.Kind != scheduler.PayloadAgentTurn {
		return fmt.Errorf("job %s: unsupported payload kind %q", job.ID, job.Kind)
	}

	var p *persona.Persona
	if job.Persona != "" {
		if p = d.router.Get(job.Persona); p == nil {
			return fmt.Errorf("job %s: persona %q not configured", job.ID, job.Persona)
		}
	} else {
		var err error
		if p, err = d.router.Resolve(job.ConversationID); err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}

	release, err := d.arena.Acquire(ctx, job.ConversationID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := d.compactor.MaybeCompact(ctx, job.ConversationID); err != nil {
		d.logger.Warn("compaction failed, continuing",
			"conversation", job.ConversationID, "err", err)
	}

	directive := "[scheduled task] " + job.Directive
	final, err := d.loop.RunTurn(ctx, job.ConversationID, p, session.NewTurn(session.RoleUser, directive))
	if err != nil {
		return err
	}

	// Deliver the result to the conversation's platform, when known.
	if final.Content != "" {
		if err := d.Deliver(ctx, job.ConversationID, final.Content); err != nil {
			d.logger.Error("job result delivery failed",
				"job", job.ID, "conversation", job.ConversationID, "err", err)
		}
	}
	return nil
}

// Deliver sends text to the platform channel serving a conversation. With a
// single registered channel, conversations that never sent an inbound
// message still get their delivery there.
func (d *Dispatcher) Deliver(ctx context.Context, conversationID, text string) error {
	d.mu.RLock()
	chName := d.convChannels[conversationID]
	if chName == "" && len(d.channels) == 1 {
		for name := range d.channels {
			chName = name
		}
	}
	ch := d.channels[chName]
	d.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("no channel serving conversation %s", conversationID)
	}
	return ch.Send(ctx, conversationID, &channels.OutgoingMessage{Content: text})
}

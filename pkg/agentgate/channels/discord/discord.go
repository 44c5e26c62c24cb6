// Package discord implements the Discord channel using discordgo.
//
// Each Discord text channel or DM maps to one conversation. The adapter
// handles the platform side only: gateway connection, message receipt,
// chunked sends under the 2000-character limit, and typing indicators.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/agentgate/pkg/agentgate/channels"
)

// discordMessageLimit is Discord's per-message character cap.
const discordMessageLimit = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond everywhere the bot can read.
	AllowedChannels []string `yaml:"allowed_channels"`

	// SendTyping shows "typing..." while a turn is processed.
	SendTyping bool `yaml:"send_typing"`
}

// Discord implements channels.Channel and channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	seq        atomic.Int64
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the Discord gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	d.logger.Info("disconnected")
	return nil
}

// Send delivers the assistant output, splitting long messages into chunks.
func (d *Discord) Send(ctx context.Context, conversationID string, message *channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	for i, chunk := range splitMessage(message.Content, discordMessageLimit) {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		if _, err := d.session.ChannelMessageSendComplex(conversationID, msgSend); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: %w: %v", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// SendTyping shows the typing indicator.
func (d *Discord) SendTyping(ctx context.Context, conversationID string) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	return d.session.ChannelTyping(conversationID)
}

// Receive returns the incoming message stream.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected reports gateway state.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// onMessageCreate forwards user messages into the pipeline.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Never react to ourselves or other bots.
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if !d.channelAllowed(m.ChannelID) {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" && len(m.Attachments) == 0 {
		return
	}

	var attachments []string
	for _, a := range m.Attachments {
		attachments = append(attachments, a.URL)
	}

	msg := &channels.IncomingMessage{
		ID:             m.ID,
		Channel:        "discord",
		ConversationID: m.ChannelID,
		From:           m.Author.ID,
		FromName:       m.Author.Username,
		Content:        content,
		Attachments:    attachments,
		Seq:            d.seq.Add(1),
		Timestamp:      m.Timestamp,
	}
	d.lastMsg.Store(time.Now())

	select {
	case d.messages <- msg:
	default:
		// Inbound buffer full: drop and count rather than blocking the
		// discordgo event goroutine.
		d.errorCount.Add(1)
		d.logger.Warn("inbound buffer full, dropping message",
			"conversation", m.ChannelID, "message", m.ID)
	}
}

func (d *Discord) channelAllowed(channelID string) bool {
	if len(d.cfg.AllowedChannels) == 0 {
		return true
	}
	for _, id := range d.cfg.AllowedChannels {
		if id == channelID {
			return true
		}
	}
	return false
}

// splitMessage breaks content into chunks under the limit, preferring
// newline boundaries.
func splitMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(content) > limit {
		cut := strings.LastIndex(content[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimLeft(content[cut:], "\n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

// compactor.go rewrites an over-budget turn log into [system turns, one
// summary turn, recent turns]. Compaction failure never blocks turn
// delivery: a failed cycle is logged and retried on the next trigger.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// SummaryMarker prefixes the synthetic summary turn so later compactions and
// humans reading a dump can tell it apart from real user input.
const SummaryMarker = "[Conversation summary]"

// SummarizeFunc produces a summary of a conversation transcript. Wired to
// the provider chain by the caller.
type SummarizeFunc func(ctx context.Context, transcript string) (string, error)

// CompactorConfig holds the watermark policy.
type CompactorConfig struct {
	// HighWaterTokens triggers compaction when the log's estimate exceeds it.
	HighWaterTokens int `yaml:"high_water_tokens"`

	// LowWaterTokens is the target the log must drop to at or below.
	LowWaterTokens int `yaml:"low_water_tokens"`

	// KeepRecent is the number of most recent turns retained verbatim.
	KeepRecent int `yaml:"keep_recent"`
}

// DefaultCompactorConfig returns the stock watermark policy.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		HighWaterTokens: 100_000,
		LowWaterTokens:  60_000,
		KeepRecent:      6,
	}
}

// Compactor shrinks over-budget conversation logs.
type Compactor struct {
	store     *Store
	summarize SummarizeFunc
	cfg       CompactorConfig
	logger    *slog.Logger
}

// NewCompactor creates a compactor over the given store.
func NewCompactor(store *Store, summarize SummarizeFunc, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HighWaterTokens <= 0 {
		cfg = DefaultCompactorConfig()
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 6
	}
	return &Compactor{
		store:     store,
		summarize: summarize,
		cfg:       cfg,
		logger:    logger.With("component", "compactor"),
	}
}

// MaybeCompact compacts the conversation when it is over the high-water
// mark. Returns true when a compaction ran. Under budget it is a no-op, so
// back-to-back invocations are idempotent.
func (c *Compactor) MaybeCompact(ctx context.Context, conversationID string) (bool, error) {
	turns := c.store.Load(conversationID, 0)
	if TotalTokens(turns) <= c.cfg.HighWaterTokens {
		return false, nil
	}

	// Leading system turns are retained byte for byte.
	sysEnd := 0
	for sysEnd < len(turns) && turns[sysEnd].Role == RoleSystem {
		sysEnd++
	}

	split := c.splitPoint(turns, sysEnd)
	if split <= sysEnd {
		// Nothing in the middle to fold away; the recent window alone is
		// over budget. Summarizing zero turns cannot help.
		c.logger.Warn("log over budget but nothing compactable",
			"conversation", conversationID, "turns", len(turns))
		return false, nil
	}

	middle := turns[sysEnd:split]
	summary, err := c.summarize(ctx, renderTranscript(middle))
	if err != nil {
		c.logger.Warn("compaction skipped, summarization failed",
			"conversation", conversationID, "err", err)
		return false, fmt.Errorf("summarize middle span: %w", err)
	}

	summaryTurn := NewTurn(RoleUser, SummaryMarker+"\n"+summary)

	prefix := make([]Turn, 0, sysEnd+1)
	prefix = append(prefix, turns[:sysEnd]...)
	prefix = append(prefix, summaryTurn)

	keepSuffix := len(turns) - split
	if err := c.store.ReplacePrefix(conversationID, keepSuffix, prefix); err != nil {
		return false, err
	}

	c.logger.Info("conversation compacted",
		"conversation", conversationID,
		"before_turns", len(turns),
		"after_turns", len(prefix)+keepSuffix,
		"after_tokens", c.store.TokenTotal(conversationID))
	return true, nil
}

// splitPoint picks the boundary between the span to summarize and the recent
// turns kept verbatim. It starts KeepRecent turns from the end, widens until
// the projected total fits under the low-water mark, and never lands on a
// tool-result turn: splitting an assistant tool-call away from its results
// would leave the next provider request malformed.
func (c *Compactor) splitPoint(turns []Turn, sysEnd int) int {
	split := len(turns) - c.cfg.KeepRecent
	if split < sysEnd {
		split = sysEnd
	}

	// Widen the summarized span while the kept tail still overflows the
	// target. The summary turn's own cost is unknown here; the low-water
	// margin absorbs it.
	for split < len(turns) {
		kept := TotalTokens(turns[:sysEnd]) + TotalTokens(turns[split:])
		if kept <= c.cfg.LowWaterTokens {
			break
		}
		split++
	}

	// Never orphan tool calls across the boundary: if the boundary lands on
	// a tool-result turn, push it forward so the results stay in the same
	// span as the assistant turn that requested them. Moving forward also
	// keeps the retained tail under the target.
	for split < len(turns) && turns[split].Role == RoleTool {
		split++
	}
	return split
}

// renderTranscript flattens a turn span into plain text for the summarizer.
func renderTranscript(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		for _, tc := range t.ToolCalls {
			fmt.Fprintf(&b, "\n  [tool call %s(%s)]", tc.Name, tc.Arguments)
		}
		b.WriteString("\n")
	}
	return b.String()
}

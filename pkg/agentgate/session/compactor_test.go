package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func testCompactorConfig() CompactorConfig {
	return CompactorConfig{
		HighWaterTokens: 100,
		LowWaterTokens:  60,
		KeepRecent:      2,
	}
}

// fixedSummarizer returns a canned summary and records invocations.
type fixedSummarizer struct {
	calls      int
	transcript string
	err        error
}

func (f *fixedSummarizer) fn(_ context.Context, transcript string) (string, error) {
	f.calls++
	f.transcript = transcript
	if f.err != nil {
		return "", f.err
	}
	return "condensed history", nil
}

// fillConversation appends alternating user/assistant turns of ~10 tokens each.
func fillConversation(s *Store, convID string, n int) {
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		_ = s.Append(convID, NewTurn(role, fmt.Sprintf("turn %02d %s", i, strings.Repeat("x", 30))))
	}
}

func TestCompactorNoopUnderHighWater(t *testing.T) {
	s := NewStore(nil, nil)
	sum := &fixedSummarizer{}
	c := NewCompactor(s, sum.fn, testCompactorConfig(), nil)

	fillConversation(s, "conv", 4)
	before := s.Load("conv", 0)

	ran, err := c.MaybeCompact(context.Background(), "conv")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if ran {
		t.Error("compaction ran under the high-water mark")
	}
	if sum.calls != 0 {
		t.Error("summarizer called for an under-budget log")
	}
	if got := len(s.Load("conv", 0)); got != len(before) {
		t.Errorf("log changed: %d -> %d turns", len(before), got)
	}
}

func TestCompactorShrinksToLowWater(t *testing.T) {
	s := NewStore(nil, nil)
	sum := &fixedSummarizer{}
	c := NewCompactor(s, sum.fn, testCompactorConfig(), nil)

	_ = s.Append("conv", NewTurn(RoleSystem, "you are a helpful assistant"))
	fillConversation(s, "conv", 20)

	ran, err := c.MaybeCompact(context.Background(), "conv")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !ran {
		t.Fatal("expected compaction to run")
	}
	if sum.calls != 1 {
		t.Fatalf("expected 1 summarizer call, got %d", sum.calls)
	}

	after := s.Load("conv", 0)
	if after[0].Role != RoleSystem || after[0].Content != "you are a helpful assistant" {
		t.Errorf("system turn not preserved verbatim: %+v", after[0])
	}
	if !strings.HasPrefix(after[1].Content, SummaryMarker) {
		t.Errorf("expected summary marker turn, got %q", after[1].Content)
	}
	if after[len(after)-1].Content != s.Load("conv", 1)[0].Content {
		t.Error("most recent turn missing from kept tail")
	}

	// Everything except the summary turn must fit under the low-water mark.
	kept := append([]Turn{after[0]}, after[2:]...)
	if got := TotalTokens(kept); got > 60 {
		t.Errorf("kept turns at %d tokens, want <= 60", got)
	}
}

func TestCompactorSummarizeFailureLeavesLogUntouched(t *testing.T) {
	s := NewStore(nil, nil)
	sum := &fixedSummarizer{err: fmt.Errorf("backend down")}
	c := NewCompactor(s, sum.fn, testCompactorConfig(), nil)

	fillConversation(s, "conv", 20)
	before := s.Load("conv", 0)

	ran, err := c.MaybeCompact(context.Background(), "conv")
	if err == nil {
		t.Fatal("expected error from failed summarization")
	}
	if ran {
		t.Error("compaction reported success despite failure")
	}
	after := s.Load("conv", 0)
	if len(after) != len(before) {
		t.Errorf("log changed on failed compaction: %d -> %d", len(before), len(after))
	}
}

func TestCompactorKeptTailNeverStartsWithToolResult(t *testing.T) {
	s := NewStore(nil, nil)
	sum := &fixedSummarizer{}
	c := NewCompactor(s, sum.fn, testCompactorConfig(), nil)

	fillConversation(s, "conv", 16)
	asst := NewTurn(RoleAssistant, "let me check")
	asst.ToolCalls = []ToolCall{{ID: "c1", Name: "read_file", Arguments: "{}"}}
	asst.Retokenize()
	_ = s.Append("conv", asst)
	// The naive boundary (KeepRecent=2) would land on the tool result.
	_ = s.Append("conv", NewToolResult("c1", strings.Repeat("data ", 20)))
	_ = s.Append("conv", NewTurn(RoleUser, "thanks, and one more thing"))

	ran, err := c.MaybeCompact(context.Background(), "conv")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !ran {
		t.Fatal("expected compaction to run")
	}

	after := s.Load("conv", 0)
	for i, turn := range after {
		if strings.HasPrefix(turn.Content, SummaryMarker) {
			if i+1 < len(after) && after[i+1].Role == RoleTool {
				t.Error("kept tail starts with an orphaned tool result")
			}
			return
		}
	}
	t.Fatal("summary turn not found")
}

func TestCompactorNothingCompactable(t *testing.T) {
	s := NewStore(nil, nil)
	sum := &fixedSummarizer{}
	c := NewCompactor(s, sum.fn, testCompactorConfig(), nil)

	// Only system turns: over budget but nothing foldable.
	for i := 0; i < 12; i++ {
		_ = s.Append("conv", NewTurn(RoleSystem, strings.Repeat("rule ", 10)))
	}

	ran, err := c.MaybeCompact(context.Background(), "conv")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if ran {
		t.Error("compaction ran with no non-system turns to fold")
	}
	if sum.calls != 0 {
		t.Error("summarizer called with an empty middle span")
	}
}

func TestCompactorIdempotentAfterShrink(t *testing.T) {
	s := NewStore(nil, nil)
	sum := &fixedSummarizer{}
	c := NewCompactor(s, sum.fn, testCompactorConfig(), nil)

	fillConversation(s, "conv", 20)
	if ran, err := c.MaybeCompact(context.Background(), "conv"); err != nil || !ran {
		t.Fatalf("first compact: ran=%t err=%v", ran, err)
	}

	ran, err := c.MaybeCompact(context.Background(), "conv")
	if err != nil {
		t.Fatalf("second compact: %v", err)
	}
	if ran {
		t.Error("second compaction ran on an under-budget log")
	}
	if sum.calls != 1 {
		t.Errorf("summarizer called %d times, want 1", sum.calls)
	}
}

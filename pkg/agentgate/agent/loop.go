// Package agent implements the bounded tool-calling loop that drives one
// conversation turn. The loop is an explicit finite state machine, so the
// round limit and the orphan-resolution invariant are testable on their own:
// every tool call issued by an assistant turn has a matching tool-result
// turn appended before the loop exits, on every exit path.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/agentgate/pkg/agentgate/persona"
	"github.com/jholhewres/agentgate/pkg/agentgate/provider"
	"github.com/jholhewres/agentgate/pkg/agentgate/session"
	"github.com/jholhewres/agentgate/pkg/agentgate/tools"
)

// loopState is the FSM state for one turn.
type loopState int

const (
	stateStart loopState = iota
	stateProviderRound
	stateDecide
	stateToolExec
	stateDone
)

// roundLimitMessage is the synthetic terminal turn appended when the loop
// hits its round cap.
const roundLimitMessage = "I hit the tool-call round limit for this turn and stopped. Partial results above may still be useful; ask again to continue."

// exhaustedMessage is the user-visible failure turn when every provider failed.
const exhaustedMessage = "I couldn't reach any model backend right now. Please try again in a moment."

// Config tunes the loop.
type Config struct {
	// MaxRounds caps tool-calling provider rounds per turn.
	MaxRounds int `yaml:"max_rounds"`
}

// DefaultConfig returns the stock loop policy.
func DefaultConfig() Config {
	return Config{MaxRounds: 40}
}

// Loop orchestrates provider calls and tool executions for one turn.
type Loop struct {
	chain    *provider.Chain
	store    *session.Store
	executor *tools.Executor
	cfg      Config
	logger   *slog.Logger
}

// NewLoop creates the turn loop.
func NewLoop(chain *provider.Chain, store *session.Store, executor *tools.Executor, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 40
	}
	return &Loop{
		chain:    chain,
		store:    store,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With("component", "agent"),
	}
}

// RunTurn drives one full turn for a conversation. The caller must hold the
// conversation's serialization token. The returned turn is the final
// assistant turn, already persisted.
func (l *Loop) RunTurn(ctx context.Context, conversationID string, p *persona.Persona, userTurn session.Turn) (*session.Turn, error) {
	ctx = tools.ContextWithWorkspace(ctx, p.Workspace)
	ctx = tools.ContextWithConversation(ctx, conversationID)

	allow := func(name string) bool { return p.AllowsTool(name) }
	toolDefs := l.executor.Definitions(allow)

	var (
		st      = stateStart
		history []session.Turn
		result  *provider.Result
		pending []session.ToolCall
		rounds  int
		final   *session.Turn
	)

	appendTurns := func(turns ...session.Turn) error {
		if err := l.store.Append(conversationID, turns...); err != nil {
			return fmt.Errorf("conversation %s: %w", conversationID, err)
		}
		history = append(history, turns...)
		return nil
	}

	// resolveOrphans synthesizes failure results for tool calls that never
	// got one, so the log stays well-formed on abnormal exits.
	resolveOrphans := func(reason string) {
		if len(pending) == 0 {
			return
		}
		orphans := make([]session.Turn, len(pending))
		for i, call := range pending {
			orphans[i] = session.NewToolResult(call.ID,
				fmt.Sprintf("Error executing %s: %s", call.Name, reason))
		}
		if err := l.store.Append(conversationID, orphans...); err != nil {
			l.logger.Error("failed to persist orphan resolutions",
				"conversation", conversationID, "err", err)
		}
		pending = nil
	}

	for st != stateDone {
		switch st {
		case stateStart:
			if err := l.ensureSystemTurn(conversationID, p); err != nil {
				return nil, err
			}
			if err := l.store.Append(conversationID, userTurn); err != nil {
				return nil, err
			}
			history = l.store.Load(conversationID, 0)
			st = stateProviderRound

		case stateProviderRound:
			res, err := l.chain.Complete(ctx, &provider.Request{
				Turns: history,
				Tools: toolDefs,
				Model: p.Model,
			})
			if err != nil {
				var exhausted *provider.AllProvidersExhaustedError
				if errors.As(err, &exhausted) {
					l.logger.Error("all providers exhausted",
						"conversation", conversationID,
						"reasons", exhausted.Error())
					failTurn := session.NewTurn(session.RoleAssistant, exhaustedMessage)
					if aerr := appendTurns(failTurn); aerr != nil {
						return nil, aerr
					}
					final = &failTurn
					st = stateDone
					continue
				}
				// Cancellation or store trouble: nothing pending here
				// (tool results are appended before re-entering this state),
				// so the log is already consistent.
				return nil, fmt.Errorf("provider round: %w", err)
			}
			result = res
			st = stateDecide

		case stateDecide:
			asst := session.NewTurn(session.RoleAssistant, result.Content)
			asst.ToolCalls = result.ToolCalls
			asst.Retokenize()
			if err := appendTurns(asst); err != nil {
				return nil, err
			}

			if len(asst.ToolCalls) == 0 {
				final = &asst
				st = stateDone
				continue
			}

			pending = asst.ToolCalls
			rounds++
			if rounds >= l.cfg.MaxRounds {
				l.logger.Warn("round limit reached",
					"conversation", conversationID, "rounds", rounds)
				resolveOrphans("round limit reached, tool not executed")
				limitTurn := session.NewTurn(session.RoleAssistant, roundLimitMessage)
				if err := appendTurns(limitTurn); err != nil {
					return nil, err
				}
				final = &limitTurn
				st = stateDone
				continue
			}
			st = stateToolExec

		case stateToolExec:
			results := l.executor.Execute(ctx, pending, allow)
			turns := make([]session.Turn, len(results))
			for i, r := range results {
				turns[i] = session.NewToolResult(r.ToolCallID, r.Content)
			}
			if err := appendTurns(turns...); err != nil {
				resolveOrphans("turn aborted")
				return nil, err
			}
			pending = nil

			if ctx.Err() != nil {
				// Shutdown mid-turn: results are in, log is consistent.
				return nil, ctx.Err()
			}
			st = stateProviderRound
		}
	}

	l.logger.Info("turn complete",
		"conversation", conversationID,
		"persona", p.Name,
		"rounds", rounds,
		"turns", len(history))
	return final, nil
}

// ensureSystemTurn seeds a new conversation with the persona's system
// prompt. Existing conversations keep their original system turns verbatim.
func (l *Loop) ensureSystemTurn(conversationID string, p *persona.Persona) error {
	if len(l.store.Load(conversationID, 1)) > 0 {
		return nil
	}
	prompt, err := p.SystemPrompt()
	if err != nil {
		return fmt.Errorf("persona %s system prompt: %w", p.Name, err)
	}
	if prompt == "" {
		return nil
	}
	return l.store.Append(conversationID, session.NewTurn(session.RoleSystem, prompt))
}

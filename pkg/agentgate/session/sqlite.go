// sqlite.go implements turn-log persistence backed by the agentgate.db
// SQLite database. Turns are keyed by (conversation_id, seq) where seq is a
// dense per-conversation sequence, so an ordered scan reproduces append
// order exactly and prefix replacement renumbers inside one transaction.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// SQLitePersister stores turn logs in the turns table.
type SQLitePersister struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLitePersister creates a SQLite-backed persister and ensures the
// schema exists.
func NewSQLitePersister(db *sql.DB, logger *slog.Logger) (*SQLitePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &SQLitePersister{db: db, logger: logger}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) ensureSchema() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT    NOT NULL,
			seq             INTEGER NOT NULL,
			turn_id         TEXT    NOT NULL,
			role            TEXT    NOT NULL,
			content         TEXT    NOT NULL,
			tool_calls      TEXT    NOT NULL DEFAULT '[]',
			tool_call_id    TEXT    NOT NULL DEFAULT '',
			token_estimate  INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT    NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`)
	if err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}
	return nil
}

// AppendTurns appends turns at the end of the conversation's sequence.
func (p *SQLitePersister) AppendTurns(conversationID string, turns []Turn) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?",
		conversationID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	if err := insertTurns(tx, conversationID, next, turns); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplacePrefix swaps everything except the last keepSuffix turns for the
// given prefix, in one transaction. The suffix rows are read back, the whole
// conversation is deleted and the new log is reinserted with a dense
// sequence, so a crash either keeps the old log or lands the new one.
func (p *SQLitePersister) ReplacePrefix(conversationID string, keepSuffix int, prefix []Turn) error {
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	suffix, err := scanTurns(tx.Query(`
		SELECT turn_id, role, content, tool_calls, tool_call_id, token_estimate, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY seq DESC LIMIT ?`, conversationID, keepSuffix))
	if err != nil {
		return fmt.Errorf("load suffix: %w", err)
	}
	// Scanned newest-first; restore append order.
	for i, j := 0, len(suffix)-1; i < j; i, j = i+1, j-1 {
		suffix[i], suffix[j] = suffix[j], suffix[i]
	}

	if _, err := tx.Exec("DELETE FROM turns WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("delete old log: %w", err)
	}

	next := make([]Turn, 0, len(prefix)+len(suffix))
	next = append(next, prefix...)
	next = append(next, suffix...)
	if err := insertTurns(tx, conversationID, 1, next); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadAll returns every conversation's turns in append order.
func (p *SQLitePersister) LoadAll() (map[string][]Turn, error) {
	rows, err := p.db.Query(`
		SELECT conversation_id, turn_id, role, content, tool_calls, tool_call_id, token_estimate, created_at
		FROM turns ORDER BY conversation_id, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]Turn)
	for rows.Next() {
		var (
			convID    string
			t         Turn
			toolCalls string
			createdAt string
		)
		if err := rows.Scan(&convID, &t.ID, &t.Role, &t.Content, &toolCalls, &t.ToolCallID, &t.TokenEstimate, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if toolCalls != "" && toolCalls != "[]" {
			if err := json.Unmarshal([]byte(toolCalls), &t.ToolCalls); err != nil {
				p.logger.Warn("skipping malformed tool_calls column", "conversation", convID, "turn", t.ID, "err", err)
			}
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		result[convID] = append(result[convID], t)
	}
	return result, rows.Err()
}

// Clear removes all turns for a conversation.
func (p *SQLitePersister) Clear(conversationID string) error {
	if _, err := p.db.Exec("DELETE FROM turns WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// Close is a no-op; the shared *sql.DB is owned by the caller.
func (p *SQLitePersister) Close() error { return nil }

func insertTurns(tx *sql.Tx, conversationID string, startSeq int, turns []Turn) error {
	stmt, err := tx.Prepare(`
		INSERT INTO turns (conversation_id, seq, turn_id, role, content, tool_calls, tool_call_id, token_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range turns {
		toolCalls := "[]"
		if len(t.ToolCalls) > 0 {
			b, err := json.Marshal(t.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCalls = string(b)
		}
		_, err := stmt.Exec(
			conversationID,
			startSeq+i,
			t.ID,
			string(t.Role),
			t.Content,
			toolCalls,
			t.ToolCallID,
			t.TokenEstimate,
			t.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	return nil
}

func scanTurns(rows *sql.Rows, err error) ([]Turn, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t         Turn
			toolCalls string
			createdAt string
		)
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &toolCalls, &t.ToolCallID, &t.TokenEstimate, &createdAt); err != nil {
			return nil, err
		}
		if toolCalls != "" && toolCalls != "[]" {
			_ = json.Unmarshal([]byte(toolCalls), &t.ToolCalls)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

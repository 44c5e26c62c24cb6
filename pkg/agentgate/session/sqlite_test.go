package session

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLitePersisterRoundTrip(t *testing.T) {
	db := openTestDB(t)
	p, err := NewSQLitePersister(db, nil)
	if err != nil {
		t.Fatalf("new persister: %v", err)
	}

	asst := NewTurn(RoleAssistant, "checking")
	asst.ToolCalls = []ToolCall{{ID: "c1", Name: "read_file", Arguments: `{"path":"x"}`}}

	turns := []Turn{
		NewTurn(RoleUser, "hello"),
		asst,
		NewToolResult("c1", "file contents"),
	}
	if err := p.AppendTurns("conv", turns); err != nil {
		t.Fatalf("append: %v", err)
	}

	all, err := p.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	got := all["conv"]
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	if got[0].Content != "hello" || got[0].Role != RoleUser {
		t.Errorf("turn 0 mismatch: %+v", got[0])
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "read_file" {
		t.Errorf("tool calls not preserved: %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "c1" || got[2].Role != RoleTool {
		t.Errorf("tool result mismatch: %+v", got[2])
	}
}

func TestSQLitePersisterAppendExtendsSequence(t *testing.T) {
	db := openTestDB(t)
	p, _ := NewSQLitePersister(db, nil)

	_ = p.AppendTurns("conv", []Turn{NewTurn(RoleUser, "first")})
	_ = p.AppendTurns("conv", []Turn{NewTurn(RoleUser, "second"), NewTurn(RoleAssistant, "third")})

	all, _ := p.LoadAll()
	got := all["conv"]
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Errorf("turn %d: expected %q, got %q", i, want, got[i].Content)
		}
	}
}

func TestSQLitePersisterReplacePrefix(t *testing.T) {
	db := openTestDB(t)
	p, _ := NewSQLitePersister(db, nil)

	_ = p.AppendTurns("conv", []Turn{
		NewTurn(RoleUser, "a"),
		NewTurn(RoleAssistant, "b"),
		NewTurn(RoleUser, "c"),
		NewTurn(RoleAssistant, "d"),
	})

	summary := NewTurn(RoleUser, "summary")
	if err := p.ReplacePrefix("conv", 2, []Turn{summary}); err != nil {
		t.Fatalf("replace prefix: %v", err)
	}

	all, _ := p.LoadAll()
	got := all["conv"]
	if len(got) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(got))
	}
	for i, want := range []string{"summary", "c", "d"} {
		if got[i].Content != want {
			t.Errorf("turn %d: expected %q, got %q", i, want, got[i].Content)
		}
	}

	// Sequence stays dense: another append lands after the suffix.
	_ = p.AppendTurns("conv", []Turn{NewTurn(RoleUser, "e")})
	all, _ = p.LoadAll()
	if got := all["conv"]; got[len(got)-1].Content != "e" {
		t.Errorf("append after replace out of order: %+v", got)
	}
}

func TestSQLitePersisterClear(t *testing.T) {
	db := openTestDB(t)
	p, _ := NewSQLitePersister(db, nil)

	_ = p.AppendTurns("a", []Turn{NewTurn(RoleUser, "keep me out")})
	_ = p.AppendTurns("b", []Turn{NewTurn(RoleUser, "survives")})

	if err := p.Clear("a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ := p.LoadAll()
	if _, ok := all["a"]; ok {
		t.Error("cleared conversation still present")
	}
	if len(all["b"]) != 1 {
		t.Error("unrelated conversation affected by clear")
	}
}

package logging

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE turn_log (
		episode_id       TEXT NOT NULL,
		turn_index       INTEGER NOT NULL,
		author           TEXT NOT NULL,
		action           TEXT NOT NULL,
		raw_action       INTEGER NOT NULL,
		target_line      INTEGER NOT NULL,
		payload          TEXT NOT NULL,
		fallback_text    TEXT,
		fault            TEXT,
		cursor_line      INTEGER NOT NULL,
		cursor_column    INTEGER NOT NULL,
		span_start       INTEGER NOT NULL,
		span_end         INTEGER NOT NULL,
		inserted         INTEGER NOT NULL DEFAULT 0,
		interrupted      INTEGER NOT NULL DEFAULT 0,
		exploration_json TEXT,
		document         TEXT NOT NULL,
		created_at       TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region log-turn-tests
func TestLogTurn_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	entry := TurnEntry{
		EpisodeID:       "ep1",
		TurnIndex:       2,
		Author:          "assistant",
		Action:          "EDIT_EXISTING_LINES",
		RawAction:       4,
		TargetLine:      2,
		Payload:         "return 1",
		CursorLine:      2,
		CursorColumn:    9,
		SpanStart:       13,
		SpanEnd:         21,
		ExplorationJSON: `{"TopK":3}`,
		Document:        "def f():\n    return 1\n",
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if err := LogTurn(db, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM turn_log").Scan(&count)
	if count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}

	var author, action string
	var spanEnd int
	db.QueryRow("SELECT author, action, span_end FROM turn_log").Scan(&author, &action, &spanEnd)
	if author != "assistant" {
		t.Errorf("expected author 'assistant', got %q", author)
	}
	if action != "EDIT_EXISTING_LINES" {
		t.Errorf("expected action 'EDIT_EXISTING_LINES', got %q", action)
	}
	if spanEnd != 21 {
		t.Errorf("expected span_end 21, got %d", spanEnd)
	}
}

func TestLogTurn_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	before := time.Now().UTC()
	err := LogTurn(db, TurnEntry{EpisodeID: "ep2", Author: "human", Action: "NO_OP"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var createdAtStr string
	db.QueryRow("SELECT created_at FROM turn_log").Scan(&createdAtStr)
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if createdAt.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestLogTurn_EmptyOptionalFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()

	err := LogTurn(db, TurnEntry{EpisodeID: "ep3", Author: "human", Action: "FILL_PARTIAL_LINE", Payload: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fallback, fault, exploration sql.NullString
	db.QueryRow("SELECT fallback_text, fault, exploration_json FROM turn_log").Scan(&fallback, &fault, &exploration)
	if fallback.Valid {
		t.Error("expected NULL fallback_text for empty string")
	}
	if fault.Valid {
		t.Error("expected NULL fault for empty string")
	}
	if exploration.Valid {
		t.Error("expected NULL exploration_json for empty string")
	}
}

func TestLogTurn_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	if err := LogTurn(db, TurnEntry{EpisodeID: "ep4", Author: "human", Action: "NO_OP"}); err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion log-turn-tests

// #region null-if-empty-tests
func TestNullIfEmpty_Empty(t *testing.T) {
	if result := nullIfEmpty(""); result != nil {
		t.Errorf("expected nil for empty string, got %v", result)
	}
}

func TestNullIfEmpty_NonEmpty(t *testing.T) {
	if result := nullIfEmpty("hello"); result != "hello" {
		t.Errorf("expected 'hello', got %v", result)
	}
}

// #endregion null-if-empty-tests

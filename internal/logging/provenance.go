package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region log-turn
// LogTurn writes one applied turn to the turn_log table.
func LogTurn(db *sql.DB, entry TurnEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO turn_log (episode_id, turn_index, author, action, raw_action, target_line, payload,
		                       fallback_text, fault, cursor_line, cursor_column, span_start, span_end,
		                       inserted, interrupted, exploration_json, document, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EpisodeID,
		entry.TurnIndex,
		entry.Author,
		entry.Action,
		entry.RawAction,
		entry.TargetLine,
		entry.Payload,
		nullIfEmpty(entry.FallbackText),
		nullIfEmpty(entry.Fault),
		entry.CursorLine,
		entry.CursorColumn,
		entry.SpanStart,
		entry.SpanEnd,
		entry.Inserted,
		entry.Interrupted,
		nullIfEmpty(entry.ExplorationJSON),
		entry.Document,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log turn %d: %w", entry.TurnIndex, err)
	}
	return nil
}
// #endregion log-turn

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers

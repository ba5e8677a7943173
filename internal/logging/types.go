package logging

import (
	"io"
	"log/slog"
	"time"
)

// #region turn-entry
// TurnEntry is a single row in the turn_log table.
type TurnEntry struct {
	EpisodeID    string
	TurnIndex    int
	Author       string // "human" | "assistant"
	Action       string
	RawAction    int
	TargetLine   int
	Payload      string
	FallbackText string
	Fault        string

	// Cursor at request time; replay restores it before re-applying.
	CursorLine   int
	CursorColumn int

	SpanStart int
	SpanEnd   int
	// Inserted is the rune count actually typed. Interrupted marks a turn
	// whose typing stopped before the payload was complete.
	Inserted    int
	Interrupted bool

	ExplorationJSON string
	Document        string
	CreatedAt       time.Time
}
// #endregion turn-entry

// #region options
// Options selects the handlers New fans records out to.
type Options struct {
	Level slog.Leveler
	// Writer receives human-readable text records. Defaults to os.Stderr.
	Writer io.Writer
	// JSONPath, when set, appends JSON records to that file.
	JSONPath string
	// Journal sends records to the systemd journal when it is reachable.
	Journal bool
}
// #endregion options

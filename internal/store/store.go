package store

import (
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/logging"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	episode_id     TEXT PRIMARY KEY,
	initial_text   TEXT NOT NULL,
	cursor_line    INTEGER NOT NULL,
	cursor_column  INTEGER NOT NULL,
	config_json    TEXT,
	anchor_episode TEXT,
	anchor_turn    INTEGER,
	consumed       INTEGER NOT NULL DEFAULT 0,
	final_text     TEXT,
	created_at     TEXT NOT NULL,
	ended_at       TEXT,
	FOREIGN KEY (anchor_episode) REFERENCES episodes(episode_id)
);

CREATE TABLE IF NOT EXISTS attribution_spans (
	episode_id   TEXT NOT NULL,
	position     INTEGER NOT NULL,
	author       TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset   INTEGER NOT NULL,
	turn_index   INTEGER NOT NULL,
	PRIMARY KEY (episode_id, position),
	FOREIGN KEY (episode_id) REFERENCES episodes(episode_id)
);

CREATE TABLE IF NOT EXISTS turn_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
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
	created_at       TEXT NOT NULL,
	FOREIGN KEY (episode_id) REFERENCES episodes(episode_id)
);

CREATE INDEX IF NOT EXISTS idx_turn_log_episode ON turn_log(episode_id, turn_index);
`

// turnLogColumns were added after the first release; older files gain them
// on open.
var turnLogColumns = []string{
	"inserted INTEGER NOT NULL DEFAULT 0",
	"interrupted INTEGER NOT NULL DEFAULT 0",
}
// #endregion schema

// #region store-struct
// Store persists episodes, their attribution logs and turn history in SQLite.
type Store struct {
	db *sql.DB
}
// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, col := range turnLogColumns {
		_, err := db.Exec("ALTER TABLE turn_log ADD COLUMN " + col)
		if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return nil, fmt.Errorf("migrate turn_log: %w", err)
		}
	}
	return &Store{db: db}, nil
}
// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}
// #endregion db-accessor

// #region episodes
// CreateEpisode inserts ep under a fresh ID and returns the stored record.
func (s *Store) CreateEpisode(ep Episode) (Episode, error) {
	ep.ID = uuid.New().String()
	ep.CreatedAt = time.Now().UTC()
	ep.Consumed = false

	var anchorEpisode, anchorTurn interface{}
	if ep.AnchorEpisode != "" {
		anchorEpisode = ep.AnchorEpisode
		anchorTurn = ep.AnchorTurn
	}

	_, err := s.db.Exec(
		`INSERT INTO episodes (episode_id, initial_text, cursor_line, cursor_column, config_json,
		                       anchor_episode, anchor_turn, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.InitialText, ep.CursorLine, ep.CursorColumn, nullIfEmpty(ep.ConfigJSON),
		anchorEpisode, anchorTurn, ep.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	return ep, nil
}

// FinishEpisode stores the final document text and end time.
func (s *Store) FinishEpisode(id, finalText string) error {
	res, err := s.db.Exec(
		`UPDATE episodes SET final_text = ?, ended_at = ? WHERE episode_id = ?`,
		finalText, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("finish episode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("episode %s not found", id)
	}
	return nil
}

// GetEpisode retrieves one episode by ID.
func (s *Store) GetEpisode(id string) (Episode, error) {
	row := s.db.QueryRow(`SELECT `+episodeColumns+` FROM episodes WHERE episode_id = ?`, id)
	ep, err := scanEpisode(row)
	if err != nil {
		return Episode{}, fmt.Errorf("get episode %s: %w", id, err)
	}
	return ep, nil
}

// ListEpisodes returns the most recent episodes.
func (s *Store) ListEpisodes(limit int) ([]Episode, error) {
	rows, err := s.db.Query(
		`SELECT `+episodeColumns+` FROM episodes ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// MarkConsumed flags episodes so they are no longer offered as anchors.
func (s *Store) MarkConsumed(ids ...string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE episodes SET consumed = 1 WHERE episode_id = ?`, id); err != nil {
			return fmt.Errorf("mark consumed %s: %w", id, err)
		}
	}
	return tx.Commit()
}

const episodeColumns = `episode_id, initial_text, cursor_line, cursor_column, config_json,
	anchor_episode, anchor_turn, consumed, final_text, created_at, ended_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row scanner) (Episode, error) {
	var ep Episode
	var configJSON, anchorEpisode, finalText, endedStr sql.NullString
	var anchorTurn sql.NullInt64
	var consumed int
	var createdStr string

	err := row.Scan(&ep.ID, &ep.InitialText, &ep.CursorLine, &ep.CursorColumn, &configJSON,
		&anchorEpisode, &anchorTurn, &consumed, &finalText, &createdStr, &endedStr)
	if err != nil {
		return Episode{}, err
	}
	ep.ConfigJSON = configJSON.String
	ep.AnchorEpisode = anchorEpisode.String
	ep.AnchorTurn = int(anchorTurn.Int64)
	ep.Consumed = consumed != 0
	ep.FinalText = finalText.String
	ep.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if endedStr.Valid {
		ep.EndedAt, _ = time.Parse(time.RFC3339Nano, endedStr.String)
	}
	return ep, nil
}
// #endregion episodes

// #region spans
// SaveSpans replaces the stored attribution log of an episode.
func (s *Store) SaveSpans(episodeID string, spans []attribution.Span) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM attribution_spans WHERE episode_id = ?`, episodeID); err != nil {
		return fmt.Errorf("clear spans: %w", err)
	}
	for i, sp := range spans {
		_, err := tx.Exec(
			`INSERT INTO attribution_spans (episode_id, position, author, start_offset, end_offset, turn_index)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			episodeID, i, string(sp.Author), sp.Start, sp.End, sp.TurnIndex,
		)
		if err != nil {
			return fmt.Errorf("insert span %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadSpans returns the stored attribution log of an episode in order.
func (s *Store) LoadSpans(episodeID string) ([]attribution.Span, error) {
	rows, err := s.db.Query(
		`SELECT author, start_offset, end_offset, turn_index
		 FROM attribution_spans WHERE episode_id = ? ORDER BY position`, episodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load spans: %w", err)
	}
	defer rows.Close()

	var spans []attribution.Span
	for rows.Next() {
		var sp attribution.Span
		var author string
		if err := rows.Scan(&author, &sp.Start, &sp.End, &sp.TurnIndex); err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		sp.Author = attribution.Author(author)
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}
// #endregion spans

// #region turns
// LoadTurns returns the turn log of an episode ordered by turn index.
func (s *Store) LoadTurns(episodeID string) ([]logging.TurnEntry, error) {
	rows, err := s.db.Query(
		`SELECT episode_id, turn_index, author, action, raw_action, target_line, payload,
		        fallback_text, fault, cursor_line, cursor_column, span_start, span_end,
		        inserted, interrupted, exploration_json, document, created_at
		 FROM turn_log WHERE episode_id = ? ORDER BY turn_index, id`, episodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []logging.TurnEntry
	for rows.Next() {
		var e logging.TurnEntry
		var fallback, fault, exploration sql.NullString
		var createdStr string
		err := rows.Scan(&e.EpisodeID, &e.TurnIndex, &e.Author, &e.Action, &e.RawAction, &e.TargetLine,
			&e.Payload, &fallback, &fault, &e.CursorLine, &e.CursorColumn, &e.SpanStart, &e.SpanEnd,
			&e.Inserted, &e.Interrupted, &exploration, &e.Document, &createdStr)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		e.FallbackText = fallback.String
		e.Fault = fault.String
		e.ExplorationJSON = exploration.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		turns = append(turns, e)
	}
	return turns, rows.Err()
}
// #endregion turns

// #region anchors
// Candidates lists unconsumed episodes whose turn log reaches turn 2 or
// beyond. Turn 0 is never offered.
func (s *Store) Candidates() ([]Candidate, error) {
	rows, err := s.db.Query(
		`SELECT e.episode_id, MAX(t.turn_index)
		 FROM episodes e JOIN turn_log t ON t.episode_id = e.episode_id
		 WHERE e.consumed = 0
		 GROUP BY e.episode_id
		 HAVING MAX(t.turn_index) >= 2
		 ORDER BY e.created_at, e.episode_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.EpisodeID, &c.MaxTurn); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		for turn := 2; turn <= c.MaxTurn; turn += 2 {
			c.EvenTurns = append(c.EvenTurns, turn)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PickAnchor chooses a random candidate episode and a random even turn of it.
func (s *Store) PickAnchor(rng *rand.Rand) (Anchor, error) {
	candidates, err := s.Candidates()
	if err != nil {
		return Anchor{}, err
	}
	if len(candidates) == 0 {
		return Anchor{}, ErrNoCandidates
	}
	c := candidates[rng.IntN(len(candidates))]
	return Anchor{
		EpisodeID: c.EpisodeID,
		TurnIndex: c.EvenTurns[rng.IntN(len(c.EvenTurns))],
	}, nil
}
// #endregion anchors

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers

package store

import (
	"errors"
	"time"
)

// #region episode
// Episode is one recorded simulation run.
type Episode struct {
	ID           string
	InitialText  string
	CursorLine   int
	CursorColumn int
	ConfigJSON   string

	// AnchorEpisode and AnchorTurn name the recording this run resumed
	// from. AnchorEpisode is empty for fresh runs.
	AnchorEpisode string
	AnchorTurn    int

	Consumed  bool
	FinalText string
	CreatedAt time.Time
	EndedAt   time.Time
}
// #endregion episode

// #region anchor
// Anchor is an (episode, turn) pair a new recording can resume from.
type Anchor struct {
	EpisodeID string
	TurnIndex int
}

// Candidate is an episode eligible for anchoring together with the turn
// indices it may be resumed at.
type Candidate struct {
	EpisodeID string
	MaxTurn   int
	EvenTurns []int
}

// ErrNoCandidates is returned when no unconsumed episode can be anchored.
var ErrNoCandidates = errors.New("store: no eligible anchor episodes")
// #endregion anchor

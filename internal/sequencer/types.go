package sequencer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/edit"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

// #region state

// State is the Sequencer lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// #endregion state

// #region stats

// Stats accumulates across start/stop cycles of one Sequencer. TotalActions
// is what the free-running MaxActions cap is checked against.
type Stats struct {
	TotalActions    int
	TotalDuration   time.Duration
	EpisodesStarted int
	// LastRunTime is when the most recent run started.
	LastRunTime time.Time
}

// #endregion stats

// #region collaborators

// Notifier broadcasts the shutdown notice and reports whether a listener
// acknowledged it before timeout.
type Notifier interface {
	Broadcast(ctx context.Context, reason string, timeout time.Duration) bool
}

// Host is the environment the simulation runs in. Close terminates it;
// NavigateAway is the fallback when Close fails.
type Host interface {
	Close() error
	NavigateAway()
}

// TurnRecord describes one applied turn.
type TurnRecord struct {
	TurnIndex int
	Author    attribution.Author
	Request   policy.TurnRequest
	Response  policy.TurnResponse
	Result    edit.Result
	Span      attribution.Span
	// FallbackText is set when inference failed and a minimal edit was
	// typed instead of Response. Fault carries the inference error.
	FallbackText string
	Fault        error
	// Interrupted marks a turn whose typing stopped early; Result.Change
	// holds only the runes actually typed.
	Interrupted bool
	Document    string
	At          time.Time
}

// Options wires optional collaborators into a Sequencer.
type Options struct {
	Logger *slog.Logger
	Rand   *rand.Rand
	// Sleep waits for action delays, pauses and typing cadence. Interval
	// waits always use real timers so Stop can interrupt them.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	Notifier Notifier
	Host     Host

	// Log seeds the attribution log, e.g. after a resume.
	Log *attribution.Log
	// OnChange receives the full span list after every applied turn.
	OnChange func(spans []attribution.Span)
	OnTurn   func(rec TurnRecord)
}

// #endregion collaborators

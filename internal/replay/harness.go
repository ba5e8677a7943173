package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/edit"
	"github.com/danielpatrickdp/pair-sim/internal/logging"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

// #region types
// Turn is one recorded turn as needed to re-apply it.
type Turn struct {
	TurnIndex int
	Author    attribution.Author
	Response  policy.TurnResponse
	// FallbackText replaces Response when inference failed on the first run.
	FallbackText string
	// Cursor is where the cursor stood when the turn was requested.
	Cursor document.Position
	// Interrupted turns re-type only their first Typed runes.
	Interrupted bool
	Typed       int
}

// Result captures the outcome of re-applying one turn.
type Result struct {
	TurnIndex int
	Author    attribution.Author
	Action    string
	Fallback  bool
	Change    attribution.Change
	Span      attribution.Span
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalTurns     int
	HumanTurns     int
	AssistantTurns int
	Fallbacks      int
	NoOps          int
	FinalText      string
	NextTurn       int
}

// Session is the document and attribution log rebuilt by Reconstruct.
type Session struct {
	Buffer *document.Buffer
	Log    *attribution.Log
}

// #endregion types

// #region replay
// Reconstruct re-applies turns with index <= upTo to initialText with no
// typing delay. A negative upTo replays every turn. The returned log
// continues at upTo+1 even when the turn at upTo was never recorded.
func Reconstruct(ctx context.Context, initialText string, cursor document.Position, turns []Turn, upTo int, marker string) (Session, []Result, error) {
	buf := document.NewBuffer(initialText)
	buf.SetCursor(cursor)
	log := attribution.NewLog()
	applier := edit.NewApplier(buf, edit.Options{
		CommentMarker: marker,
		Logger:        quietLogger(),
	})

	last := -1
	results := make([]Result, 0, len(turns))
	for _, t := range turns {
		if upTo >= 0 && t.TurnIndex > upTo {
			break
		}
		buf.SetCursor(t.Cursor)

		res, err := reapply(ctx, applier, t)
		if err != nil {
			return Session{}, results, fmt.Errorf("replay turn %d: %w", t.TurnIndex, err)
		}

		span, err := log.Record(t.Author, t.TurnIndex, res.Change)
		if err != nil {
			return Session{}, results, fmt.Errorf("replay turn %d: %w", t.TurnIndex, err)
		}
		action := res.Action.String()
		if t.FallbackText != "" {
			action = "FALLBACK"
		}
		results = append(results, Result{
			TurnIndex: t.TurnIndex,
			Author:    t.Author,
			Action:    action,
			Fallback:  res.Fallback,
			Change:    res.Change,
			Span:      span,
		})
		last = t.TurnIndex
	}

	if upTo >= 0 {
		last = upTo
	}
	log.ResumeFrom(log.Spans(), last)
	return Session{Buffer: buf, Log: log}, results, nil
}

// reapply runs one turn, cutting typing short where the recorded turn was.
func reapply(ctx context.Context, applier *edit.Applier, t Turn) (edit.Result, error) {
	var res edit.Result
	var err error
	switch {
	case t.FallbackText != "" && t.Interrupted:
		res.Change, err = applier.TypeLimited(ctx, t.FallbackText, t.Typed)
	case t.FallbackText != "":
		res.Change, err = applier.Type(ctx, t.FallbackText)
	case t.Interrupted:
		res, err = applier.ApplyLimited(ctx, t.Response, t.Typed)
	default:
		res, err = applier.Apply(ctx, t.Response)
	}
	if t.FallbackText != "" {
		res.Action = policy.ActionUnrecognized
		res.Fallback = true
	}
	if errors.Is(err, edit.ErrTypingLimit) {
		err = nil
	}
	return res, err
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result, s Session) Summary {
	sum := Summary{
		TotalTurns: len(results),
		FinalText:  s.Buffer.String(),
		NextTurn:   s.Log.NextTurn(),
	}
	for _, r := range results {
		switch r.Author {
		case attribution.AuthorHuman:
			sum.HumanTurns++
		case attribution.AuthorAssistant:
			sum.AssistantTurns++
		}
		if r.Action == "FALLBACK" {
			sum.Fallbacks++
		}
		if r.Action == policy.ActionNoOp.String() {
			sum.NoOps++
		}
	}
	return sum
}

// #endregion replay

// #region conversion
// FromEntries converts stored turn log rows into replayable turns.
func FromEntries(entries []logging.TurnEntry) []Turn {
	turns := make([]Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, Turn{
			TurnIndex: e.TurnIndex,
			Author:    attribution.Author(e.Author),
			Response: policy.TurnResponse{
				Action:     policy.ParseActionKind(e.RawAction),
				RawAction:  e.RawAction,
				TargetLine: e.TargetLine,
				Payload:    e.Payload,
			},
			FallbackText: e.FallbackText,
			Cursor:       document.Position{Line: e.CursorLine, Column: e.CursorColumn},
			Interrupted:  e.Interrupted,
			Typed:        e.Inserted,
		})
	}
	return turns
}

// #endregion conversion

// #region helpers
// quietLogger drops the fallback warnings a replay re-triggers; they were
// logged when the turn first ran.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// #endregion helpers

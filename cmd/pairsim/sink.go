package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/logging"
	"github.com/danielpatrickdp/pair-sim/internal/sequencer"
	"github.com/danielpatrickdp/pair-sim/internal/store"
)

// #region sink

// sink persists every applied turn and the span list of one episode.
// Storage errors are logged and never stop the run.
type sink struct {
	store     *store.Store
	episodeID string
	logger    *slog.Logger
}

func (s *sink) onChange(spans []attribution.Span) {
	if err := s.store.SaveSpans(s.episodeID, spans); err != nil {
		s.logger.Warn("save spans failed", "episode", s.episodeID, "error", err)
	}
}

func (s *sink) onTurn(rec sequencer.TurnRecord) {
	if err := logging.LogTurn(s.store.DB(), turnEntry(s.episodeID, rec)); err != nil {
		s.logger.Warn("log turn failed", "episode", s.episodeID, "turn", rec.TurnIndex, "error", err)
	}
}

// turnEntry flattens a turn record into its turn_log row.
func turnEntry(episodeID string, rec sequencer.TurnRecord) logging.TurnEntry {
	entry := logging.TurnEntry{
		EpisodeID:    episodeID,
		TurnIndex:    rec.TurnIndex,
		Author:       string(rec.Author),
		Action:       rec.Result.Action.String(),
		RawAction:    rec.Response.RawAction,
		TargetLine:   rec.Response.TargetLine,
		Payload:      rec.Response.Payload,
		FallbackText: rec.FallbackText,
		CursorLine:   rec.Request.Cursor.Line,
		CursorColumn: rec.Request.Cursor.Column,
		SpanStart:    rec.Span.Start,
		SpanEnd:      rec.Span.End,
		Inserted:     rec.Result.Change.Inserted,
		Interrupted:  rec.Interrupted,
		Document:     rec.Document,
		CreatedAt:    rec.At.UTC(),
	}
	if rec.FallbackText != "" {
		entry.Action = "FALLBACK"
		entry.RawAction = int(rec.Result.Action)
	}
	if rec.Fault != nil {
		entry.Fault = rec.Fault.Error()
	}
	if rec.Request.Exploration != nil {
		if data, err := json.Marshal(rec.Request.Exploration); err == nil {
			entry.ExplorationJSON = string(data)
		}
	}
	return entry
}

// #endregion sink

// #region host

// host ends the process-level run context when the sequencer asks to close
// the environment.
type host struct {
	cancel context.CancelFunc
	logger *slog.Logger
}

func (h *host) Close() error {
	h.logger.Info("closing host")
	h.cancel()
	return nil
}

func (h *host) NavigateAway() {
	h.logger.Warn("host close failed, navigating away")
	h.cancel()
}

// #endregion host

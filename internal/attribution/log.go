package attribution

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// #region types

// Author identifies which actor produced a span.
type Author string

const (
	AuthorHuman     Author = "human"
	AuthorAssistant Author = "assistant"
)

// Valid reports whether a is one of the two known actors.
func (a Author) Valid() bool {
	return a == AuthorHuman || a == AuthorAssistant
}

// Span is a half-open rune range [Start, End) of the document tagged with the
// actor and turn that wrote it.
type Span struct {
	Author    Author `json:"author"`
	Start     int    `json:"start_offset"`
	End       int    `json:"end_offset"`
	TurnIndex int    `json:"turn_index"`
}

// Len is the number of runes the span covers.
func (s Span) Len() int {
	return s.End - s.Start
}

// Change describes one contiguous buffer mutation: Removed runes were deleted
// at Start and Inserted runes were written in their place.
type Change struct {
	Start    int
	Removed  int
	Inserted int
}

// ErrTurnOrder is returned when a span would be recorded out of turn order.
var ErrTurnOrder = errors.New("attribution: turn index not increasing")

// #endregion types

// #region log

// Log is the append-only provenance record of a simulation. Existing spans are
// rebased on every change so that offsets keep pointing at the same text and
// no two spans overlap.
type Log struct {
	mu    sync.Mutex
	spans []Span
	next  int
}

// NewLog returns an empty log whose first turn index is 0.
func NewLog() *Log {
	return &Log{}
}

// Record appends the span produced by change c at turnIndex. turnIndex must
// not be lower than NextTurn.
func (l *Log) Record(author Author, turnIndex int, c Change) (Span, error) {
	if !author.Valid() {
		return Span{}, fmt.Errorf("attribution: unknown author %q", author)
	}
	if c.Start < 0 || c.Removed < 0 || c.Inserted < 0 {
		return Span{}, fmt.Errorf("attribution: negative change %+v", c)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if turnIndex < l.next {
		return Span{}, fmt.Errorf("%w: got %d, next is %d", ErrTurnOrder, turnIndex, l.next)
	}
	for i := range l.spans {
		l.spans[i] = rebase(l.spans[i], c)
	}
	span := Span{
		Author:    author,
		Start:     c.Start,
		End:       c.Start + c.Inserted,
		TurnIndex: turnIndex,
	}
	l.spans = append(l.spans, span)
	l.next = turnIndex + 1
	return span, nil
}

// ResumeFrom replaces the log with the spans of prior written at or before
// lastCompleted. The next turn index becomes lastCompleted+1.
func (l *Log) ResumeFrom(prior []Span, lastCompleted int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := make([]Span, 0, len(prior))
	for _, s := range prior {
		if s.TurnIndex <= lastCompleted {
			kept = append(kept, s)
		}
	}
	l.spans = kept
	if lastCompleted < 0 {
		lastCompleted = -1
	}
	l.next = lastCompleted + 1
}

// NextTurn is the index the next recorded turn should use.
func (l *Log) NextTurn() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Spans returns a copy of the recorded spans in chronological order.
func (l *Log) Spans() []Span {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Span, len(l.spans))
	copy(out, l.spans)
	return out
}

// Len returns the number of recorded spans.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.spans)
}

// #endregion log

// #region serialization

type snapshot struct {
	Spans    []Span `json:"spans"`
	NextTurn int    `json:"next_turn"`
}

// MarshalJSON encodes the spans together with the next turn index.
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	spans := l.spans
	if spans == nil {
		spans = []Span{}
	}
	return json.Marshal(snapshot{Spans: spans, NextTurn: l.next})
}

// UnmarshalJSON restores a log written by MarshalJSON.
func (l *Log) UnmarshalJSON(data []byte) error {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode attribution log: %w", err)
	}
	l.ResumeFrom(s.Spans, s.NextTurn-1)
	return nil
}

// #endregion serialization

// #region rebase

// rebase moves s so it keeps covering the same text after c. When c lands
// strictly inside s, s keeps the part before the edit.
func rebase(s Span, c Change) Span {
	editEnd := c.Start + c.Removed
	delta := c.Inserted - c.Removed

	switch {
	case c.Removed == 0 && c.Inserted == 0:
		return s
	case s.End <= c.Start:
		return s
	case s.Start >= editEnd:
		s.Start += delta
		s.End += delta
		return s
	case s.Start < c.Start:
		s.End = c.Start
		return s
	default:
		end := s.End
		if end < editEnd {
			end = editEnd
		}
		s.Start = c.Start + c.Inserted
		s.End = end + delta
		return s
	}
}

// #endregion rebase

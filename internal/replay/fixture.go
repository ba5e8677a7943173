package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description   string            `json:"description"`
	InitialText   string            `json:"initial_text"`
	Cursor        document.Position `json:"cursor"`
	CommentMarker string            `json:"comment_marker,omitempty"`
	Turns         []FixtureTurn     `json:"turns"`
	Expected      FixtureExpected   `json:"expected"`
}

// FixtureTurn mirrors replay.Turn with JSON tags. Action is the wire index.
type FixtureTurn struct {
	TurnIndex    int               `json:"turn_index"`
	Author       string            `json:"author"`
	Action       int               `json:"action"`
	TargetLine   int               `json:"target_line"`
	Payload      string            `json:"payload"`
	FallbackText string            `json:"fallback_text,omitempty"`
	Cursor       document.Position `json:"cursor"`
	Interrupted  bool              `json:"interrupted,omitempty"`
	Typed        int               `json:"typed,omitempty"`
}

// FixtureExpected captures the expected document and attribution log.
type FixtureExpected struct {
	FinalText string             `json:"final_text"`
	Spans     []attribution.Span `json:"spans"`
	NextTurn  int                `json:"next_turn"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture stores f as indented JSON.
func WriteFixture(path string, f *Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// ToTurn converts a FixtureTurn to a domain Turn.
func (ft *FixtureTurn) ToTurn() Turn {
	return Turn{
		TurnIndex: ft.TurnIndex,
		Author:    attribution.Author(ft.Author),
		Response: policy.TurnResponse{
			Action:     policy.ParseActionKind(ft.Action),
			RawAction:  ft.Action,
			TargetLine: ft.TargetLine,
			Payload:    ft.Payload,
		},
		FallbackText: ft.FallbackText,
		Cursor:       ft.Cursor,
		Interrupted:  ft.Interrupted,
		Typed:        ft.Typed,
	}
}

// DomainTurns converts every fixture turn.
func (f *Fixture) DomainTurns() []Turn {
	turns := make([]Turn, len(f.Turns))
	for i := range f.Turns {
		turns[i] = f.Turns[i].ToTurn()
	}
	return turns
}

// FixtureFromTurns builds a fixture whose expectations are the outcome of
// replaying turns, for exporting recorded episodes.
func FixtureFromTurns(description, initialText string, cursor document.Position, turns []Turn, s Session) *Fixture {
	f := &Fixture{
		Description: description,
		InitialText: initialText,
		Cursor:      cursor,
		Expected: FixtureExpected{
			FinalText: s.Buffer.String(),
			Spans:     s.Log.Spans(),
			NextTurn:  s.Log.NextTurn(),
		},
	}
	for _, t := range turns {
		f.Turns = append(f.Turns, FixtureTurn{
			TurnIndex:    t.TurnIndex,
			Author:       string(t.Author),
			Action:       t.Response.RawAction,
			TargetLine:   t.Response.TargetLine,
			Payload:      t.Response.Payload,
			FallbackText: t.FallbackText,
			Cursor:       t.Cursor,
			Interrupted:  t.Interrupted,
			Typed:        t.Typed,
		})
	}
	return f
}

// #endregion fixture-loader

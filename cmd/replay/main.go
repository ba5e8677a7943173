package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/config"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/logging"
	"github.com/danielpatrickdp/pair-sim/internal/replay"
	"github.com/danielpatrickdp/pair-sim/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to pairsim.db (DB mode)")
	episodeID := flag.String("episode", "", "episode to replay (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	upTo := flag.Int("turn", -1, "replay turns up to and including this index (-1 for all)")
	flag.Parse()

	dbMode := *dbPath != "" && *episodeID != ""
	if dbMode == (*fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/pairsim.db --episode id [--turn k]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json [--turn k]")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath, *upTo)
	} else {
		exitCode = runDBMode(*dbPath, *episodeID, *upTo)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-mode

func runDBMode(dbPath, episodeID string, upTo int) int {
	st, err := store.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer st.Close()

	ep, err := st.GetEpisode(episodeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	entries, err := st.LoadTurns(episodeID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no turns recorded for episode")
		return 2
	}

	marker := episodeMarker(ep.ConfigJSON)
	cursor := document.Position{Line: ep.CursorLine, Column: ep.CursorColumn}
	turns := replay.FromEntries(entries)
	session, results, err := replay.Reconstruct(context.Background(), ep.InitialText, cursor, turns, upTo, marker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 1
	}

	expected := make([]attribution.Span, 0, len(entries))
	for _, e := range entries {
		expected = append(expected, storedSpan(e))
	}
	code := printComparison(results, expected)

	full := upTo < 0 || upTo >= entries[len(entries)-1].TurnIndex
	if full && ep.FinalText != "" && ep.FinalText != session.Buffer.String() {
		fmt.Println("final document differs from the stored episode")
		code = 1
	}
	printSummary(replay.Summarize(results, session))
	return code
}

// episodeMarker recovers the comment marker the episode ran with.
func episodeMarker(configJSON string) string {
	raw, _ := config.Decode(configJSON)
	return config.Normalize(raw).CommentMarker
}

func storedSpan(e logging.TurnEntry) attribution.Span {
	return attribution.Span{
		Author:    attribution.Author(e.Author),
		Start:     e.SpanStart,
		End:       e.SpanEnd,
		TurnIndex: e.TurnIndex,
	}
}

// #endregion db-mode

// #region fixture-mode

func runFixtureMode(path string, upTo int) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	session, results, err := replay.Reconstruct(context.Background(), f.InitialText, f.Cursor, f.DomainTurns(), upTo, f.CommentMarker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 1
	}

	printComparison(results, nil)
	printSummary(replay.Summarize(results, session))
	if upTo >= 0 {
		return 0
	}

	diverge := 0
	if got := session.Buffer.String(); got != f.Expected.FinalText {
		fmt.Printf("final text: expected %q, got %q\n", f.Expected.FinalText, got)
		diverge++
	}
	spans := session.Log.Spans()
	if len(spans) != len(f.Expected.Spans) {
		fmt.Printf("spans: expected %d, got %d\n", len(f.Expected.Spans), len(spans))
		diverge++
	} else {
		for i, want := range f.Expected.Spans {
			if spans[i] != want {
				fmt.Printf("span %d: expected %s, got %s\n", i, formatSpan(want), formatSpan(spans[i]))
				diverge++
			}
		}
	}
	if session.Log.NextTurn() != f.Expected.NextTurn {
		fmt.Printf("next turn: expected %d, got %d\n", f.Expected.NextTurn, session.Log.NextTurn())
		diverge++
	}

	if diverge > 0 {
		return 1
	}
	fmt.Println("fixture matches")
	return 0
}

// #endregion fixture-mode

// #region output

// printComparison outputs one row per replayed turn and returns the exit
// code. expected holds the spans recorded when the turns first ran; a nil
// expected prints the replayed spans only.
func printComparison(results []replay.Result, expected []attribution.Span) int {
	fmt.Printf("%-6s| %-10s| %-32s| %-14s| %-14s| %s\n", "Turn", "Author", "Action", "Recorded", "Replayed", "Match")
	fmt.Printf("%-6s+%-11s+%-33s+%-15s+%-15s+%s\n",
		"------", "-----------", "---------------------------------", "---------------", "---------------", "------")

	matches := 0
	for i, r := range results {
		rec, match := "-", "-"
		if expected != nil && i < len(expected) {
			rec = formatSpan(expected[i])
			match = "DIFF"
			if expected[i] == r.Span {
				match = "OK"
				matches++
			}
		}
		fmt.Printf("%-6d| %-10s| %-32s| %-14s| %-14s| %s\n",
			r.TurnIndex, r.Author, r.Action, rec, formatSpan(r.Span), match)
	}

	if expected == nil {
		return 0
	}
	diverge := len(results) - matches
	fmt.Printf("\nSpans: %d total, %d match, %d diverge\n", len(results), matches, diverge)
	if diverge > 0 {
		return 1
	}
	return 0
}

func printSummary(s replay.Summary) {
	fmt.Printf("\nTurns: %d (human %d, assistant %d) | fallbacks %d | no-ops %d | next turn %d\n",
		s.TotalTurns, s.HumanTurns, s.AssistantTurns, s.Fallbacks, s.NoOps, s.NextTurn)
	fmt.Printf("\n%s\n", s.FinalText)
}

func formatSpan(s attribution.Span) string {
	tag := "?"
	switch s.Author {
	case attribution.AuthorHuman:
		tag = "H"
	case attribution.AuthorAssistant:
		tag = "A"
	}
	return fmt.Sprintf("%s[%d,%d)", tag, s.Start, s.End)
}

// #endregion output

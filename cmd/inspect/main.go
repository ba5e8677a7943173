package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to pairsim.db")
	last := flag.Int("last", 20, "show N most recent episodes")
	episode := flag.String("episode", "", "show single episode detail")
	anchors := flag.Bool("anchors", false, "list episodes eligible as anchors")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/pairsim.db [--last N] [--episode id] [--anchors] [--json]")
		os.Exit(2)
	}

	st, err := store.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch {
	case *episode != "":
		err = runDetailMode(st, *episode, *jsonOut)
	case *anchors:
		err = runAnchorMode(st, *jsonOut)
	default:
		err = runListMode(st, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	EpisodeID  string `json:"episode_id"`
	Anchor     string `json:"anchor,omitempty"`
	Consumed   bool   `json:"consumed"`
	FinalChars int    `json:"final_chars"`
	Finished   bool   `json:"finished"`
	CreatedAt  string `json:"created_at"`
}

func runListMode(st *store.Store, last int, jsonOut bool) error {
	episodes, err := st.ListEpisodes(last)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		fmt.Fprintln(os.Stderr, "no episodes found")
		return nil
	}

	// store returns newest first, reverse for chronological
	rows := make([]listRow, len(episodes))
	for i, ep := range episodes {
		r := listRow{
			EpisodeID:  ep.ID,
			Consumed:   ep.Consumed,
			FinalChars: len([]rune(ep.FinalText)),
			Finished:   !ep.EndedAt.IsZero(),
			CreatedAt:  ep.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if ep.AnchorEpisode != "" {
			r.Anchor = fmt.Sprintf("%s@%d", shortID(ep.AnchorEpisode), ep.AnchorTurn)
		}
		rows[len(episodes)-1-i] = r
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-10s  %-14s  %-8s  %-8s  %6s  %s\n", "Episode", "Anchor", "Consumed", "Finished", "Chars", "Time")
	fmt.Printf("%-10s+-%-14s+-%-8s+-%-8s+-%6s+-%s\n",
		"----------", "--------------", "--------", "--------", "------", "--------------------")
	for _, r := range rows {
		anchor := "-"
		if r.Anchor != "" {
			anchor = r.Anchor
		}
		fmt.Printf("%-10s  %-14s  %-8v  %-8v  %6d  %s\n",
			shortID(r.EpisodeID), anchor, r.Consumed, r.Finished, r.FinalChars, r.CreatedAt)
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	EpisodeID   string             `json:"episode_id"`
	CreatedAt   string             `json:"created_at"`
	EndedAt     string             `json:"ended_at,omitempty"`
	Anchor      string             `json:"anchor,omitempty"`
	Consumed    bool               `json:"consumed"`
	ConfigJSON  string             `json:"config,omitempty"`
	InitialText string             `json:"initial_text"`
	FinalText   string             `json:"final_text"`
	Spans       []attribution.Span `json:"spans"`
	Turns       []turnRow          `json:"turns"`
}

type turnRow struct {
	TurnIndex int    `json:"turn_index"`
	Author    string `json:"author"`
	Action    string `json:"action"`
	Target    int    `json:"target_line"`
	Span      string `json:"span"`
	Fault     string `json:"fault,omitempty"`
}

func runDetailMode(st *store.Store, episodeID string, jsonOut bool) error {
	ep, err := st.GetEpisode(episodeID)
	if err != nil {
		return err
	}
	spans, err := st.LoadSpans(episodeID)
	if err != nil {
		return err
	}
	entries, err := st.LoadTurns(episodeID)
	if err != nil {
		return err
	}

	out := detailOutput{
		EpisodeID:   ep.ID,
		CreatedAt:   ep.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Consumed:    ep.Consumed,
		ConfigJSON:  ep.ConfigJSON,
		InitialText: ep.InitialText,
		FinalText:   ep.FinalText,
		Spans:       spans,
	}
	if !ep.EndedAt.IsZero() {
		out.EndedAt = ep.EndedAt.Format("2006-01-02T15:04:05Z")
	}
	if ep.AnchorEpisode != "" {
		out.Anchor = fmt.Sprintf("%s@%d", ep.AnchorEpisode, ep.AnchorTurn)
	}
	for _, e := range entries {
		out.Turns = append(out.Turns, turnRow{
			TurnIndex: e.TurnIndex,
			Author:    e.Author,
			Action:    e.Action,
			Target:    e.TargetLine,
			Span:      fmt.Sprintf("[%d,%d)", e.SpanStart, e.SpanEnd),
			Fault:     e.Fault,
		})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Episode:  %s\n", out.EpisodeID)
	fmt.Printf("Created:  %s\n", out.CreatedAt)
	fmt.Printf("Ended:    %s\n", orDash(out.EndedAt))
	fmt.Printf("Anchor:   %s\n", orDash(out.Anchor))
	fmt.Printf("Consumed: %v\n", out.Consumed)

	fmt.Printf("\nTurns:\n")
	for _, t := range out.Turns {
		fault := ""
		if t.Fault != "" {
			fault = "  fault=" + t.Fault
		}
		fmt.Printf("  %4d  %-10s %-32s line=%-4d %s%s\n", t.TurnIndex, t.Author, t.Action, t.Target, t.Span, fault)
	}

	fmt.Printf("\nAttribution (%d spans):\n", len(out.Spans))
	for _, s := range out.Spans {
		fmt.Printf("  turn %-4d %-10s [%d,%d)\n", s.TurnIndex, s.Author, s.Start, s.End)
	}

	text := out.FinalText
	if text == "" {
		text = out.InitialText
	}
	fmt.Printf("\nDocument:\n%s\n", indent(text))
	return nil
}

// #endregion detail-mode

// #region anchor-mode

func runAnchorMode(st *store.Store, jsonOut bool) error {
	candidates, err := st.Candidates()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(candidates)
	}
	if len(candidates) == 0 {
		fmt.Fprintln(os.Stderr, "no anchor candidates")
		return nil
	}
	for _, c := range candidates {
		fmt.Printf("%-10s  max_turn=%-4d turns=%v\n", shortID(c.EpisodeID), c.MaxTurn, c.EvenTurns)
	}
	return nil
}

// #endregion anchor-mode

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func indent(text string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(text, "\n"), "\n", "\n  ")
}

// #endregion output

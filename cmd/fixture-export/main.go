package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/pair-sim/internal/config"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/replay"
	"github.com/danielpatrickdp/pair-sim/internal/store"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to pairsim.db")
	episodeID := flag.String("episode", "", "episode to export (default: most recent finished)")
	upTo := flag.Int("turn", -1, "export turns up to and including this index (-1 for all)")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/pairsim.db --out path/to/fixture.json [--episode id] [--turn k]")
		os.Exit(2)
	}

	if err := run(*dbPath, *episodeID, *upTo, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath, episodeID string, upTo int, outPath string) error {
	st, err := store.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer st.Close()

	ep, err := pickEpisode(st, episodeID)
	if err != nil {
		return err
	}
	entries, err := st.LoadTurns(ep.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("episode %s has no recorded turns", ep.ID)
	}
	fmt.Printf("Found %d turns in episode %s\n", len(entries), ep.ID)

	raw, err := config.Decode(ep.ConfigJSON)
	if err != nil {
		return err
	}
	marker := config.Normalize(raw).CommentMarker
	cursor := document.Position{Line: ep.CursorLine, Column: ep.CursorColumn}
	turns := replay.FromEntries(entries)

	// Expectations come from replaying, so the fixture pins current behavior.
	session, results, err := replay.Reconstruct(context.Background(), ep.InitialText, cursor, turns, upTo, marker)
	if err != nil {
		return err
	}

	f := replay.FixtureFromTurns(
		fmt.Sprintf("Episode export: %d turns from %s", len(results), ep.ID),
		ep.InitialText, cursor, turns[:len(results)], session)
	f.CommentMarker = marker
	if err := replay.WriteFixture(outPath, f); err != nil {
		return err
	}

	fmt.Printf("Wrote fixture to %s (%d turns, next turn %d)\n", outPath, len(f.Turns), f.Expected.NextTurn)
	return nil
}

// pickEpisode loads id, or the most recent finished episode when id is empty.
func pickEpisode(st *store.Store, id string) (store.Episode, error) {
	if id != "" {
		return st.GetEpisode(id)
	}
	episodes, err := st.ListEpisodes(50)
	if err != nil {
		return store.Episode{}, err
	}
	for _, ep := range episodes {
		if !ep.EndedAt.IsZero() {
			return ep, nil
		}
	}
	return store.Episode{}, errors.New("no finished episodes found")
}

// #endregion extract

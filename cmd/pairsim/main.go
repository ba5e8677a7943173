package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/config"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/lifecycle"
	"github.com/danielpatrickdp/pair-sim/internal/logging"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
	"github.com/danielpatrickdp/pair-sim/internal/replay"
	"github.com/danielpatrickdp/pair-sim/internal/sequencer"
	"github.com/danielpatrickdp/pair-sim/internal/store"
	"golang.org/x/sync/errgroup"
)

// #region main
func main() {
	dbPath := flag.String("db", envOr("PAIRSIM_DB", "pairsim.db"), "path to the episode store")
	policyURL := flag.String("policy-url", envOr("PAIRSIM_POLICY_URL", ""), "HTTP policy base URL (takes precedence over -policy-addr)")
	policyAddr := flag.String("policy-addr", envOr("PAIRSIM_POLICY_ADDR", "localhost:50061"), "gRPC policy address")
	configPath := flag.String("config", envOr("PAIRSIM_CONFIG", ""), "YAML simulation config")
	textPath := flag.String("file", "", "initial document text for a fresh episode")
	outPath := flag.String("out", "", "write the final document here")
	seed := flag.Uint64("seed", envUint("PAIRSIM_SEED", 0), "random seed (0 picks one)")
	resumeEpisode := flag.String("resume", "", "episode to resume from")
	resumeTurn := flag.Int("turn", -1, "last turn of -resume to re-apply")
	anchor := flag.Bool("anchor", false, "resume from a random unconsumed episode and even turn")
	restarts := flag.Int("restarts", 1, "number of runs from the same starting point")
	consume := flag.Bool("consume", false, "mark the anchor episode consumed afterwards")
	logLevel := flag.String("log-level", envOr("PAIRSIM_LOG_LEVEL", "info"), "debug, info, warn or error")
	logJSON := flag.String("log-json", envOr("PAIRSIM_LOG_JSON", ""), "append JSON log records to this file")
	journal := flag.Bool("journal", false, "also log to the systemd journal")
	flag.Parse()

	if *resumeEpisode != "" && *anchor {
		fmt.Fprintln(os.Stderr, "usage: pairsim [-resume episode -turn k | -anchor] [-file text] [-restarts n]")
		os.Exit(2)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:    logging.ParseLevel(*logLevel),
		JSONPath: *logJSON,
		Journal:  *journal,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	st, err := store.NewStore(*dbPath)
	if err != nil {
		logger.Error("open store", "path", *dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	client, closeClient, err := newClient(*policyURL, *policyAddr)
	if err != nil {
		logger.Error("connect policy", "error", err)
		os.Exit(1)
	}
	defer closeClient()

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(*seed, *seed>>1))
	logger.Info("pairsim ready", "db", *dbPath, "seed", *seed, "restarts", *restarts)

	src, err := resolveSource(st, rng, *textPath, *resumeEpisode, *resumeTurn, *anchor)
	if err != nil {
		logger.Error("resolve starting point", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner{store: st, client: client, cfg: cfg, rng: rng, logger: logger}
	var final string
	for i := 0; i < max(1, *restarts); i++ {
		final, err = r.runEpisode(ctx, src, i)
		if err != nil {
			logger.Error("episode failed", "run", i, "error", err)
			os.Exit(1)
		}
		if ctx.Err() != nil {
			logger.Info("interrupted, skipping remaining runs", "completed", i+1)
			break
		}
	}

	if *consume && src.anchor.EpisodeID != "" {
		if err := st.MarkConsumed(src.anchor.EpisodeID); err != nil {
			logger.Error("mark consumed", "episode", src.anchor.EpisodeID, "error", err)
		}
	}
	if *outPath != "" {
		if err := os.WriteFile(*outPath, []byte(final), 0o644); err != nil {
			logger.Error("write document", "path", *outPath, "error", err)
			os.Exit(1)
		}
	}
}

// #endregion main

// #region source

// source is where every run of this invocation starts from.
type source struct {
	initialText string
	cursor      document.Position
	turns       []replay.Turn
	// anchor is empty for a fresh episode.
	anchor store.Anchor
}

func resolveSource(st *store.Store, rng *rand.Rand, textPath, resumeID string, resumeTurn int, anchored bool) (source, error) {
	a := store.Anchor{EpisodeID: resumeID, TurnIndex: resumeTurn}
	if anchored {
		picked, err := st.PickAnchor(rng)
		if err != nil {
			return source{}, fmt.Errorf("pick anchor: %w", err)
		}
		a = picked
	}

	if a.EpisodeID == "" {
		var text string
		if textPath != "" {
			data, err := os.ReadFile(textPath)
			if err != nil {
				return source{}, fmt.Errorf("read initial text: %w", err)
			}
			text = string(data)
		}
		return source{initialText: text, cursor: document.End(document.NewBuffer(text))}, nil
	}

	if a.TurnIndex < 0 {
		return source{}, errors.New("-resume needs -turn >= 0")
	}
	ep, err := st.GetEpisode(a.EpisodeID)
	if err != nil {
		return source{}, err
	}
	entries, err := st.LoadTurns(a.EpisodeID)
	if err != nil {
		return source{}, err
	}
	return source{
		initialText: ep.InitialText,
		cursor:      document.Position{Line: ep.CursorLine, Column: ep.CursorColumn},
		turns:       replay.FromEntries(entries),
		anchor:      a,
	}, nil
}

// #endregion source

// #region run

type runner struct {
	store  *store.Store
	client policy.Client
	cfg    config.Simulation
	rng    *rand.Rand
	logger *slog.Logger
}

// runEpisode runs one simulation from src and returns the final document.
func (r *runner) runEpisode(ctx context.Context, src source, run int) (string, error) {
	sess := replay.Session{Buffer: document.NewBuffer(src.initialText), Log: attribution.NewLog()}
	sess.Buffer.SetCursor(src.cursor)
	if src.anchor.EpisodeID != "" {
		var err error
		sess, _, err = replay.Reconstruct(ctx, src.initialText, src.cursor, src.turns, src.anchor.TurnIndex, r.cfg.CommentMarker)
		if err != nil {
			return "", err
		}
	}

	cfgJSON, _ := json.Marshal(r.cfg.Raw())
	cursor := sess.Buffer.Cursor()
	ep, err := r.store.CreateEpisode(store.Episode{
		InitialText:   sess.Buffer.String(),
		CursorLine:    cursor.Line,
		CursorColumn:  cursor.Column,
		ConfigJSON:    string(cfgJSON),
		AnchorEpisode: src.anchor.EpisodeID,
		AnchorTurn:    src.anchor.TurnIndex,
	})
	if err != nil {
		return "", err
	}
	logger := r.logger.With("episode", ep.ID, "run", run)
	if spans := sess.Log.Spans(); len(spans) > 0 {
		if err := r.store.SaveSpans(ep.ID, spans); err != nil {
			return "", err
		}
	}
	if src.anchor.EpisodeID != "" {
		logger.Info("resumed", "from", src.anchor.EpisodeID, "turn", src.anchor.TurnIndex, "next_turn", sess.Log.NextTurn())
	}

	// runCtx outlives Stop so in-flight turns finish; only the host ends it.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := lifecycle.NewBroadcaster(lifecycle.WithLogger(logger))
	sub := broadcaster.Subscribe()
	defer sub.Close()
	go func() {
		for n := range sub.Notices {
			logger.Info("shutdown notice", "reason", n.Reason)
			n.Ack()
		}
	}()

	sk := &sink{store: r.store, episodeID: ep.ID, logger: logger.With("component", "sink")}
	seq := sequencer.New(sess.Buffer, r.client, r.cfg, sequencer.Options{
		Logger:   logger,
		Rand:     rand.New(rand.NewPCG(r.rng.Uint64(), r.rng.Uint64())),
		Notifier: broadcaster,
		Host:     &host{cancel: cancel, logger: logger},
		Log:      sess.Log,
		OnChange: sk.onChange,
		OnTurn:   sk.onTurn,
	})

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		if !seq.Start(runCtx) {
			return errors.New("sequencer did not start")
		}
		seq.Wait()
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			seq.Stop()
		case <-done:
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	final := sess.Buffer.String()
	if err := r.store.FinishEpisode(ep.ID, final); err != nil {
		return "", err
	}
	stats := seq.Stats()
	fmt.Printf("[%s] run=%d actions=%d duration=%s next_turn=%d\n",
		ep.ID, run, stats.TotalActions, stats.TotalDuration.Round(time.Millisecond), seq.Log().NextTurn())
	return final, nil
}

// #endregion run

// #region helpers
func newClient(url, addr string) (policy.Client, func(), error) {
	if url != "" {
		return policy.NewHTTPClient(url, nil), func() {}, nil
	}
	c, err := policy.NewGRPCClient(addr)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v, err := strconv.ParseUint(os.Getenv(key), 10, 64); err == nil {
		return v
	}
	return fallback
}

// #endregion helpers

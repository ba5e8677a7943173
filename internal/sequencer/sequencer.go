package sequencer

// #region imports
import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/config"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/edit"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

// #endregion imports

// fallbackText is typed for a human turn whose inference failed.
const fallbackText = "\n"

const minTick = time.Millisecond

// #region sequencer-struct

// Sequencer drives alternating human and assistant turns against a document.
// At most one turn runs at a time; a turn scheduled while another is in
// flight is dropped.
type Sequencer struct {
	cfg      config.Simulation
	client   policy.Client
	logger   *slog.Logger
	baseLog  *slog.Logger
	log      *attribution.Log
	notifier Notifier
	host     Host
	onChange func([]attribution.Span)
	onTurn   func(TurnRecord)
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time

	processing chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	mu         sync.Mutex
	doc        document.Document
	applier    *edit.Applier
	state      State
	runID      uint64
	stopCh     chan struct{}
	ticker     *time.Ticker
	startedAt  time.Time
	runActions int
	stats      Stats

	wg sync.WaitGroup
}

// #endregion sequencer-struct

// #region constructor

// New builds a Sequencer over doc. cfg is clamped again here so a hand-built
// Simulation still honors its ranges. doc may be nil and bound later.
func New(doc document.Document, client policy.Client, cfg config.Simulation, opts Options) *Sequencer {
	s := &Sequencer{
		cfg:        cfg.Clamp(),
		client:     client,
		baseLog:    opts.Logger,
		log:        opts.Log,
		notifier:   opts.Notifier,
		host:       opts.Host,
		onChange:   opts.OnChange,
		onTurn:     opts.OnTurn,
		sleep:      opts.Sleep,
		now:        opts.Now,
		processing: make(chan struct{}, 1),
		rng:        opts.Rand,
	}
	if s.baseLog == nil {
		s.baseLog = slog.Default()
	}
	s.logger = s.baseLog.With("component", "sequencer")
	if s.log == nil {
		s.log = attribution.NewLog()
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.rng == nil {
		seed := uint64(time.Now().UnixNano())
		s.rng = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if doc != nil {
		s.Bind(doc)
	}
	return s
}

// Bind attaches doc. It is ignored unless the Sequencer is idle.
func (s *Sequencer) Bind(doc document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}
	s.rngMu.Lock()
	typingRand := rand.New(rand.NewPCG(s.rng.Uint64(), s.rng.Uint64()))
	s.rngMu.Unlock()

	s.doc = doc
	s.applier = edit.NewApplier(doc, edit.Options{
		TypingDelayMin: s.cfg.TypingDelayMin,
		TypingDelayMax: s.cfg.TypingDelayMax,
		CommentMarker:  s.cfg.CommentMarker,
		Rand:           typingRand,
		Sleep:          s.sleep,
		Logger:         s.baseLog,
	})
}

// #endregion constructor

// #region accessors

// State returns the current lifecycle state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the accumulated statistics.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Log returns the attribution log the Sequencer records into.
func (s *Sequencer) Log() *attribution.Log {
	return s.log
}

// Config returns the clamped configuration.
func (s *Sequencer) Config() config.Simulation {
	return s.cfg
}

// Wait blocks until the run goroutine and every in-flight turn have
// returned.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

// #endregion accessors

// #region start

// Start begins a run and reports whether one was started. It is a no-op
// while a run is active or when no document is bound. ctx bounds inference
// calls and delays; cancelling it ends the run.
func (s *Sequencer) Start(ctx context.Context) bool {
	s.mu.Lock()
	if s.state != StateIdle || s.doc == nil {
		s.mu.Unlock()
		return false
	}
	s.state = StateRunning
	s.runID++
	id := s.runID
	stop := make(chan struct{})
	s.stopCh = stop
	s.startedAt = s.now()
	s.runActions = 0
	s.stats.EpisodesStarted++
	s.stats.LastRunTime = s.startedAt
	paired := s.cfg.AssistantActionLimit > 0
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("simulation started",
		"run", id,
		"paired", paired,
		"assistant_actions", s.cfg.AssistantActionLimit,
		"human_follow_ups", s.cfg.HumanFollowUpCount,
		"next_turn", s.log.NextTurn())

	go func() {
		defer s.wg.Done()
		defer s.stop(id)
		if paired {
			s.runPaired(ctx, stop)
		} else {
			s.runFree(ctx, id, stop)
		}
	}()
	return true
}

// #endregion start

// #region schedules

// runPaired runs N human/assistant pairs followed by M human follow-ups.
func (s *Sequencer) runPaired(ctx context.Context, stop <-chan struct{}) {
	n, m := s.cfg.AssistantActionLimit, s.cfg.HumanFollowUpCount
	for i := 0; i < n; i++ {
		if halted(ctx, stop) {
			return
		}
		s.turn(ctx, stop, attribution.AuthorHuman)
		if !s.wait(ctx, stop, s.cfg.TurnInterval) {
			return
		}
		s.turn(ctx, stop, attribution.AuthorAssistant)
		if i < n-1 || m > 0 {
			if !s.wait(ctx, stop, s.cfg.TurnInterval) {
				return
			}
		}
	}
	for j := 0; j < m; j++ {
		if halted(ctx, stop) {
			return
		}
		s.turn(ctx, stop, attribution.AuthorHuman)
		if j < m-1 {
			if !s.wait(ctx, stop, s.cfg.TurnInterval) {
				return
			}
		}
	}
}

// runFree issues a human turn on every tick until a limit is reached. Ticks
// that land on a running turn are dropped by the processing lock.
func (s *Sequencer) runFree(ctx context.Context, id uint64, stop <-chan struct{}) {
	interval := max(s.cfg.TurnInterval, minTick)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.mu.Lock()
	if s.runID != id || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.ticker = ticker
	s.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.limitReached() {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.turn(ctx, stop, attribution.AuthorHuman)
				if s.limitReached() {
					s.stop(id)
				}
			}()
		}
	}
}

// limitReached reports whether the free-running bounds are exhausted. The
// action cap counts every run of this Sequencer; the duration cap only the
// current one. Paired runs are bounded by their turn counts instead.
func (s *Sequencer) limitReached() bool {
	if s.cfg.AssistantActionLimit > 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxActions > 0 && s.stats.TotalActions >= s.cfg.MaxActions {
		return true
	}
	return s.cfg.DurationCap > 0 && s.now().Sub(s.startedAt) >= s.cfg.DurationCap
}

// wait sleeps d unless the run is stopped first.
func (s *Sequencer) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return !halted(ctx, stop)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func halted(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// #endregion schedules

// #region turn

// turn requests one decision for author and applies it. Once inference has
// been issued the turn runs to completion even if the run is stopped.
func (s *Sequencer) turn(ctx context.Context, stop <-chan struct{}, author attribution.Author) {
	if !s.acquire() {
		s.logger.Debug("turn dropped, previous turn still running", "author", author)
		return
	}
	defer s.release()
	if halted(ctx, stop) || s.limitReached() {
		return
	}

	s.mu.Lock()
	doc, applier := s.doc, s.applier
	s.mu.Unlock()

	idx := s.log.NextTurn()
	req := s.buildRequest(doc, author, idx)
	resp, err := policy.Request(ctx, s.client, req)
	if err != nil {
		s.inferenceFault(ctx, applier, doc, req, err)
		return
	}

	if err := s.sleep(ctx, s.actionDelay()); err != nil {
		s.logger.Warn("turn abandoned during action delay", "turn", idx, "error", err)
		return
	}

	res, err := applier.Apply(ctx, resp)
	interrupted := err != nil
	if err != nil {
		if errors.Is(err, edit.ErrTypingInProgress) {
			s.logger.Warn("turn skipped, typing in progress", "turn", idx, "author", author)
			return
		}
		// Partial typing already changed the document, so it is still recorded.
		s.logger.Warn("edit interrupted", "turn", idx, "author", author, "error", err)
	}
	s.commit(ctx, doc, TurnRecord{
		TurnIndex:   idx,
		Author:      author,
		Request:     req,
		Response:    resp,
		Result:      res,
		Interrupted: interrupted,
	})
}

// inferenceFault handles a transport or malformed-response failure. Human
// turns degrade to typing a newline; assistant turns are skipped.
func (s *Sequencer) inferenceFault(ctx context.Context, applier *edit.Applier, doc document.Document, req policy.TurnRequest, err error) {
	if req.Author != attribution.AuthorHuman {
		s.logger.Warn("assistant inference failed, turn skipped", "turn", req.TurnIndex, "error", err)
		return
	}
	s.logger.Warn("human inference failed, typing fallback", "turn", req.TurnIndex, "error", err)

	change, typeErr := applier.Type(ctx, fallbackText)
	if typeErr != nil && change.Inserted == 0 {
		s.logger.Warn("fallback typing failed", "turn", req.TurnIndex, "error", typeErr)
		return
	}
	s.commit(ctx, doc, TurnRecord{
		TurnIndex:    req.TurnIndex,
		Author:       req.Author,
		Request:      req,
		Result:       edit.Result{Action: policy.ActionUnrecognized, Change: change, Fallback: true},
		FallbackText: fallbackText,
		Fault:        err,
		Interrupted:  typeErr != nil,
	})
}

// commit records the span, updates stats, notifies sinks and pauses.
func (s *Sequencer) commit(ctx context.Context, doc document.Document, rec TurnRecord) {
	span, err := s.log.Record(rec.Author, rec.TurnIndex, rec.Result.Change)
	if err != nil {
		s.logger.Warn("attribution rejected", "turn", rec.TurnIndex, "error", err)
		return
	}
	s.mu.Lock()
	s.stats.TotalActions++
	s.runActions++
	s.mu.Unlock()

	rec.Span = span
	rec.Document = document.Text(doc)
	rec.At = s.now()
	s.logger.Debug("turn applied",
		"turn", rec.TurnIndex,
		"author", rec.Author,
		"action", rec.Result.Action,
		"fallback", rec.Result.Fallback,
		"span_start", span.Start,
		"span_end", span.End)

	if s.onChange != nil {
		s.onChange(s.log.Spans())
	}
	if s.onTurn != nil {
		s.onTurn(rec)
	}
	if err := s.sleep(ctx, s.cfg.PostActionPause); err != nil {
		s.logger.Debug("post-action pause cut short", "error", err)
	}
}

func (s *Sequencer) buildRequest(doc document.Document, author attribution.Author, idx int) policy.TurnRequest {
	cursor := doc.Cursor()
	req := policy.TurnRequest{
		Document:     document.Text(doc),
		Author:       author,
		TurnIndex:    idx,
		Timestamp:    s.now(),
		Cursor:       cursor,
		CursorOffset: document.Offset(doc, cursor),
		FileLength:   document.Length(doc),
		Attribution:  s.log.Spans(),
	}
	if author == attribution.AuthorAssistant {
		req.Exploration = s.exploration()
	}
	return req
}

// exploration draws the noise decision for one assistant turn. Temperature
// and epsilon are forwarded whenever positive.
func (s *Sequencer) exploration() *policy.ExplorationOverride {
	var ov *policy.ExplorationOverride
	if s.randFloat() < s.cfg.NoiseProbability {
		ov = &policy.ExplorationOverride{TopK: s.cfg.NoiseTopK}
	}
	if s.cfg.Temperature > 0 || s.cfg.Epsilon > 0 {
		if ov == nil {
			ov = &policy.ExplorationOverride{}
		}
		ov.Temperature = s.cfg.Temperature
		ov.Epsilon = s.cfg.Epsilon
	}
	return ov
}

// #endregion turn

// #region stop

// Stop ends the active run. It is idempotent: a Sequencer that is not
// running returns at once. In-flight inference is allowed to finish and its
// result is still applied, but nothing new is scheduled.
func (s *Sequencer) Stop() {
	s.stop(0)
}

// stop halts run id, or whichever run is active when id is zero.
func (s *Sequencer) stop(id uint64) {
	s.mu.Lock()
	if s.state != StateRunning || (id != 0 && id != s.runID) {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	close(s.stopCh)
	elapsed := s.now().Sub(s.startedAt)
	s.stats.TotalDuration += elapsed
	runID, actions := s.runID, s.runActions
	s.mu.Unlock()

	s.logger.Info("simulation stopping", "run", runID, "elapsed", elapsed, "actions", actions)

	if s.notifier != nil {
		ok := s.notifier.Broadcast(context.Background(), "simulation stopped", s.cfg.AckTimeout)
		if !ok {
			s.logger.Warn("shutdown not acknowledged, continuing", "timeout", s.cfg.AckTimeout)
		}
	}

	if s.cfg.CloseOnStop && s.host != nil {
		if err := s.host.Close(); err != nil {
			s.logger.Warn("host close failed, navigating away", "error", err)
			s.host.NavigateAway()
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	s.logger.Info("simulation stopped", "run", runID)
}

// #endregion stop

// #region helpers

func (s *Sequencer) acquire() bool {
	select {
	case s.processing <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Sequencer) release() {
	<-s.processing
}

func (s *Sequencer) actionDelay() time.Duration {
	lo, hi := s.cfg.ActionDelayMin, s.cfg.ActionDelayMax
	if hi <= lo {
		return lo
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return lo + time.Duration(s.rng.Int64N(int64(hi-lo)+1))
}

func (s *Sequencer) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion helpers

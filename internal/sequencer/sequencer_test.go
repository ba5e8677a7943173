package sequencer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/config"
	"github.com/danielpatrickdp/pair-sim/internal/document"
	"github.com/danielpatrickdp/pair-sim/internal/lifecycle"
	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

// #region mocks
type mockNotifier struct {
	mu    sync.Mutex
	calls int
	ack   bool
}

func (m *mockNotifier) Broadcast(ctx context.Context, reason string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.ack
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockHost struct {
	mu        sync.Mutex
	closeErr  error
	closed    int
	navigated int
}

func (m *mockHost) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return m.closeErr
}

func (m *mockHost) NavigateAway() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.navigated++
}

// #endregion mocks

// #region helpers
func noSleep(context.Context, time.Duration) error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSequencer(doc document.Document, client policy.Client, cfg config.Simulation, opts Options) *Sequencer {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Sleep == nil {
		opts.Sleep = noSleep
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(7, 11))
	}
	return New(doc, client, cfg, opts)
}

func waitDone(t *testing.T, s *Sequencer) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sequencer did not finish")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func authors(reqs []policy.TurnRequest) []attribution.Author {
	out := make([]attribution.Author, len(reqs))
	for i, r := range reqs {
		out[i] = r.Author
	}
	return out
}

// #endregion helpers

// #region schedule-tests
func TestPaired_TurnCountsAndAlternation(t *testing.T) {
	client := policy.NewScripted()
	s := newTestSequencer(document.NewBuffer(""), client,
		config.Simulation{AssistantActionLimit: 3, HumanFollowUpCount: 2}, Options{})

	if !s.Start(context.Background()) {
		t.Fatal("expected Start to begin a run")
	}
	waitDone(t, s)

	h, a := attribution.AuthorHuman, attribution.AuthorAssistant
	want := []attribution.Author{h, a, h, a, h, a, h, h}
	got := authors(client.Requests())
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if st := s.State(); st != StateIdle {
		t.Errorf("expected idle after completion, got %s", st)
	}
	stats := s.Stats()
	if stats.TotalActions != 8 || stats.EpisodesStarted != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	spans := s.Log().Spans()
	for i, sp := range spans {
		if sp.TurnIndex != i {
			t.Errorf("span %d has turn index %d", i, sp.TurnIndex)
		}
	}
}

func TestPaired_NoFollowUps(t *testing.T) {
	client := policy.NewScripted()
	s := newTestSequencer(document.NewBuffer(""), client,
		config.Simulation{AssistantActionLimit: 2, HumanFollowUpCount: 0}, Options{})

	s.Start(context.Background())
	waitDone(t, s)

	if n := len(client.Requests()); n != 4 {
		t.Errorf("expected 4 requests, got %d", n)
	}
}

func TestStart_NoDocument(t *testing.T) {
	s := newTestSequencer(nil, policy.NewScripted(), config.Simulation{AssistantActionLimit: 1}, Options{})
	if s.Start(context.Background()) {
		t.Fatal("expected Start to refuse without a document")
	}
	if s.Stats().EpisodesStarted != 0 {
		t.Error("refused start must not count an episode")
	}

	s.Bind(document.NewBuffer(""))
	if !s.Start(context.Background()) {
		t.Fatal("expected Start after Bind")
	}
	waitDone(t, s)
}

func TestStart_WhileRunningIsNoOp(t *testing.T) {
	client := policy.NewScripted().Queue(attribution.AuthorHuman, policy.Step{
		Response: policy.TurnResponse{Action: policy.ActionNoOp},
		Delay:    100 * time.Millisecond,
	})
	s := newTestSequencer(document.NewBuffer(""), client, config.Simulation{AssistantActionLimit: 1}, Options{})

	s.Start(context.Background())
	if s.Start(context.Background()) {
		t.Error("expected second Start to be refused")
	}
	s.Stop()
	waitDone(t, s)
	if s.Stats().EpisodesStarted != 1 {
		t.Errorf("expected 1 episode, got %d", s.Stats().EpisodesStarted)
	}
}

func TestFreeRunning_MaxActions(t *testing.T) {
	client := policy.NewScripted()
	s := newTestSequencer(document.NewBuffer(""), client, config.Simulation{
		TurnInterval: 2 * time.Millisecond,
		MaxActions:   5,
	}, Options{})

	s.Start(context.Background())
	waitDone(t, s)

	if got := s.Stats().TotalActions; got != 5 {
		t.Errorf("expected 5 actions, got %d", got)
	}
	for _, r := range client.Requests() {
		if r.Author != attribution.AuthorHuman {
			t.Errorf("free-running schedule issued a %s turn", r.Author)
		}
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %s", s.State())
	}
}

func TestFreeRunning_MaxActionsSpansRestarts(t *testing.T) {
	client := policy.NewScripted()
	s := newTestSequencer(document.NewBuffer(""), client, config.Simulation{
		TurnInterval: 2 * time.Millisecond,
		MaxActions:   3,
	}, Options{})

	s.Start(context.Background())
	waitDone(t, s)
	if !s.Start(context.Background()) {
		t.Fatal("second run did not start")
	}
	waitDone(t, s)

	stats := s.Stats()
	if stats.TotalActions != 3 || stats.EpisodesStarted != 2 {
		t.Errorf("expected the cap to hold across runs, got %+v", stats)
	}
	if got := len(client.Requests()); got != 3 {
		t.Errorf("expected no requests after the cap, got %d", got)
	}
}

func TestFreeRunning_DurationCap(t *testing.T) {
	s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(), config.Simulation{
		TurnInterval: 2 * time.Millisecond,
		DurationCap:  30 * time.Millisecond,
	}, Options{})

	s.Start(context.Background())
	waitDone(t, s)

	stats := s.Stats()
	if stats.TotalDuration < 30*time.Millisecond {
		t.Errorf("expected run to last at least the cap, got %v", stats.TotalDuration)
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %s", s.State())
	}
}

func TestFreeRunning_DropsContendedTurns(t *testing.T) {
	client := policy.NewScripted()
	for i := 0; i < 5; i++ {
		client.Queue(attribution.AuthorHuman, policy.Step{
			Response: policy.TurnResponse{Action: policy.ActionFillPartialLine, Payload: "x"},
			Delay:    40 * time.Millisecond,
		})
	}
	s := newTestSequencer(document.NewBuffer(""), client, config.Simulation{
		TurnInterval: 2 * time.Millisecond,
		MaxActions:   2,
	}, Options{})

	s.Start(context.Background())
	waitDone(t, s)

	if got := client.MaxConcurrent(); got != 1 {
		t.Errorf("expected at most one turn in flight, got %d", got)
	}
	if got := len(client.Requests()); got != 2 {
		t.Errorf("expected dropped ticks to issue no requests, got %d", got)
	}
	if got := s.Stats().TotalActions; got != 2 {
		t.Errorf("expected 2 actions, got %d", got)
	}
}

// #endregion schedule-tests

// #region stop-tests
func TestStop_Idempotent(t *testing.T) {
	notifier := &mockNotifier{ack: true}
	s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(), config.Simulation{
		TurnInterval: time.Hour,
		MaxActions:   1,
	}, Options{Notifier: notifier})

	s.Start(context.Background())
	s.Stop()
	first := s.Stats()
	s.Stop()
	second := s.Stats()
	waitDone(t, s)

	if first != second {
		t.Errorf("second Stop changed stats: %+v vs %+v", first, second)
	}
	if notifier.count() != 1 {
		t.Errorf("expected a single broadcast, got %d", notifier.count())
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %s", s.State())
	}
}

func TestStop_InFlightTurnStillApplied(t *testing.T) {
	client := policy.NewScripted().Queue(attribution.AuthorHuman, policy.Step{
		Response: policy.TurnResponse{Action: policy.ActionFillPartialLine, Payload: "x"},
		Delay:    50 * time.Millisecond,
	})
	doc := document.NewBuffer("")
	s := newTestSequencer(doc, client, config.Simulation{AssistantActionLimit: 3}, Options{})

	s.Start(context.Background())
	waitFor(t, func() bool { return len(client.Requests()) == 1 })
	s.Stop()
	waitDone(t, s)

	if doc.String() != "x" {
		t.Errorf("expected in-flight result applied, got %q", doc.String())
	}
	if len(client.Requests()) != 1 {
		t.Errorf("expected no turn scheduled after stop, got %d requests", len(client.Requests()))
	}
	if s.Stats().TotalActions != 1 {
		t.Errorf("expected 1 action, got %d", s.Stats().TotalActions)
	}
}

func TestStop_HandshakeTimeoutIsNotFatal(t *testing.T) {
	notifier := &mockNotifier{ack: false}
	s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(),
		config.Simulation{AssistantActionLimit: 1}, Options{Notifier: notifier})

	s.Start(context.Background())
	waitDone(t, s)

	if notifier.count() != 1 {
		t.Errorf("expected 1 broadcast, got %d", notifier.count())
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle after unacknowledged stop, got %s", s.State())
	}
}

func TestStop_BroadcasterAcknowledged(t *testing.T) {
	b := lifecycle.NewBroadcaster(lifecycle.WithLogger(quietLogger()))
	sub := b.Subscribe()
	defer sub.Close()
	acked := make(chan string, 1)
	go func() {
		n := <-sub.Notices
		acked <- n.Reason
		n.Ack()
	}()

	s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(), config.Simulation{
		AssistantActionLimit: 1,
		AckTimeout:           time.Second,
	}, Options{Notifier: b})

	start := time.Now()
	s.Start(context.Background())
	waitDone(t, s)

	select {
	case <-acked:
	default:
		t.Fatal("expected the listener to receive the notice")
	}
	if time.Since(start) >= time.Second {
		t.Error("acknowledged stop should not wait for the timeout")
	}
}

func TestStop_CloseOnStop(t *testing.T) {
	cases := []struct {
		name          string
		closeOnStop   bool
		closeErr      error
		wantClosed    int
		wantNavigated int
	}{
		{"disabled", false, nil, 0, 0},
		{"closes host", true, nil, 1, 0},
		{"falls back to navigate", true, errors.New("window locked"), 1, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			host := &mockHost{closeErr: c.closeErr}
			s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(), config.Simulation{
				AssistantActionLimit: 1,
				CloseOnStop:          c.closeOnStop,
			}, Options{Host: host})

			s.Start(context.Background())
			waitDone(t, s)

			if host.closed != c.wantClosed || host.navigated != c.wantNavigated {
				t.Errorf("expected close=%d navigate=%d, got %d/%d",
					c.wantClosed, c.wantNavigated, host.closed, host.navigated)
			}
		})
	}
}

func TestRestart_StatsAccumulate(t *testing.T) {
	s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(),
		config.Simulation{AssistantActionLimit: 1, HumanFollowUpCount: 1}, Options{})

	for i := 0; i < 2; i++ {
		if !s.Start(context.Background()) {
			t.Fatalf("run %d did not start", i)
		}
		waitDone(t, s)
	}

	stats := s.Stats()
	if stats.EpisodesStarted != 2 || stats.TotalActions != 6 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if got := s.Log().NextTurn(); got != 6 {
		t.Errorf("expected turn indices to continue across runs, next is %d", got)
	}
}

// #endregion stop-tests

// #region fault-tests
func TestFaults_HumanFallbackAssistantSkip(t *testing.T) {
	client := policy.NewScripted().
		Queue(attribution.AuthorHuman,
			policy.Step{Err: errors.New("connection refused")},
			policy.Step{Err: policy.ErrNoAction}).
		Queue(attribution.AuthorAssistant,
			policy.Step{Err: policy.ErrMalformedResponse})
	doc := document.NewBuffer("a")
	doc.SetCursor(document.Position{Line: 1, Column: 2})

	var records []TurnRecord
	s := newTestSequencer(doc, client, config.Simulation{AssistantActionLimit: 1, HumanFollowUpCount: 1},
		Options{OnTurn: func(r TurnRecord) { records = append(records, r) }})
	s.Start(context.Background())
	waitDone(t, s)

	if doc.String() != "a\n\n" {
		t.Errorf("expected two fallback newlines, got %q", doc.String())
	}
	spans := s.Log().Spans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans (assistant skipped), got %d", len(spans))
	}
	for i, sp := range spans {
		if sp.Author != attribution.AuthorHuman || sp.TurnIndex != i {
			t.Errorf("span %d: unexpected %+v", i, sp)
		}
	}
	if s.Stats().TotalActions != 2 {
		t.Errorf("expected 2 actions, got %d", s.Stats().TotalActions)
	}
	if len(records) != 2 || records[0].FallbackText != "\n" || records[0].Fault == nil {
		t.Errorf("unexpected turn records %+v", records)
	}
}

func TestUnknownActionTypesPayload(t *testing.T) {
	client := policy.NewScripted().Queue(attribution.AuthorHuman, policy.Step{
		Response: policy.TurnResponse{Action: policy.ActionUnrecognized, RawAction: 9, Payload: "zz"},
	})
	doc := document.NewBuffer("")
	s := newTestSequencer(doc, client, config.Simulation{AssistantActionLimit: 1}, Options{})
	s.Start(context.Background())
	waitDone(t, s)

	if doc.String() != "zz" {
		t.Errorf("expected raw payload typed, got %q", doc.String())
	}
}

// #endregion fault-tests

// #region noise-tests
func TestExploration_ConvergesToProbability(t *testing.T) {
	for _, p := range []float64{0, 0.25, 0.5, 1} {
		s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(), config.Simulation{
			NoiseProbability: p,
			NoiseTopK:        3,
		}, Options{Rand: rand.New(rand.NewPCG(1, 2))})

		const trials = 20000
		noisy := 0
		for i := 0; i < trials; i++ {
			if ov := s.exploration(); ov != nil {
				if ov.TopK != 3 {
					t.Fatalf("expected top-k 3, got %d", ov.TopK)
				}
				noisy++
			}
		}
		if frac := float64(noisy) / trials; math.Abs(frac-p) > 0.02 {
			t.Errorf("p=%v: empirical fraction %v outside tolerance", p, frac)
		}
	}
}

func TestExploration_OnlyAssistantRequests(t *testing.T) {
	client := policy.NewScripted()
	s := newTestSequencer(document.NewBuffer(""), client, config.Simulation{
		AssistantActionLimit: 200,
		HumanFollowUpCount:   1,
		NoiseProbability:     0.5,
		NoiseTopK:            2,
	}, Options{})
	s.Start(context.Background())
	waitDone(t, s)

	noisy, assistant := 0, 0
	for _, r := range client.Requests() {
		if r.Author == attribution.AuthorHuman {
			if r.Exploration != nil {
				t.Fatal("human requests must not carry an exploration override")
			}
			continue
		}
		assistant++
		if r.Exploration != nil {
			noisy++
		}
	}
	if assistant != 200 {
		t.Fatalf("expected 200 assistant requests, got %d", assistant)
	}
	if frac := float64(noisy) / float64(assistant); frac < 0.38 || frac > 0.62 {
		t.Errorf("noise fraction %v far from 0.5", frac)
	}
}

func TestExploration_TemperatureForwardedWithoutNoise(t *testing.T) {
	s := newTestSequencer(document.NewBuffer(""), policy.NewScripted(), config.Simulation{
		NoiseProbability: 0,
		Temperature:      0.7,
		Epsilon:          0.1,
	}, Options{})

	ov := s.exploration()
	if ov == nil {
		t.Fatal("expected override carrying temperature and epsilon")
	}
	if ov.TopK != 0 || ov.Temperature != 0.7 || ov.Epsilon != 0.1 {
		t.Errorf("unexpected override %+v", ov)
	}
}

// #endregion noise-tests

// #region scenario-tests
func TestScenario_EditExistingLines(t *testing.T) {
	client := policy.NewScripted().Queue(attribution.AuthorHuman, policy.Step{
		Response: policy.TurnResponse{Action: policy.ActionEditExistingLines, TargetLine: 2, Payload: "return 1"},
	})
	doc := document.NewBuffer("def f():\n    pass\n")
	doc.SetCursor(document.Position{Line: 2, Column: 9})

	var changes [][]attribution.Span
	s := newTestSequencer(doc, client, config.Simulation{AssistantActionLimit: 1, HumanFollowUpCount: 1},
		Options{OnChange: func(sp []attribution.Span) { changes = append(changes, sp) }})
	s.Start(context.Background())
	waitDone(t, s)

	if doc.String() != "def f():\n    return 1\n" {
		t.Errorf("unexpected document %q", doc.String())
	}
	if c := doc.Cursor(); c != document.End(doc) {
		t.Errorf("expected cursor at end, got %+v", c)
	}
	first := s.Log().Spans()[0]
	want := attribution.Span{Author: attribution.AuthorHuman, Start: 13, End: 21, TurnIndex: 0}
	if first != want {
		t.Errorf("expected span %+v, got %+v", want, first)
	}
	if len(changes) != 3 || len(changes[2]) != 3 {
		t.Errorf("expected the span list handed out after every turn, got %d calls", len(changes))
	}

	req := client.Requests()[0]
	if req.CursorOffset != 17 || req.FileLength != 18 || req.TurnIndex != 0 {
		t.Errorf("unexpected request context %+v", req)
	}
}

func TestResume_ContinuesTurnIndex(t *testing.T) {
	log := attribution.NewLog()
	log.ResumeFrom([]attribution.Span{
		{Author: attribution.AuthorHuman, Start: 0, End: 3, TurnIndex: 4},
	}, 4)
	client := policy.NewScripted()
	s := newTestSequencer(document.NewBuffer("abc"), client,
		config.Simulation{AssistantActionLimit: 1, HumanFollowUpCount: 1}, Options{Log: log})
	s.Start(context.Background())
	waitDone(t, s)

	reqs := client.Requests()
	if reqs[0].TurnIndex != 5 {
		t.Errorf("expected first resumed turn 5, got %d", reqs[0].TurnIndex)
	}
	if len(reqs[0].Attribution) != 1 {
		t.Errorf("expected prior spans in the request, got %d", len(reqs[0].Attribution))
	}
}

// #endregion scenario-tests

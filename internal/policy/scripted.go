package policy

import (
	"context"
	"sync"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
)

// #region scripted

// Step is one scripted policy answer.
type Step struct {
	Response TurnResponse
	Err      error
	Delay    time.Duration
}

// Scripted is an in-memory Client that replays queued steps per actor and
// records every request it receives. An exhausted queue answers NO_OP.
type Scripted struct {
	mu        sync.Mutex
	queues    map[attribution.Author][]Step
	requests  []TurnRequest
	inFlight  int
	maxFlight int
}

// NewScripted returns an empty scripted policy.
func NewScripted() *Scripted {
	return &Scripted{queues: map[attribution.Author][]Step{}}
}

// Queue appends steps for author.
func (s *Scripted) Queue(author attribution.Author, steps ...Step) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[author] = append(s.queues[author], steps...)
	return s
}

// RequestHumanTurn answers with the next human step.
func (s *Scripted) RequestHumanTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	return s.next(ctx, attribution.AuthorHuman, req)
}

// RequestAssistantTurn answers with the next assistant step.
func (s *Scripted) RequestAssistantTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	return s.next(ctx, attribution.AuthorAssistant, req)
}

// Requests returns every request received so far, in order.
func (s *Scripted) Requests() []TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TurnRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// MaxConcurrent reports the highest number of calls that were in flight at once.
func (s *Scripted) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFlight
}

func (s *Scripted) next(ctx context.Context, author attribution.Author, req TurnRequest) (TurnResponse, error) {
	s.mu.Lock()
	req.Author = author
	s.requests = append(s.requests, req)
	step := Step{Response: TurnResponse{Action: ActionNoOp}}
	if q := s.queues[author]; len(q) > 0 {
		step = q[0]
		s.queues[author] = q[1:]
	}
	s.inFlight++
	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return TurnResponse{}, ctx.Err()
		}
	}
	return step.Response, step.Err
}

// #endregion scripted

package main

import (
	"context"
	"testing"

	"github.com/danielpatrickdp/pair-sim/internal/policy"
)

func TestRandomPolicy_RoleActions(t *testing.T) {
	p := newRandomPolicy(7)
	req := policy.TurnRequest{Document: "a\nb\nc"}
	for i := 0; i < 200; i++ {
		h, err := p.RequestHumanTurn(context.Background(), req)
		if err != nil {
			t.Fatalf("human: %v", err)
		}
		if h.Action < policy.ActionFillPartialLine || h.Action > policy.ActionEditExistingLines {
			t.Fatalf("unexpected human action %v", h.Action)
		}
		a, err := p.RequestAssistantTurn(context.Background(), req)
		if err != nil {
			t.Fatalf("assistant: %v", err)
		}
		switch a.Action {
		case policy.ActionNoOp, policy.ActionExplainSingleLine, policy.ActionExplainMultiLine:
		default:
			t.Fatalf("unexpected assistant action %v", a.Action)
		}
		for _, r := range []policy.TurnResponse{h, a} {
			if r.TargetLine < 1 || r.TargetLine > 3 || r.RawAction != int(r.Action) {
				t.Fatalf("unexpected response %+v", r)
			}
		}
	}
}

func TestRandomPolicy_Seeded(t *testing.T) {
	a, b := newRandomPolicy(42), newRandomPolicy(42)
	req := policy.TurnRequest{Document: "x"}
	for i := 0; i < 20; i++ {
		ra, _ := a.RequestHumanTurn(context.Background(), req)
		rb, _ := b.RequestHumanTurn(context.Background(), req)
		if ra != rb {
			t.Fatalf("draw %d differs: %+v vs %+v", i, ra, rb)
		}
	}
}

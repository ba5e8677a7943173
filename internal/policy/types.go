package policy

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/document"
)

// #region action-kind

// ActionKind is the structured edit operation chosen by the policy.
type ActionKind int

const (
	ActionNoOp ActionKind = iota
	ActionFillPartialLine
	ActionReplaceAndAppendSingleLine
	ActionReplaceAndAppendMultiLine
	ActionEditExistingLines
	ActionExplainSingleLine
	ActionExplainMultiLine

	// ActionUnrecognized marks an index outside the known seven.
	ActionUnrecognized ActionKind = -1
)

var actionNames = map[ActionKind]string{
	ActionNoOp:                       "NO_OP",
	ActionFillPartialLine:            "FILL_PARTIAL_LINE",
	ActionReplaceAndAppendSingleLine: "REPLACE_AND_APPEND_SINGLE_LINE",
	ActionReplaceAndAppendMultiLine:  "REPLACE_AND_APPEND_MULTI_LINE",
	ActionEditExistingLines:          "EDIT_EXISTING_LINES",
	ActionExplainSingleLine:          "EXPLAIN_SINGLE_LINE",
	ActionExplainMultiLine:           "EXPLAIN_MULTI_LINE",
}

// ParseActionKind maps a wire action index to its kind.
func ParseActionKind(index int) ActionKind {
	if index < int(ActionNoOp) || index > int(ActionExplainMultiLine) {
		return ActionUnrecognized
	}
	return ActionKind(index)
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return "UNRECOGNIZED"
}

// #endregion action-kind

// #region request-response

// ExplorationOverride asks the policy to sample instead of acting greedily.
// TopK is zero when no noise was injected for the turn.
type ExplorationOverride struct {
	TopK        int
	Temperature float64
	Epsilon     float64
}

// TurnRequest is the context sent to the policy for one turn.
type TurnRequest struct {
	Document     string
	Author       attribution.Author
	TurnIndex    int
	Timestamp    time.Time
	Cursor       document.Position
	CursorOffset int
	FileLength   int
	Attribution  []attribution.Span
	Exploration  *ExplorationOverride
}

// TurnResponse is a well-formed policy decision. RawAction keeps the wire
// index so unrecognized actions can still be reported.
type TurnResponse struct {
	Action     ActionKind
	RawAction  int
	TargetLine int
	Payload    string
}

// #endregion request-response

// #region client

// Client requests one turn decision per actor role. Both calls block until
// the policy answers or ctx ends.
type Client interface {
	RequestHumanTurn(ctx context.Context, req TurnRequest) (TurnResponse, error)
	RequestAssistantTurn(ctx context.Context, req TurnRequest) (TurnResponse, error)
}

// Request dispatches req to the entry point for req.Author.
func Request(ctx context.Context, c Client, req TurnRequest) (TurnResponse, error) {
	if req.Author == attribution.AuthorAssistant {
		return c.RequestAssistantTurn(ctx, req)
	}
	return c.RequestHumanTurn(ctx, req)
}

var (
	// ErrNoAction means the policy answered without metadata.action.
	ErrNoAction = errors.New("policy: response carries no action")
	// ErrMalformedResponse means the response could not be decoded.
	ErrMalformedResponse = errors.New("policy: malformed response")
)

// #endregion client

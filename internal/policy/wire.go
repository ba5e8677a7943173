package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/pair-sim/internal/attribution"
	"github.com/danielpatrickdp/pair-sim/internal/document"
)

// #region wire-types

type wireRequest struct {
	Text           string             `json:"text"`
	Author         attribution.Author `json:"author"`
	Timestep       int                `json:"timestep"`
	Timestamp      int64              `json:"timestamp"`
	CursorPosition document.Position  `json:"cursor_position"`
	CursorOffset   int                `json:"cursor_offset"`
	FileLength     int                `json:"file_length"`
	AttributionLog []attribution.Span `json:"attribution_log"`
	NoiseTopK      *int               `json:"noise_top_k,omitempty"`
	Temperature    *float64           `json:"temperature,omitempty"`
	Epsilon        *float64           `json:"epsilon,omitempty"`
}

type wireResponse struct {
	Response string        `json:"response"`
	Metadata *wireMetadata `json:"metadata,omitempty"`
}

type wireMetadata struct {
	Action json.RawMessage `json:"action,omitempty"`
}

// #endregion wire-types

// #region encode

func encodeRequest(req TurnRequest) wireRequest {
	w := wireRequest{
		Text:           req.Document,
		Author:         req.Author,
		Timestep:       req.TurnIndex,
		Timestamp:      req.Timestamp.UnixMilli(),
		CursorPosition: req.Cursor,
		CursorOffset:   req.CursorOffset,
		FileLength:     req.FileLength,
		AttributionLog: req.Attribution,
	}
	if w.AttributionLog == nil {
		w.AttributionLog = []attribution.Span{}
	}
	if x := req.Exploration; x != nil {
		if x.TopK > 0 {
			k := x.TopK
			w.NoiseTopK = &k
		}
		if x.Temperature > 0 {
			t := x.Temperature
			w.Temperature = &t
		}
		if x.Epsilon > 0 {
			e := x.Epsilon
			w.Epsilon = &e
		}
	}
	return w
}

func decodeRequest(w wireRequest) TurnRequest {
	req := TurnRequest{
		Document:     w.Text,
		Author:       w.Author,
		TurnIndex:    w.Timestep,
		Timestamp:    time.UnixMilli(w.Timestamp).UTC(),
		Cursor:       w.CursorPosition,
		CursorOffset: w.CursorOffset,
		FileLength:   w.FileLength,
		Attribution:  w.AttributionLog,
	}
	if w.NoiseTopK != nil || w.Temperature != nil || w.Epsilon != nil {
		x := &ExplorationOverride{}
		if w.NoiseTopK != nil {
			x.TopK = *w.NoiseTopK
		}
		if w.Temperature != nil {
			x.Temperature = *w.Temperature
		}
		if w.Epsilon != nil {
			x.Epsilon = *w.Epsilon
		}
		req.Exploration = x
	}
	return req
}

func encodeResponse(resp TurnResponse) wireResponse {
	index := resp.RawAction
	if resp.Action != ActionUnrecognized {
		index = int(resp.Action)
	}
	action, _ := json.Marshal([]int{index, resp.TargetLine})
	return wireResponse{
		Response: resp.Payload,
		Metadata: &wireMetadata{Action: action},
	}
}

// #endregion encode

// #region decode

// decodeResponse parses a response body. A missing action is ErrNoAction; an
// action that is not two integers is ErrMalformedResponse.
func decodeResponse(data []byte) (TurnResponse, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return TurnResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if w.Metadata == nil || len(w.Metadata.Action) == 0 || string(w.Metadata.Action) == "null" {
		return TurnResponse{}, ErrNoAction
	}

	var pair []float64
	if err := json.Unmarshal(w.Metadata.Action, &pair); err != nil {
		return TurnResponse{}, fmt.Errorf("%w: action: %v", ErrMalformedResponse, err)
	}
	if len(pair) != 2 {
		return TurnResponse{}, fmt.Errorf("%w: action has %d elements", ErrMalformedResponse, len(pair))
	}
	for _, v := range pair {
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return TurnResponse{}, fmt.Errorf("%w: action %v is not integral", ErrMalformedResponse, pair)
		}
	}

	raw := int(pair[0])
	return TurnResponse{
		Action:     ParseActionKind(raw),
		RawAction:  raw,
		TargetLine: int(pair[1]),
		Payload:    w.Response,
	}, nil
}

// #endregion decode

package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// #region http-client

const maxResponseBytes = 1 << 20

const (
	humanPath     = "/human-action"
	assistantPath = "/assistant-action"
)

// HTTPClient talks to the policy service over HTTP with JSON bodies.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for baseURL. A nil hc uses a client without
// a timeout; a hung policy call stalls the turn until ctx ends.
func NewHTTPClient(baseURL string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

// RequestHumanTurn asks the human policy for its next action.
func (c *HTTPClient) RequestHumanTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	return c.post(ctx, humanPath, req)
}

// RequestAssistantTurn asks the assistant policy for its next action.
func (c *HTTPClient) RequestAssistantTurn(ctx context.Context, req TurnRequest) (TurnResponse, error) {
	return c.post(ctx, assistantPath, req)
}

func (c *HTTPClient) post(ctx context.Context, path string, req TurnRequest) (TurnResponse, error) {
	body, err := json.Marshal(encodeRequest(req))
	if err != nil {
		return TurnResponse{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return TurnResponse{}, fmt.Errorf("build request %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return TurnResponse{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return TurnResponse{}, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TurnResponse{}, fmt.Errorf("post %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return decodeResponse(data)
}

// #endregion http-client

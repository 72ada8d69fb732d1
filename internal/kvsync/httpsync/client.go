// Package httpsync is the HTTP fallback path to the sync server, used while
// the realtime channel is not open.
package httpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// ErrNoEndpoint is returned when no candidate endpoint answered.
var ErrNoEndpoint = errors.New("no sync endpoint reachable")

// APIError represents a non-2xx response from the sync endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sync endpoint error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("sync endpoint error (%d)", e.Status)
}

// Client talks to the HTTP sync endpoint. Candidates are tried in order,
// starting from the last one that answered, so a reverse proxy that only
// serves one of the paths is found once and then reused.
type Client struct {
	candidates []string
	httpClient *http.Client

	mu        sync.Mutex
	preferred int
}

// NewClient constructs a client for the candidate endpoint URLs.
func NewClient(candidates []string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		candidates: append([]string(nil), candidates...),
		httpClient: httpClient,
	}
}

// Candidates returns the endpoint URLs in try order.
func (c *Client) Candidates() []string {
	return append([]string(nil), c.candidates...)
}

// Fetch returns the authoritative state including its snapshot.
func (c *Client) Fetch(ctx context.Context) (protocol.ServerState, error) {
	var state protocol.ServerState
	if err := c.do(ctx, http.MethodGet, nil, &state); err != nil {
		return protocol.ServerState{}, fmt.Errorf("failed to fetch server state: %w", err)
	}
	if state.Snapshot == nil {
		state.Snapshot = map[string]string{}
	}
	return state, nil
}

// Push submits the full local snapshot as version req.Version.
func (c *Client) Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error) {
	if req.Snapshot == nil {
		req.Snapshot = map[string]string{}
	}
	var resp protocol.PushResponse
	if err := c.do(ctx, http.MethodPost, req, &resp); err != nil {
		return protocol.PushResponse{}, fmt.Errorf("failed to push snapshot: %w", err)
	}
	return resp, nil
}

// do tries every candidate, moving on after transport errors and 404s.
func (c *Client) do(ctx context.Context, method string, reqBody, respBody any) error {
	if len(c.candidates) == 0 {
		return ErrNoEndpoint
	}

	var body []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return err
		}
		body = data
	}

	c.mu.Lock()
	start := c.preferred
	c.mu.Unlock()

	var lastErr error
	for i := range c.candidates {
		idx := (start + i) % len(c.candidates)
		err := c.doJSON(ctx, method, c.candidates[idx], body, respBody)
		if err == nil {
			c.mu.Lock()
			c.preferred = idx
			c.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status != http.StatusNotFound {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrNoEndpoint, lastErr)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, reqBody []byte, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respData, &payload); err == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(respData))
		}
		return apiErr
	}

	if respBody == nil || len(respData) == 0 {
		return nil
	}
	return json.Unmarshal(respData, respBody)
}

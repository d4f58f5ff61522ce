package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatsync/internal/chat"
)

// Query 一次存活检查中的单个进程
// Query is one process in a liveness check
type Query struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}

// Result is the liveness of one queried process.
type Result struct {
	PID            int     `json:"pid"`
	Running        bool    `json:"running"`
	ActualCommand  *string `json:"actualCommand,omitempty"`
	CommandMatches *bool   `json:"commandMatches,omitempty"`
}

type CheckRequest struct {
	Processes []Query `json:"processes"`
}

type CheckResponse struct {
	Results []Result `json:"results"`
}

type KillRequest struct {
	PID int `json:"pid"`
}

type KillResponse struct {
	Success bool `json:"success"`
}

// HTTPChecker talks to the process endpoints of the chatsync server.
type HTTPChecker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChecker targets serverURL; a nil client gets a 10s timeout client.
// Per-call deadlines come from the context.
func NewHTTPChecker(serverURL string, client *http.Client) *HTTPChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPChecker{
		baseURL: strings.TrimRight(strings.TrimSpace(serverURL), "/"),
		client:  client,
	}
}

func (c *HTTPChecker) Check(ctx context.Context, queries []Query) ([]Result, error) {
	var resp CheckResponse
	if err := c.post(ctx, "/api/processes/check", CheckRequest{Processes: queries}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *HTTPChecker) Kill(ctx context.Context, pid int) (bool, error) {
	var resp KillResponse
	if err := c.post(ctx, "/api/processes/kill", KillRequest{PID: pid}, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *HTTPChecker) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", chat.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", chat.ErrNetwork, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", chat.ErrNetwork, path, err)
	}
	return nil
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client talks to an apitrail daemon over its HTTP command channel.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8087/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new apitrail API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8087/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  config.Logger,
	}
}

// Start begins a new recording session.
func (c *Client) Start(ctx context.Context, name, sourceURL, operationID string) (*StateSnapshot, error) {
	return c.command(ctx, "/record/start", commandRequest{Name: name, SourceURL: sourceURL, OperationID: operationID})
}

// Pause suspends the active recording.
func (c *Client) Pause(ctx context.Context, operationID string) (*StateSnapshot, error) {
	return c.command(ctx, "/record/pause", commandRequest{OperationID: operationID})
}

// Resume continues a paused recording, or reopens the named stopped
// session when sessionID is non-empty.
func (c *Client) Resume(ctx context.Context, sessionID, operationID string) (*StateSnapshot, error) {
	return c.command(ctx, "/record/resume", commandRequest{SessionID: sessionID, OperationID: operationID})
}

// Stop closes the active session.
func (c *Client) Stop(ctx context.Context, operationID string) (*StateSnapshot, error) {
	return c.command(ctx, "/record/stop", commandRequest{OperationID: operationID})
}

// Export packages a session server-side and hands it to the configured
// artifact sink. Empty sessionID exports the last closed session.
func (c *Client) Export(ctx context.Context, sessionID, operationID string) (*StateSnapshot, error) {
	return c.command(ctx, "/record/export", commandRequest{SessionID: sessionID, OperationID: operationID})
}

// ClearError acknowledges a failure and resets the recorder to idle.
func (c *Client) ClearError(ctx context.Context, operationID string) (*StateSnapshot, error) {
	return c.command(ctx, "/record/clear-error", commandRequest{OperationID: operationID})
}

// State reads the current lifecycle snapshot.
func (c *Client) State(ctx context.Context) (*StateSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/record/state", nil)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := c.do(req, &env); err != nil {
		return nil, err
	}
	return env.State, nil
}

// Sessions lists sessions, most recently updated first.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return nil, err
	}
	var out []Session
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession removes a session and all of its calls.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/sessions/"+id, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// ExportDownload streams a session's NDJSON artifact to w.
func (c *Client) ExportDownload(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+id+"/export", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Ingest delivers a raw transaction to the daemon's admission gate and
// reports whether it was accepted.
func (c *Client) Ingest(ctx context.Context, raw RawTransaction) (bool, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/capture", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := c.do(req, &out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// ClearAll deletes every session and call.
func (c *Client) ClearAll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/sessions", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// --- internals ---

func (c *Client) command(ctx context.Context, path string, body commandRequest) (*StateSnapshot, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var env envelope
	if err := c.do(req, &env); err != nil {
		return nil, err
	}
	return env.State, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error != "" {
		return fmt.Errorf("daemon: %s", env.Error)
	}
	return fmt.Errorf("daemon: unexpected status %d", resp.StatusCode)
}

// ABOUTME: HTTP client for the control API, used by the CLI subcommands
// ABOUTME: Decodes the response envelope and parses the SSE event stream

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-bridge/internal/bridge"
	"github.com/2389/coven-bridge/internal/provider"
)

// Client talks to a running control API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for baseURL. token may be empty when the server
// runs without authentication.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{},
	}
}

// APIError is a failure envelope returned by the server.
type APIError struct {
	Status  int
	Kind    bridge.Kind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends the request and decodes the envelope result into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
		Error   *errorBody      `json:"error"`
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if !env.Success {
		apiErr := &APIError{Status: resp.StatusCode, Kind: bridge.KindTransportError, Message: "request failed"}
		if env.Error != nil {
			apiErr.Kind, apiErr.Message = env.Error.Kind, env.Error.Message
		}
		return apiErr
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

// getRaw decodes a body that is not wrapped in the envelope.
func (c *Client) getRaw(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (%d): %w", resp.StatusCode, err)
	}
	return nil
}

// Status returns the supervisor snapshot.
func (c *Client) Status(ctx context.Context) (bridge.Info, error) {
	var info bridge.Info
	err := c.do(ctx, http.MethodGet, "/api/gateway/status", nil, &info)
	return info, err
}

// Health pings the gateway through the bridge.
func (c *Client) Health(ctx context.Context) (bridge.HealthResult, error) {
	var res bridge.HealthResult
	err := c.getRaw(ctx, "/api/gateway/health", &res)
	return res, err
}

// Start, Stop and Restart drive the gateway lifecycle.
func (c *Client) Start(ctx context.Context) (bridge.Info, error) {
	return c.lifecycle(ctx, "start")
}

func (c *Client) Stop(ctx context.Context) (bridge.Info, error) {
	return c.lifecycle(ctx, "stop")
}

func (c *Client) Restart(ctx context.Context) (bridge.Info, error) {
	return c.lifecycle(ctx, "restart")
}

func (c *Client) lifecycle(ctx context.Context, op string) (bridge.Info, error) {
	var info bridge.Info
	err := c.do(ctx, http.MethodPost, "/api/gateway/"+op, nil, &info)
	return info, err
}

// RPCResult mirrors bridge.Result on the client side.
type RPCResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *errorBody      `json:"error,omitempty"`
}

// RPC issues a gateway call. A zero timeout uses the server default.
func (c *Client) RPC(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (RPCResult, error) {
	var res RPCResult
	req, err := c.newRequest(ctx, http.MethodPost, "/api/gateway/rpc", RPCRequest{
		Method:    method,
		Params:    params,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return res, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decoding response (%d): %w", resp.StatusCode, err)
	}
	return res, nil
}

// Providers lists providers with key flags.
func (c *Client) Providers(ctx context.Context) (ProviderList, error) {
	var list ProviderList
	err := c.do(ctx, http.MethodGet, "/api/providers", nil, &list)
	return list, err
}

// SaveProvider upserts a provider.
func (c *Client) SaveProvider(ctx context.Context, id string, req SaveProviderRequest) (provider.KeyInfo, error) {
	var info provider.KeyInfo
	err := c.do(ctx, http.MethodPut, "/api/providers/"+url.PathEscape(id), req, &info)
	return info, err
}

// DeleteProvider removes a provider and its key.
func (c *Client) DeleteProvider(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/providers/"+url.PathEscape(id), nil, nil)
}

// SetDefault points the default at id.
func (c *Client) SetDefault(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/api/providers/default", DefaultRequest{ID: id}, nil)
}

// ClearDefault unsets the default provider.
func (c *Client) ClearDefault(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/providers/default", nil, nil)
}

// SetAPIKey stores key for id.
func (c *Client) SetAPIKey(ctx context.Context, id, key string) error {
	return c.do(ctx, http.MethodPut, "/api/providers/"+url.PathEscape(id)+"/key", KeyRequest{APIKey: key}, nil)
}

// DeleteAPIKey removes the key for id.
func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/providers/"+url.PathEscape(id)+"/key", nil, nil)
}

// ValidateKey runs the format check for id.
func (c *Client) ValidateKey(ctx context.Context, id, key string) (provider.Validation, error) {
	var v provider.Validation
	err := c.do(ctx, http.MethodPost, "/api/providers/"+url.PathEscape(id)+"/validate", KeyRequest{APIKey: key}, &v)
	return v, err
}

// StreamEvent is one parsed SSE event.
type StreamEvent struct {
	Name string
	Data json.RawMessage
}

// Events streams gateway events until ctx is cancelled or the server closes
// the stream. kinds filters by observer kind; empty means all.
func (c *Client) Events(ctx context.Context, kinds []string, onEvent func(StreamEvent)) error {
	path := "/api/gateway/events"
	if len(kinds) > 0 {
		path += "?kind=" + url.QueryEscape(strings.Join(kinds, ","))
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return parseSSEStream(ctx, resp.Body, onEvent)
}

// parseSSEStream reads SSE events from body.
func parseSSEStream(ctx context.Context, body io.Reader, onEvent func(StreamEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var name string
	var dataLines []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()

		if line == "" {
			if name != "" && len(dataLines) > 0 {
				onEvent(StreamEvent{Name: name, Data: json.RawMessage(strings.Join(dataLines, "\n"))})
			}
			name, dataLines = "", nil
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}

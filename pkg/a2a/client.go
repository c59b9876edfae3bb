package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrAgentUnavailable means the agent endpoint could not be reached or
// answered outside the protocol. Transport-level and retryable, as
// opposed to an *Error the agent deliberately returned.
var ErrAgentUnavailable = errors.New("agent unavailable")

// ClientConfig points the client at one agent's JSON-RPC endpoint.
type ClientConfig struct {
	Endpoint string
	// HTTPClient defaults to a client with a 30s timeout for unary
	// calls. Streams always run on a timeout-free twin of it and rely
	// on the caller's context for their lifetime.
	HTTPClient *http.Client
}

// Client speaks the agent message protocol to a single peer. The
// bearer token is a per-call argument: each dispatched task attaches
// the token its exchange produced, and one peer may be called under
// many different delegations concurrently.
type Client struct {
	endpoint  string
	unary     *http.Client
	streaming *http.Client
}

// NewClient validates the config and builds the client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("agent endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("agent endpoint: %w", err)
	}
	unary := cfg.HTTPClient
	if unary == nil {
		unary = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		unary:     unary,
		streaming: &http.Client{Transport: unary.Transport},
	}, nil
}

// Send delivers a message with message/send and returns the agent's
// reply, either a direct message or a task snapshot.
func (c *Client) Send(ctx context.Context, token string, msg Message) (*SendResult, error) {
	raw, err := c.call(ctx, token, MethodMessageSend, sendParams{Message: msg})
	if err != nil {
		return nil, err
	}
	var result SendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode send result: %w", err)
	}
	return &result, nil
}

// Task fetches the current remote snapshot of a task with tasks/get.
func (c *Client) Task(ctx context.Context, token, taskID string) (*Task, error) {
	raw, err := c.call(ctx, token, MethodTasksGet, taskParams{ID: taskID})
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Cancel requests cancellation of a remote task with tasks/cancel.
func (c *Client) Cancel(ctx context.Context, token, taskID string) error {
	_, err := c.call(ctx, token, MethodTasksCancel, taskParams{ID: taskID})
	return err
}

// Stream delivers a message with message/stream and returns the event
// sequence the agent produces over SSE. The channel closes after the
// final event, after an Err event, or when ctx ends; cancel the
// context to abandon the stream.
func (c *Client) Stream(ctx context.Context, token string, msg Message) (<-chan StreamEvent, error) {
	body, err := encodeRequest(MethodMessageStream, sendParams{Message: msg})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	c.setHeaders(httpReq, token)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streaming.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	events := make(chan StreamEvent, 8)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// readStream consumes SSE data lines until the final event, an error,
// or context end. It owns closing both the body and the channel.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var envelope Response
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			emit(StreamEvent{Err: fmt.Errorf("decode stream envelope: %w", err)})
			return
		}
		if envelope.Error != nil {
			emit(StreamEvent{Err: envelope.Error})
			return
		}

		ev, err := decodeStreamResult(envelope.Result)
		if err != nil {
			emit(StreamEvent{Err: fmt.Errorf("decode stream event: %w", err)})
			return
		}
		if !emit(ev) {
			return
		}
		if ev.Status != nil && ev.Status.Final {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(StreamEvent{Err: fmt.Errorf("%w: read stream: %w", ErrAgentUnavailable, err)})
	}
}

func (c *Client) call(ctx context.Context, token, method string, params any) (json.RawMessage, error) {
	body, err := encodeRequest(method, params)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	c.setHeaders(httpReq, token)

	resp, err := c.unary.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrAgentUnavailable, err)
	}
	var envelope Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func encodeRequest(method string, params any) ([]byte, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return json.Marshal(Request{
		JSONRPC: Version,
		ID:      uuid.New().String(),
		Method:  method,
		Params:  rawParams,
	})
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	trimmed := strings.TrimSpace(string(body))
	if trimmed != "" {
		return fmt.Errorf("%w: http %d: %s", ErrAgentUnavailable, resp.StatusCode, trimmed)
	}
	return fmt.Errorf("%w: http %d", ErrAgentUnavailable, resp.StatusCode)
}

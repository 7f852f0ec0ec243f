// Package thread binds conversations to their durable backend identity: a
// REST client for the threads endpoints, and a Binding that defers run
// submission until a thread id exists.
package thread

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomchat/loom/pkg/auth"
	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
)

var (
	// ErrTimeout marks a request that hit the client's own deadline, as
	// opposed to caller cancellation; retry policy treats the two
	// differently.
	ErrTimeout = errors.New("thread: request timed out")
	// ErrNotFound is returned for a 404 on a thread id.
	ErrNotFound = errors.New("thread: not found")
)

// Thread is one durable conversation.
type Thread struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// wireMessage is the persisted-history message shape.
type wireMessage struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Args   string `json:"args"`
	Result string `json:"result,omitempty"`
}

type threadWithMessages struct {
	Thread
	Messages []wireMessage `json:"messages"`
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRetries     = 3
)

// Client talks to the threads persistence endpoints. All requests carry
// bearer auth via the injected HTTP client (see auth.Transport).
type Client struct {
	baseURL string
	http    *http.Client

	// RequestTimeout bounds each attempt independently of the caller's
	// context. Zero means defaultRequestTimeout.
	RequestTimeout time.Duration
	// MaxRetries bounds backoff retries on idempotent reads.
	MaxRetries uint64
}

// NewClient creates a Client against the given API root. A nil client falls
// back to http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:        baseURL,
		http:           httpClient,
		RequestTimeout: defaultRequestTimeout,
		MaxRetries:     defaultMaxRetries,
	}
}

// Create creates a thread. Not retried: creation is not idempotent.
func (c *Client) Create(ctx context.Context, name string) (Thread, error) {
	var created Thread

	payload := struct {
		Name string `json:"name,omitempty"`
	}{Name: name}

	if err := c.do(ctx, http.MethodPost, "/threads", payload, &created); err != nil {
		return Thread{}, err
	}
	return created, nil
}

// Get fetches one thread's metadata.
func (c *Client) Get(ctx context.Context, id string) (Thread, error) {
	var t threadWithMessages
	if err := c.doRetry(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), nil, &t); err != nil {
		return Thread{}, err
	}
	return t.Thread, nil
}

// History fetches a thread's persisted messages.
func (c *Client) History(ctx context.Context, id string) ([]message.Message, error) {
	var t threadWithMessages
	if err := c.doRetry(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}

	msgs := make([]message.Message, 0, len(t.Messages))
	for _, wm := range t.Messages {
		msgs = append(msgs, wm.toMessage())
	}
	return msgs, nil
}

// List returns a page of threads.
func (c *Client) List(ctx context.Context, limit, offset int) ([]Thread, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	path := "/threads"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var threads []Thread
	if err := c.doRetry(ctx, http.MethodGet, path, nil, &threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// Delete removes a thread.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/threads/"+url.PathEscape(id), nil, nil)
}

// Rename updates a thread's name.
func (c *Client) Rename(ctx context.Context, id, name string) error {
	payload := struct {
		Name string `json:"name"`
	}{Name: name}

	return c.do(ctx, http.MethodPatch, "/threads/"+url.PathEscape(id), payload, nil)
}

// doRetry wraps do with bounded exponential backoff. Only used for
// idempotent reads; auth denials and 4xx responses are permanent.
func (c *Client) doRetry(ctx context.Context, method, path string, payload, dest any) error {
	op := func() error {
		err := c.do(ctx, method, path, payload, dest)
		if err == nil {
			return nil
		}
		if errors.Is(err, auth.ErrRefreshDenied) || errors.Is(err, auth.ErrNoSession) ||
			errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries), ctx)
	return backoff.Retry(op, bo)
}

// statusError carries a non-2xx response for retry classification.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("thread: unexpected status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, payload, dest any) error {
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("thread: marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("thread: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The client deadline and caller cancellation must stay
		// distinguishable for retry policy.
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("thread: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("thread: decode response: %w", err)
	}
	return nil
}

func (wm wireMessage) toMessage() message.Message {
	m := message.New(wm.ID, kind.FromRole(wm.Role))
	m.ToolCallID = wm.ToolCallID

	if wm.Content != "" {
		m.Parts = append(m.Parts, content.Text{Text: wm.Content})
	}
	for _, tc := range wm.ToolCalls {
		part := content.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args, Done: true}
		if tc.Result != "" {
			part.Result = tc.Result
			part.HasResult = true
		}
		m.Parts = append(m.Parts, part)
	}

	return m
}

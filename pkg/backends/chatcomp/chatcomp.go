// Package chatcomp implements the generic chat-completions protocol variant.
// The wire sends incremental deltas, unlike the other variants; the stream
// reader accumulates them into cumulative buffers so the canonical mutations
// keep the cumulative-text contract the reconciler expects. The protocol is
// stateless server-side: the full transcript is sent on every run, there are
// no server thread ids, and regenerate is unavailable.
package chatcomp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loomchat/loom/pkg/backends"
	"github.com/loomchat/loom/pkg/backends/sse"
	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
)

const completionsPath = "/v1/chat/completions"

func init() {
	backends.Register("chatcomp", func(cfg backends.Config) (backends.Backend, error) {
		if cfg.BaseURL == "" {
			return nil, errors.New("chatcomp: base URL is required")
		}
		return New(cfg.BaseURL, cfg.Assistant, cfg.Client), nil
	})
}

var _ backends.Backend = (*Backend)(nil)

// Backend is the chat-completions protocol variant.
type Backend struct {
	baseURL string
	model   string
	client  *http.Client
}

// New creates a Backend against the given API root.
func New(baseURL, model string, client *http.Client) *Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &Backend{baseURL: baseURL, model: model, client: client}
}

func (b *Backend) Name() string             { return "chatcomp" }
func (b *Backend) SupportsRegenerate() bool { return false }

// --- request types ---

type apiRequest struct {
	Model    string       `json:"model"`
	Messages []apiMessage `json:"messages"`
	Stream   bool         `json:"stream"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiToolCall struct {
	ID       string      `json:"id"`
	Type     string      `json:"type"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- streamed chunk types ---

type chunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkDelta struct {
	Content   string           `json:"content"`
	ToolCalls []chunkToolDelta `json:"tool_calls"`
}

type chunkToolDelta struct {
	Index    int         `json:"index"`
	ID       string      `json:"id"`
	Function apiFunction `json:"function"`
}

// --- normalized events (reader output, cumulative payloads) ---

type startPayload struct {
	ID string `json:"id"`
}

type textPayload struct {
	ID     string `json:"id"`
	Buffer string `json:"buffer"`
}

type toolPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Buffer string `json:"buffer"`
	Done   bool   `json:"done"`
}

// Open POSTs the streaming completion request and returns its event stream.
func (b *Backend) Open(ctx context.Context, sub backends.Submission) (backends.EventReader, error) {
	req := apiRequest{
		Model:    b.model,
		Messages: toAPIMessages(sub.History),
		Stream:   true,
	}
	if sub.Text != "" {
		req.Messages = append(req.Messages, apiMessage{Role: "user", Content: sub.Text})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("chatcomp: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chatcomp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chatcomp: open stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("chatcomp: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return &chunkReader{
		body:    resp.Body,
		dec:     sse.NewDecoder(resp.Body),
		byIndex: map[int]*callAccum{},
	}, nil
}

// callAccum accumulates one tool call's incremental argument deltas.
type callAccum struct {
	id   string
	name string
	args strings.Builder
}

// chunkReader folds incremental chunks into normalized events carrying
// cumulative buffers. One wire chunk can yield several events; they are
// queued and drained in order.
type chunkReader struct {
	body io.ReadCloser
	dec  *sse.Decoder

	queue   []backends.Event
	started bool
	msgID   string
	text    strings.Builder
	order   []*callAccum
	byIndex map[int]*callAccum
}

func (r *chunkReader) Next(_ context.Context) (backends.Event, error) {
	for len(r.queue) == 0 {
		frame, err := r.dec.Next()
		if err != nil {
			return backends.Event{}, err
		}

		data := strings.TrimSpace(string(frame.Data))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			r.push("done", nil)
			break
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil || len(c.Choices) == 0 {
			// Unknown frame shape; skip it, the protocol may have grown.
			continue
		}

		r.fold(c)
	}

	ev := r.queue[0]
	r.queue = r.queue[1:]
	return ev, nil
}

func (r *chunkReader) fold(c chunk) {
	if !r.started {
		r.started = true
		r.msgID = c.ID
		if r.msgID == "" {
			r.msgID = message.NewID()
		}
		r.push("message_start", startPayload{ID: r.msgID})
	}

	choice := c.Choices[0]

	if choice.Delta.Content != "" {
		r.text.WriteString(choice.Delta.Content)
		r.push("text", textPayload{ID: r.msgID, Buffer: r.text.String()})
	}

	for _, td := range choice.Delta.ToolCalls {
		acc, ok := r.byIndex[td.Index]
		if !ok {
			acc = &callAccum{}
			r.byIndex[td.Index] = acc
			r.order = append(r.order, acc)
		}
		if td.ID != "" {
			acc.id = td.ID
		}
		if td.Function.Name != "" {
			acc.name = td.Function.Name
		}
		acc.args.WriteString(td.Function.Arguments)

		r.push("tool_call", toolPayload{ID: acc.id, Name: acc.name, Buffer: acc.args.String()})
	}

	if choice.FinishReason != "" {
		for _, acc := range r.order {
			r.push("tool_call", toolPayload{ID: acc.id, Name: acc.name, Buffer: acc.args.String(), Done: true})
		}
	}
}

func (r *chunkReader) push(typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.queue = append(r.queue, backends.Event{Type: typ, Data: data})
}

func (r *chunkReader) Close() error {
	return r.body.Close()
}

// Translate maps one normalized event to canonical mutations.
func (b *Backend) Translate(ev backends.Event) []stream.Mutation {
	switch ev.Type {
	case "message_start":
		var p startPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return ignored()
		}
		return []stream.Mutation{
			{Op: stream.OpSetRunID, RunID: p.ID},
			{Op: stream.OpStartMessage, MessageID: p.ID, Kind: kind.AI},
		}

	case "text":
		var p textPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return ignored()
		}
		return []stream.Mutation{{Op: stream.OpAppendText, MessageID: p.ID, Text: p.Buffer}}

	case "tool_call":
		var p toolPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil || p.ID == "" {
			return ignored()
		}
		return []stream.Mutation{{
			Op:       stream.OpUpsertToolCall,
			ToolCall: content.ToolCall{ID: p.ID, Name: p.Name, Args: p.Buffer, Done: p.Done},
		}}

	case "done":
		return []stream.Mutation{{Op: stream.OpRunFinished}}

	default:
		return ignored()
	}
}

func toAPIMessages(history []message.Message) []apiMessage {
	var out []apiMessage

	for _, m := range history {
		am := apiMessage{Role: roleFor(m.Kind), Content: m.TextContent()}

		if m.Kind == kind.Tool {
			am.ToolCallID = m.ToolCallID
		}

		for _, tc := range m.ToolCalls() {
			args := tc.Args
			if args == "" {
				args = "{}"
			}
			am.ToolCalls = append(am.ToolCalls, apiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: apiFunction{Name: tc.Name, Arguments: args},
			})
		}

		out = append(out, am)
	}

	return out
}

func roleFor(k kind.Kind) string {
	switch k {
	case kind.Human:
		return "user"
	case kind.Tool:
		return "tool"
	default:
		return "assistant"
	}
}

func ignored() []stream.Mutation {
	return []stream.Mutation{stream.Ignore()}
}

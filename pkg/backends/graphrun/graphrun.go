// Package graphrun implements the graph-execution protocol variant: runs are
// created with a POST against a thread and stream back over server-sent
// events as cumulative message snapshots plus run lifecycle frames. This is
// the only variant with checkpoint semantics, so it supports regenerate.
package graphrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/loomchat/loom/pkg/backends"
	"github.com/loomchat/loom/pkg/backends/sse"
	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
)

func init() {
	backends.Register("graphrun", func(cfg backends.Config) (backends.Backend, error) {
		if cfg.BaseURL == "" {
			return nil, errors.New("graphrun: base URL is required")
		}
		return New(cfg.BaseURL, cfg.Assistant, cfg.Client), nil
	})
}

var _ backends.Backend = (*Backend)(nil)

// Backend is the graph-execution protocol variant.
type Backend struct {
	baseURL   string
	assistant string
	client    *http.Client
}

// New creates a Backend against the given API root.
func New(baseURL, assistant string, client *http.Client) *Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &Backend{baseURL: baseURL, assistant: assistant, client: client}
}

func (b *Backend) Name() string             { return "graphrun" }
func (b *Backend) SupportsRegenerate() bool { return true }

// --- wire types ---

// runRequest is the POST body. Optional fields are explicit pointers or
// omitempty values so the serialization contract stays visible here rather
// than implicit in map-building code.
type runRequest struct {
	AssistantID  string   `json:"assistant_id,omitempty"`
	Input        runInput `json:"input"`
	CheckpointID string   `json:"checkpoint_id,omitempty"`
	StreamMode   []string `json:"stream_mode"`
}

type runInput struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type metadataFrame struct {
	RunID string `json:"run_id"`
}

type threadFrame struct {
	ThreadID string `json:"thread_id"`
}

type valuesFrame struct {
	Messages []wireMessage `json:"messages"`
}

type errorFrame struct {
	Message string `json:"message"`
}

// Open POSTs the run and returns its SSE stream.
func (b *Backend) Open(ctx context.Context, sub backends.Submission) (backends.EventReader, error) {
	req := runRequest{
		AssistantID:  b.assistant,
		CheckpointID: sub.Checkpoint,
		StreamMode:   []string{"messages", "values"},
	}
	if sub.Text != "" {
		req.Input.Messages = []wireMessage{{Type: "human", Content: sub.Text}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("graphrun: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/threads/%s/runs/stream", b.baseURL, sub.ThreadID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("graphrun: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("graphrun: open stream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("graphrun: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return &sseReader{body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}

type sseReader struct {
	body io.ReadCloser
	dec  *sse.Decoder
}

func (r *sseReader) Next(_ context.Context) (backends.Event, error) {
	frame, err := r.dec.Next()
	if err != nil {
		return backends.Event{}, err
	}
	return backends.Event{Type: frame.Event, Data: frame.Data}, nil
}

func (r *sseReader) Close() error {
	return r.body.Close()
}

// Translate maps one SSE frame to canonical mutations.
func (b *Backend) Translate(ev backends.Event) []stream.Mutation {
	switch ev.Type {
	case "metadata":
		var f metadataFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil || f.RunID == "" {
			return ignored()
		}
		return []stream.Mutation{{Op: stream.OpSetRunID, RunID: f.RunID}}

	case "thread":
		var f threadFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil || f.ThreadID == "" {
			return ignored()
		}
		return []stream.Mutation{{Op: stream.OpSetThreadID, ThreadID: f.ThreadID}}

	case "messages/partial":
		return translateMessage(ev.Data, false)

	case "messages/complete":
		return translateMessage(ev.Data, true)

	case "values":
		var f valuesFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		msgs := make([]message.Message, 0, len(f.Messages))
		for _, wm := range f.Messages {
			msgs = append(msgs, wm.toMessage())
		}
		return []stream.Mutation{{Op: stream.OpReplaceSnapshot, Messages: msgs}}

	case "error":
		var f errorFrame
		msg := "run failed"
		if err := json.Unmarshal(ev.Data, &f); err == nil && f.Message != "" {
			msg = f.Message
		}
		return []stream.Mutation{{Op: stream.OpRunFailed, Err: fmt.Errorf("graphrun: %s", msg)}}

	case "end":
		return []stream.Mutation{{Op: stream.OpRunFinished}}

	default:
		return ignored()
	}
}

// translateMessage folds one streamed message snapshot. The protocol sends
// the whole message on every frame: text is a cumulative buffer, tool-call
// args are the full buffer so far.
func translateMessage(data json.RawMessage, complete bool) []stream.Mutation {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return ignored()
	}

	// A streamed tool message is the result of an earlier call.
	if wm.Type == "tool" && wm.ToolCallID != "" {
		return []stream.Mutation{{
			Op:         stream.OpAttachResult,
			ToolCallID: wm.ToolCallID,
			Result:     wm.Content,
		}}
	}

	muts := []stream.Mutation{{
		Op:        stream.OpStartMessage,
		MessageID: wm.ID,
		Kind:      kind.FromRole(wm.Type),
	}}

	if wm.Content != "" {
		muts = append(muts, stream.Mutation{
			Op:        stream.OpAppendText,
			MessageID: wm.ID,
			Text:      wm.Content,
		})
	}

	for _, tc := range wm.ToolCalls {
		muts = append(muts, stream.Mutation{
			Op:       stream.OpUpsertToolCall,
			ToolCall: tc.toPart(complete),
		})
	}

	return muts
}

func (wm wireMessage) toMessage() message.Message {
	m := message.New(wm.ID, kind.FromRole(wm.Type))
	m.ToolCallID = wm.ToolCallID

	if wm.Content != "" {
		m.Parts = append(m.Parts, content.Text{Text: wm.Content})
	}
	for _, tc := range wm.ToolCalls {
		m.Parts = append(m.Parts, tc.toPart(true))
	}

	return m
}

func (tc wireToolCall) toPart(done bool) content.ToolCall {
	return content.ToolCall{
		ID:   tc.ID,
		Name: tc.Name,
		Args: string(tc.Args),
		Done: done,
	}
}

func ignored() []stream.Mutation {
	return []stream.Mutation{stream.Ignore()}
}

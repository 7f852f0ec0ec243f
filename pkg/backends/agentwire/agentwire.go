// Package agentwire implements the agent-event protocol variant: one
// websocket connection per run, carrying JSON event frames with explicit
// message/tool-call lifecycle types. Text content frames carry the cumulative
// buffer, not an incremental delta. The protocol has no checkpoint concept,
// so regenerate is unavailable.
package agentwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"

	"github.com/loomchat/loom/pkg/backends"
	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
)

func init() {
	backends.Register("agentwire", func(cfg backends.Config) (backends.Backend, error) {
		if cfg.BaseURL == "" {
			return nil, errors.New("agentwire: base URL is required")
		}
		return New(cfg.BaseURL, cfg.Client), nil
	})
}

var _ backends.Backend = (*Backend)(nil)

// Backend is the agent-event protocol variant.
type Backend struct {
	url    string
	client *http.Client
}

// New creates a Backend dialing the given ws:// or wss:// URL.
func New(url string, client *http.Client) *Backend {
	return &Backend{url: url, client: client}
}

func (b *Backend) Name() string             { return "agentwire" }
func (b *Backend) SupportsRegenerate() bool { return false }

// runInput is the frame sent to start a run.
type runInput struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId,omitempty"`
	Text     string `json:"text"`
}

// Open dials the agent, sends the run input, and returns the event stream.
func (b *Backend) Open(ctx context.Context, sub backends.Submission) (backends.EventReader, error) {
	conn, _, err := websocket.Dial(ctx, b.url, &websocket.DialOptions{HTTPClient: b.client})
	if err != nil {
		return nil, fmt.Errorf("agentwire: dial: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	input, err := json.Marshal(runInput{Type: "run", ThreadID: sub.ThreadID, Text: sub.Text})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failed")
		return nil, fmt.Errorf("agentwire: marshal input: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, input); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("agentwire: send input: %w", err)
	}

	return &wsReader{conn: conn}, nil
}

type wsReader struct {
	conn *websocket.Conn
}

// envelope extracts the type tag; the full frame stays in Event.Data so the
// translator can decode the type-specific fields.
type envelope struct {
	Type string `json:"type"`
}

func (r *wsReader) Next(ctx context.Context) (backends.Event, error) {
	_, data, err := r.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return backends.Event{}, io.EOF
		}
		return backends.Event{}, err
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Unparseable frame: hand it to Translate, which ignores it.
		return backends.Event{Type: "", Data: data}, nil
	}

	return backends.Event{Type: env.Type, Data: data}, nil
}

func (r *wsReader) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "")
}

// --- wire frames ---

type runStartedFrame struct {
	RunID    string `json:"runId"`
	ThreadID string `json:"threadId"`
}

type runErrorFrame struct {
	Message string `json:"message"`
}

type textMessageFrame struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Buffer    string `json:"buffer"`
}

type toolCallFrame struct {
	ToolCallID   string `json:"toolCallId"`
	ToolCallName string `json:"toolCallName"`
	Buffer       string `json:"buffer"`
	Content      string `json:"content"`
	IsError      bool   `json:"isError"`
}

type snapshotFrame struct {
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
}

type wireToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type customFrame struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type threadValue struct {
	ThreadID string `json:"threadId"`
}

// Translate maps one websocket frame to canonical mutations.
func (b *Backend) Translate(ev backends.Event) []stream.Mutation {
	switch ev.Type {
	case "RUN_STARTED":
		var f runStartedFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		muts := []stream.Mutation{{Op: stream.OpSetRunID, RunID: f.RunID}}
		if f.ThreadID != "" {
			muts = append(muts, stream.Mutation{Op: stream.OpSetThreadID, ThreadID: f.ThreadID})
		}
		return muts

	case "RUN_FINISHED":
		return []stream.Mutation{{Op: stream.OpRunFinished}}

	case "RUN_ERROR":
		var f runErrorFrame
		msg := "run failed"
		if err := json.Unmarshal(ev.Data, &f); err == nil && f.Message != "" {
			msg = f.Message
		}
		return []stream.Mutation{{Op: stream.OpRunFailed, Err: fmt.Errorf("agentwire: %s", msg)}}

	case "TEXT_MESSAGE_START":
		var f textMessageFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		return []stream.Mutation{{
			Op:        stream.OpStartMessage,
			MessageID: f.MessageID,
			Kind:      kind.FromRole(f.Role),
		}}

	case "TEXT_MESSAGE_CONTENT":
		var f textMessageFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		return []stream.Mutation{{
			Op:        stream.OpAppendText,
			MessageID: f.MessageID,
			Text:      f.Buffer,
		}}

	case "TEXT_MESSAGE_END":
		return ignored()

	case "TOOL_CALL_START":
		var f toolCallFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		return []stream.Mutation{{
			Op:       stream.OpUpsertToolCall,
			ToolCall: content.ToolCall{ID: f.ToolCallID, Name: f.ToolCallName},
		}}

	case "TOOL_CALL_ARGS":
		var f toolCallFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		// Buffer is cumulative: overwrite, never append-duplicate.
		return []stream.Mutation{{
			Op:       stream.OpUpsertToolCall,
			ToolCall: content.ToolCall{ID: f.ToolCallID, Args: f.Buffer},
		}}

	case "TOOL_CALL_END":
		var f toolCallFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		return []stream.Mutation{{
			Op:       stream.OpUpsertToolCall,
			ToolCall: content.ToolCall{ID: f.ToolCallID, Done: true},
		}}

	case "TOOL_CALL_RESULT":
		var f toolCallFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		return []stream.Mutation{{
			Op:            stream.OpAttachResult,
			ToolCallID:    f.ToolCallID,
			Result:        f.Content,
			ResultIsError: f.IsError,
		}}

	case "MESSAGES_SNAPSHOT":
		var f snapshotFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil {
			return ignored()
		}
		msgs := make([]message.Message, 0, len(f.Messages))
		for _, wm := range f.Messages {
			msgs = append(msgs, wm.toMessage())
		}
		return []stream.Mutation{{Op: stream.OpReplaceSnapshot, Messages: msgs}}

	case "CUSTOM":
		var f customFrame
		if err := json.Unmarshal(ev.Data, &f); err != nil || f.Name != "thread" {
			return ignored()
		}
		var tv threadValue
		if err := json.Unmarshal(f.Value, &tv); err != nil || tv.ThreadID == "" {
			return ignored()
		}
		return []stream.Mutation{{Op: stream.OpSetThreadID, ThreadID: tv.ThreadID}}

	default:
		return ignored()
	}
}

func (wm wireMessage) toMessage() message.Message {
	m := message.New(wm.ID, kind.FromRole(wm.Role))
	m.ToolCallID = wm.ToolCallID

	if wm.Content != "" {
		m.Parts = append(m.Parts, content.Text{Text: wm.Content})
	}
	for _, tc := range wm.ToolCalls {
		m.Parts = append(m.Parts, content.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args, Done: true})
	}

	return m
}

func ignored() []stream.Mutation {
	return []stream.Mutation{stream.Ignore()}
}

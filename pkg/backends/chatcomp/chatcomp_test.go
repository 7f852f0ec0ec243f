package chatcomp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/backends"
	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
)

func sseBody(frames ...string) string {
	var out string
	for _, f := range frames {
		out += "data: " + f + "\n\n"
	}
	return out
}

func openWith(t *testing.T, body string, capture *apiRequest) backends.EventReader {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	b := New(srv.URL, "test-model", srv.Client())

	reader, err := b.Open(context.Background(), backends.Submission{Text: "hi"})
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })

	return reader
}

func drain(t *testing.T, reader backends.EventReader) []backends.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []backends.Event
	for {
		ev, err := reader.Next(ctx)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return events
		}
		events = append(events, ev)
	}
}

func TestReader_AccumulatesTextDeltas(t *testing.T) {
	reader := openWith(t, sseBody(
		`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	), nil)

	events := drain(t, reader)

	require.Len(t, events, 4)
	assert.Equal(t, "message_start", events[0].Type)
	assert.Equal(t, "text", events[1].Type)
	assert.Equal(t, "text", events[2].Type)
	assert.Equal(t, "done", events[3].Type)

	var p textPayload
	require.NoError(t, json.Unmarshal(events[2].Data, &p))
	assert.Equal(t, "Hello", p.Buffer)
}

func TestReader_AccumulatesToolCallArgs(t *testing.T) {
	reader := openWith(t, sseBody(
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"tc1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	), nil)

	events := drain(t, reader)

	// message_start, two tool_call updates, one done-marked tool_call, done.
	require.Len(t, events, 5)

	var p toolPayload
	require.NoError(t, json.Unmarshal(events[3].Data, &p))
	assert.Equal(t, "tc1", p.ID)
	assert.Equal(t, "search", p.Name)
	assert.Equal(t, `{"q":"x"}`, p.Buffer)
	assert.True(t, p.Done)
}

func TestEndToEnd_TextDeltasThroughReconciler(t *testing.T) {
	reader := openWith(t, sseBody(
		`{"id":"c1","choices":[{"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"delta":{"content":"lo"}}]}`,
		`{"id":"c1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	), nil)

	b := New("http://unused", "m", nil)
	r := stream.New(stream.Options{FlushInterval: time.Millisecond})

	ctx := context.Background()
	for {
		ev, err := reader.Next(ctx)
		if err != nil {
			break
		}
		for _, mut := range b.Translate(ev) {
			r.Apply(mut)
		}
	}

	snap := r.Snapshot()
	assert.Equal(t, stream.PhaseFinished, snap.Phase)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "Hello", snap.Messages[0].TextContent())
	assert.Equal(t, "c1", snap.RunID)
	assert.Empty(t, snap.CurrentID)
}

func TestOpen_SendsHistory(t *testing.T) {
	var got apiRequest

	history := []message.Message{
		message.NewText("h1", kind.Human, "earlier question"),
		{
			ID:   "a1",
			Kind: kind.AI,
			Parts: []content.Part{
				content.Text{Text: "let me check"},
				content.ToolCall{ID: "tc1", Name: "search", Args: `{"q":"x"}`, Done: true},
			},
		},
		message.NewToolResult("t1", "tc1", "42"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(`[DONE]`))
	}))
	defer srv.Close()

	b := New(srv.URL, "test-model", srv.Client())

	reader, err := b.Open(context.Background(), backends.Submission{Text: "hi", History: history})
	require.NoError(t, err)
	reader.Close()

	assert.True(t, got.Stream)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.Equal(t, "tool", got.Messages[2].Role)
	assert.Equal(t, "tc1", got.Messages[2].ToolCallID)
	assert.Equal(t, "hi", got.Messages[3].Content)
}

func TestTranslate_UnknownEvent_Ignored(t *testing.T) {
	b := New("http://x", "m", nil)

	muts := b.Translate(backends.Event{Type: "usage", Data: []byte(`{}`)})

	require.Len(t, muts, 1)
	assert.Equal(t, stream.OpIgnore, muts[0].Op)
}

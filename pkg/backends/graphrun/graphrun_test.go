package graphrun

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
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/stream"
)

func TestTranslate_Metadata(t *testing.T) {
	b := New("http://x", "", nil)

	muts := b.Translate(backends.Event{Type: "metadata", Data: []byte(`{"run_id":"r1"}`)})

	require.Len(t, muts, 1)
	assert.Equal(t, stream.OpSetRunID, muts[0].Op)
	assert.Equal(t, "r1", muts[0].RunID)
}

func TestTranslate_Thread(t *testing.T) {
	b := New("http://x", "", nil)

	muts := b.Translate(backends.Event{Type: "thread", Data: []byte(`{"thread_id":"t-123"}`)})

	require.Len(t, muts, 1)
	assert.Equal(t, stream.OpSetThreadID, muts[0].Op)
	assert.Equal(t, "t-123", muts[0].ThreadID)
}

func TestTranslate_PartialMessage(t *testing.T) {
	b := New("http://x", "", nil)
	data := []byte(`{"id":"m1","type":"ai","content":"Hel","tool_calls":[{"id":"tc1","name":"search","args":{"q":"x"}}]}`)

	muts := b.Translate(backends.Event{Type: "messages/partial", Data: data})

	require.Len(t, muts, 3)
	assert.Equal(t, stream.OpStartMessage, muts[0].Op)
	assert.Equal(t, "m1", muts[0].MessageID)
	assert.Equal(t, kind.AI, muts[0].Kind)
	assert.Equal(t, stream.OpAppendText, muts[1].Op)
	assert.Equal(t, "Hel", muts[1].Text)
	assert.Equal(t, stream.OpUpsertToolCall, muts[2].Op)
	assert.Equal(t, "tc1", muts[2].ToolCall.ID)
	assert.JSONEq(t, `{"q":"x"}`, muts[2].ToolCall.Args)
	assert.False(t, muts[2].ToolCall.Done)
}

func TestPartialFrames_TextWithToolCall_NoDuplication(t *testing.T) {
	b := New("http://x", "", nil)
	r := stream.New(stream.Options{FlushInterval: time.Millisecond})

	// Each frame carries the cumulative content plus the tool calls so far;
	// re-delivering the call must never splice the text buffer.
	frames := []string{
		`{"id":"m1","type":"ai","content":"Hel","tool_calls":[{"id":"tc1","name":"search","args":{"q":"x"}}]}`,
		`{"id":"m1","type":"ai","content":"Hello","tool_calls":[{"id":"tc1","name":"search","args":{"q":"x"}}]}`,
	}
	for _, data := range frames {
		for _, mut := range b.Translate(backends.Event{Type: "messages/partial", Data: []byte(data)}) {
			r.Apply(mut)
		}
	}
	r.Apply(stream.Mutation{Op: stream.OpRunFinished})

	snap := r.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "Hello", snap.Messages[0].TextContent())
	require.Len(t, snap.Messages[0].ToolCalls(), 1)
}

func TestTranslate_CompleteMessage_MarksToolCallsDone(t *testing.T) {
	b := New("http://x", "", nil)
	data := []byte(`{"id":"m1","type":"ai","content":"","tool_calls":[{"id":"tc1","name":"search"}]}`)

	muts := b.Translate(backends.Event{Type: "messages/complete", Data: data})

	require.Len(t, muts, 2)
	assert.Equal(t, stream.OpUpsertToolCall, muts[1].Op)
	assert.True(t, muts[1].ToolCall.Done)
}

func TestTranslate_ToolMessage_BecomesResult(t *testing.T) {
	b := New("http://x", "", nil)
	data := []byte(`{"id":"m2","type":"tool","content":"42","tool_call_id":"tc1"}`)

	muts := b.Translate(backends.Event{Type: "messages/complete", Data: data})

	require.Len(t, muts, 1)
	assert.Equal(t, stream.OpAttachResult, muts[0].Op)
	assert.Equal(t, "tc1", muts[0].ToolCallID)
	assert.Equal(t, "42", muts[0].Result)
}

func TestTranslate_Values_ReplacesSnapshot(t *testing.T) {
	b := New("http://x", "", nil)
	data := []byte(`{"messages":[{"id":"h1","type":"human","content":"hi"},{"id":"a1","type":"ai","content":"hello"}]}`)

	muts := b.Translate(backends.Event{Type: "values", Data: data})

	require.Len(t, muts, 1)
	require.Equal(t, stream.OpReplaceSnapshot, muts[0].Op)
	require.Len(t, muts[0].Messages, 2)
	assert.Equal(t, kind.Human, muts[0].Messages[0].Kind)
	assert.Equal(t, "hello", muts[0].Messages[1].TextContent())
}

func TestTranslate_ErrorAndEnd(t *testing.T) {
	b := New("http://x", "", nil)

	errMuts := b.Translate(backends.Event{Type: "error", Data: []byte(`{"message":"boom"}`)})
	require.Len(t, errMuts, 1)
	assert.Equal(t, stream.OpRunFailed, errMuts[0].Op)
	assert.ErrorContains(t, errMuts[0].Err, "boom")

	endMuts := b.Translate(backends.Event{Type: "end", Data: nil})
	require.Len(t, endMuts, 1)
	assert.Equal(t, stream.OpRunFinished, endMuts[0].Op)
}

func TestTranslate_UnknownEvent_Ignored(t *testing.T) {
	b := New("http://x", "", nil)

	muts := b.Translate(backends.Event{Type: "checkpoints/new", Data: []byte(`{}`)})

	require.Len(t, muts, 1)
	assert.Equal(t, stream.OpIgnore, muts[0].Op)
}

func TestTranslate_MalformedPayload_Ignored(t *testing.T) {
	b := New("http://x", "", nil)

	muts := b.Translate(backends.Event{Type: "values", Data: []byte(`{nope`)})

	require.Len(t, muts, 1)
	assert.Equal(t, stream.OpIgnore, muts[0].Op)
}

func TestOpen_StreamsEvents(t *testing.T) {
	var gotBody runRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/t1/runs/stream", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: metadata\ndata: {\"run_id\":\"r1\"}\n\n")
		_, _ = io.WriteString(w, "event: end\ndata: {}\n\n")
	}))
	defer srv.Close()

	b := New(srv.URL, "helper", srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reader, err := b.Open(ctx, backends.Submission{ThreadID: "t1", Text: "hi"})
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, "helper", gotBody.AssistantID)
	require.Len(t, gotBody.Input.Messages, 1)
	assert.Equal(t, "hi", gotBody.Input.Messages[0].Content)

	ev, err := reader.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "metadata", ev.Type)

	ev, err = reader.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "end", ev.Type)

	_, err = reader.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpen_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	b := New(srv.URL, "", srv.Client())

	_, err := b.Open(context.Background(), backends.Submission{ThreadID: "t1"})
	assert.ErrorContains(t, err, "403")
}

func TestOpen_OmitsEmptyCheckpoint(t *testing.T) {
	var raw map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	b := New(srv.URL, "", srv.Client())

	reader, err := b.Open(context.Background(), backends.Submission{ThreadID: "t1", Text: "hi"})
	require.NoError(t, err)
	reader.Close()

	_, present := raw["checkpoint_id"]
	assert.False(t, present)
}

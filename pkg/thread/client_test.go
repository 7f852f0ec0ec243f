package thread

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, srv.Client())
	c.MaxRetries = 2
	return c
}

func TestClient_Create(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(Thread{ID: "th-1", Name: "chat"})
	}))
	defer srv.Close()

	created, err := newTestClient(srv).Create(context.Background(), "chat")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/threads", gotPath)
	assert.Equal(t, "chat", gotBody["name"])
	assert.Equal(t, "th-1", created.ID)
}

func TestClient_History_ConvertsWireMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/th-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(threadWithMessages{
			Thread: Thread{ID: "th-1"},
			Messages: []wireMessage{
				{ID: "m1", Role: "user", Content: "hello"},
				{ID: "m2", Role: "assistant", Content: "checking", ToolCalls: []wireToolCall{
					{ID: "tc1", Name: "search", Args: `{"q":"x"}`, Result: "42"},
				}},
				{ID: "m3", Role: "tool", Content: "42", ToolCallID: "tc1"},
			},
		})
	}))
	defer srv.Close()

	msgs, err := newTestClient(srv).History(context.Background(), "th-1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, kind.Human, msgs[0].Kind)
	assert.Equal(t, "hello", msgs[0].TextContent())

	assert.Equal(t, kind.AI, msgs[1].Kind)
	calls := msgs[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Done)
	assert.True(t, calls[0].HasResult)
	assert.Equal(t, "42", calls[0].Result)

	assert.Equal(t, kind.Tool, msgs[2].Kind)
	assert.Equal(t, "tc1", msgs[2].ToolCallID)
}

func TestClient_Get_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(threadWithMessages{Thread: Thread{ID: "th-1"}})
	}))
	defer srv.Close()

	got, err := newTestClient(srv).Get(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Equal(t, "th-1", got.ID)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Get_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Get(context.Background(), "th-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Get_NotFound(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Timeout_DistinctFromCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	c.RequestTimeout = 20 * time.Millisecond

	err := c.Delete(context.Background(), "th-1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_CallerCancel_NotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := NewClient(srv.URL, srv.Client()).Delete(ctx, "th-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "20", r.URL.Query().Get("offset"))
		_ = json.NewEncoder(w).Encode([]Thread{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	threads, err := newTestClient(srv).List(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "a", threads[0].ID)
}

func TestClient_Rename(t *testing.T) {
	var gotMethod string
	var gotBody map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv).Rename(context.Background(), "th-1", "renamed"))
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "renamed", gotBody["name"])
}

func TestWireMessage_EmptyContentNoTextPart(t *testing.T) {
	m := wireMessage{ID: "m1", Role: "assistant", ToolCalls: []wireToolCall{{ID: "tc1", Name: "f"}}}.toMessage()

	require.Len(t, m.Parts, 1)
	_, ok := m.Parts[0].(content.ToolCall)
	assert.True(t, ok)
}

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource rotates to a new token on Refresh.
type fakeSource struct {
	tokens     []string
	idx        atomic.Int32
	refreshErr error
	refreshes  atomic.Int32
}

func (f *fakeSource) Token(context.Context) (string, error) {
	if len(f.tokens) == 0 {
		return "", ErrNoSession
	}
	return f.tokens[f.idx.Load()], nil
}

func (f *fakeSource) Refresh(context.Context) error {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return f.refreshErr
	}
	if int(f.idx.Load()) < len(f.tokens)-1 {
		f.idx.Add(1)
	}
	return nil
}

func TestStaticTokenSource(t *testing.T) {
	tok, err := StaticTokenSource("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = StaticTokenSource("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTransport_AttachesBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := NewTransport(StaticTokenSource("tok-1")).Client()

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", gotAuth)
}

func TestTransport_NoSession_FailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the server without credentials")
	}))
	defer srv.Close()

	client := NewTransport(StaticTokenSource("")).Client()

	_, err := client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTransport_RefreshOnceOn401(t *testing.T) {
	src := &fakeSource{tokens: []string{"stale", "fresh"}}

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewTransport(src).Client()

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, int32(1), src.refreshes.Load())
}

func TestTransport_PersistentDenial_FailsClosed(t *testing.T) {
	src := &fakeSource{tokens: []string{"bad"}}

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewTransport(src).Client()

	_, err := client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrRefreshDenied)
	// Exactly one retry: two attempts total, never a third.
	assert.Equal(t, int32(2), attempts.Load())
}

func TestTransport_RefreshFailure_FailsClosed(t *testing.T) {
	src := &fakeSource{tokens: []string{"bad"}, refreshErr: ErrNoSession}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewTransport(src).Client()

	_, err := client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrRefreshDenied)
}

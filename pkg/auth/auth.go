// Package auth supplies bearer credentials for outbound requests. The
// transport retries an authorization-denied response exactly once after
// forcing a credential refresh, and fails closed when the denial persists:
// callers must treat ErrRefreshDenied as a logout, never continue
// unauthenticated.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrNoSession is returned when no credential exists for the current user.
var ErrNoSession = errors.New("auth: no active session")

// ErrRefreshDenied is returned when a request is denied even after a forced
// token refresh. It is terminal: the session is gone.
var ErrRefreshDenied = errors.New("auth: denied after refresh")

// TokenSource produces bearer tokens and can force a refresh.
type TokenSource interface {
	// Token returns a token to attach, or ErrNoSession.
	Token(ctx context.Context) (string, error)
	// Refresh invalidates cached credentials and obtains fresh ones.
	Refresh(ctx context.Context) error
}

// StaticTokenSource returns a fixed token and cannot refresh. An empty token
// yields ErrNoSession.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoSession
	}
	return string(s), nil
}

func (s StaticTokenSource) Refresh(context.Context) error {
	if s == "" {
		return ErrNoSession
	}
	return nil
}

// Transport is an http.RoundTripper that attaches Authorization headers from
// a TokenSource. On a 401 response it refreshes and retries exactly once;
// a second denial surfaces ErrRefreshDenied.
type Transport struct {
	// Source supplies tokens. Required.
	Source TokenSource
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base http.RoundTripper

	// refreshMu serializes refreshes so concurrent 401s trigger one.
	refreshMu sync.Mutex
}

// NewTransport creates a Transport over the default base transport.
func NewTransport(source TokenSource) *Transport {
	return &Transport{Source: source}
}

// Client returns an *http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.Source.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: obtain token: %w", err)
	}

	resp, err := t.base().RoundTrip(withBearer(req, token))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// Denied: force a refresh and retry once. This is a deliberate,
	// security-sensitive retry, separate from any transient-error policy.
	_ = resp.Body.Close()

	t.refreshMu.Lock()
	refreshErr := t.Source.Refresh(ctx)
	t.refreshMu.Unlock()

	if refreshErr != nil {
		return nil, fmt.Errorf("auth: refresh after denial: %w", errors.Join(ErrRefreshDenied, refreshErr))
	}

	token, err = t.Source.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: obtain refreshed token: %w", err)
	}

	retry := withBearer(req, token)
	if req.Body != nil {
		if req.GetBody == nil {
			// The body was consumed by the first attempt and cannot be
			// replayed; surface the denial instead of sending a broken retry.
			return nil, ErrRefreshDenied
		}
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("auth: rewind request body: %w", bodyErr)
		}
		retry.Body = body
	}

	resp, err = t.base().RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, ErrRefreshDenied
	}

	return resp, nil
}

// withBearer clones the request with the Authorization header set. Requests
// must not be mutated in place per the RoundTripper contract.
func withBearer(req *http.Request, token string) *http.Request {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+token)
	return cloned
}

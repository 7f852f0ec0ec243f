// Package backends defines the polymorphic transport interface the run
// controller drives, and a registry of the protocol variants implementing it.
// Each variant lives in its own subpackage and is the only code aware of its
// wire event shapes; everything downstream speaks stream.Mutation.
package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
)

// Event is one raw protocol frame: a type tag plus its undecoded payload.
type Event struct {
	Type string
	Data json.RawMessage
}

// EventReader yields events from one open run stream in delivery order.
// Next returns io.EOF when the stream ends.
type EventReader interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Submission is the outbound payload for one run.
type Submission struct {
	ThreadID string
	Text     string
	// History is the transcript sent to variants that are stateless
	// server-side (chat-completions).
	History []message.Message
	// Checkpoint resubmits from an ancestor point; only meaningful for
	// variants that support regenerate.
	Checkpoint string
}

// Backend is one interchangeable protocol variant.
type Backend interface {
	// Name identifies the variant ("graphrun", "agentwire", "chatcomp").
	Name() string

	// Open sends the submission and returns the resulting event stream.
	Open(ctx context.Context, sub Submission) (EventReader, error)

	// Translate maps one wire event to the canonical mutations it implies,
	// in order. Translation is total and side-effect-free: unknown event
	// types yield a single Ignore mutation, never an error, because the
	// wire protocols are evolving supersets of what this client knows.
	Translate(ev Event) []stream.Mutation

	// SupportsRegenerate reports whether the variant has checkpoint/branch
	// semantics. When false, Controller.Regenerate is unavailable.
	SupportsRegenerate() bool
}

// Config selects and parameterizes a backend variant.
type Config struct {
	// Kind is the registered variant name.
	Kind string
	// BaseURL is the variant's API root, no trailing slash. Websocket
	// variants accept ws:// or wss:// here.
	BaseURL string
	// Assistant names the remote agent/model where the protocol wants one.
	Assistant string
	// Client carries the authenticated HTTP client. Nil falls back to
	// http.DefaultClient.
	Client *http.Client
}

// Factory creates a Backend from a Config.
type Factory func(cfg Config) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a factory under the given kind. Subpackages register
// themselves in init; callers can add custom variants before New.
func Register(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	factories[kind] = factory
}

// New builds the backend for cfg.Kind using the registered factory.
func New(cfg Config) (Backend, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Kind]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backends: unknown backend kind %q", cfg.Kind)
	}

	return factory(cfg)
}

// Kinds returns the registered variant names.
func Kinds() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	return kinds
}

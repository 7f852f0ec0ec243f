package thread

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/chats/message"
)

// ErrSuperseded reports that a buffered submission was replaced by a newer
// one before the thread id resolved.
var ErrSuperseded = errors.New("thread: submission superseded")

// SendFunc delivers a deferred submission once the thread id is known.
type SendFunc func(ctx context.Context, threadID string)

// BindingOptions configures a Binding.
type BindingOptions struct {
	// Client performs thread creation and history loads. Nil puts the
	// binding in client-side mode: ids are generated locally, for variants
	// with no server-side thread concept.
	Client *Client
	// VerifyDelay is how long to wait after creation before re-reading the
	// thread server-side. Zero skips verification.
	VerifyDelay time.Duration
	// OnResolved fires whenever the binding learns its thread id from the
	// create path (not from Adopt, where the caller already knows).
	OnResolved func(threadID string)
	// OnError receives asynchronous creation/load failures.
	OnError func(err error)
	// Logger receives diagnostics. Nil discards.
	Logger *slog.Logger
}

type pendingSubmission struct {
	ctx  context.Context
	send SendFunc
	fail func(error)
}

// Binding resolves the durable thread identity a run belongs to and defers
// submission until one exists. At most one pending submission is buffered;
// a second submit before resolution replaces the first. Thread creation is
// guarded so concurrent submits trigger exactly one create request.
type Binding struct {
	client      *Client
	verifyDelay time.Duration
	onResolved  func(string)
	onError     func(error)
	log         *slog.Logger

	mu        sync.Mutex
	threadID  string
	creating  bool
	createGen uint64
	pending   *pendingSubmission

	loadGen    uint64
	loadCancel context.CancelFunc
}

// NewBinding creates a Binding with no thread id bound yet.
func NewBinding(opts BindingOptions) *Binding {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Binding{
		client:      opts.Client,
		verifyDelay: opts.VerifyDelay,
		onResolved:  opts.OnResolved,
		onError:     opts.OnError,
		log:         log,
	}
}

// ThreadID returns the bound thread id, or empty while unresolved.
func (b *Binding) ThreadID() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.threadID
}

// Submit sends immediately when a thread id is bound; otherwise it buffers
// send as the single pending submission (replacing any previous one) and
// triggers thread creation. fail is invoked instead of send when the pending
// submission can never be delivered: the create request failed, its context
// was cancelled, or the binding was reset. Exactly one of send or fail fires
// for a buffered submission, so a caller holding run state can always settle
// it. fail may be nil.
func (b *Binding) Submit(ctx context.Context, send SendFunc, fail func(error)) {
	b.mu.Lock()

	if b.threadID != "" {
		id := b.threadID
		b.mu.Unlock()
		send(ctx, id)
		return
	}

	replaced := b.pending
	b.pending = &pendingSubmission{ctx: ctx, send: send, fail: fail}

	startCreate := !b.creating
	b.creating = true
	var gen uint64
	if startCreate {
		b.createGen++
		gen = b.createGen
	}
	b.mu.Unlock()

	if replaced != nil && replaced.fail != nil {
		replaced.fail(ErrSuperseded)
	}

	if !startCreate {
		return
	}

	if b.client == nil {
		// No server-side threads: mint a local id and resolve now.
		b.resolve("local-" + uuid.NewString())
		return
	}

	go b.createThread(ctx, gen)
}

func (b *Binding) createThread(ctx context.Context, gen uint64) {
	created, err := b.client.Create(ctx, "")
	if err != nil {
		// A stale create (superseded by a reset and a fresh submit) must not
		// touch the newer submission's pending state.
		b.mu.Lock()
		var p *pendingSubmission
		if gen == b.createGen {
			b.creating = false
			p = b.pending
			b.pending = nil
		}
		b.mu.Unlock()

		b.log.Error("thread creation failed", "error", err)
		if b.onError != nil {
			b.onError(err)
		}
		// The buffered submission can never be delivered; fail it so the
		// caller's run settles instead of waiting forever.
		if p != nil && p.fail != nil {
			p.fail(err)
		}
		return
	}

	// Re-verify after a settling delay: some backends acknowledge creation
	// before the thread is readable.
	if b.verifyDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(b.verifyDelay):
			if _, err := b.client.Get(ctx, created.ID); err != nil {
				b.log.Warn("thread re-verification failed", "thread_id", created.ID, "error", err)
			}
		}
	}

	b.resolve(created.ID)
}

// resolve binds the id, notifies, and flushes the pending submission.
func (b *Binding) resolve(id string) {
	b.mu.Lock()
	b.threadID = id
	b.creating = false
	p := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.onResolved != nil {
		b.onResolved(id)
	}
	if p != nil {
		p.send(p.ctx, id)
	}
}

// Adopt binds a backend-assigned thread id (from a stream metadata event)
// and flushes the pending submission. Unlike resolve it does not fire
// OnResolved: the id came from the caller's side in the first place.
func (b *Binding) Adopt(id string) {
	if id == "" {
		return
	}

	b.mu.Lock()
	if b.threadID == id {
		b.mu.Unlock()
		return
	}
	b.threadID = id
	b.creating = false
	p := b.pending
	b.pending = nil
	b.mu.Unlock()

	if p != nil {
		p.send(p.ctx, id)
	}
}

// LoadHistory fetches a thread's messages and hands them to commit. Rapid
// thread churn is guarded two ways: superseded loads are aborted through
// their context, and only the most recently requested load may commit.
// commit runs with the binding's internal lock held and must not call back
// into the Binding.
func (b *Binding) LoadHistory(ctx context.Context, id string, commit func([]message.Message)) {
	if b.client == nil {
		return
	}

	b.mu.Lock()
	b.loadGen++
	gen := b.loadGen
	if b.loadCancel != nil {
		b.loadCancel()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	b.loadCancel = cancel
	b.mu.Unlock()

	go func() {
		defer cancel()

		msgs, err := b.client.History(loadCtx, id)

		if err != nil {
			b.mu.Lock()
			stale := gen != b.loadGen
			b.mu.Unlock()

			if !stale && loadCtx.Err() == nil {
				b.log.Error("history load failed", "thread_id", id, "error", err)
				if b.onError != nil {
					b.onError(err)
				}
			}
			return
		}

		// The staleness check and the commit hold the lock together, so a
		// superseded load can never commit after a newer one already has.
		// commit must not call back into the Binding.
		b.mu.Lock()
		defer b.mu.Unlock()
		if gen != b.loadGen {
			return
		}
		commit(msgs)
	}()
}

// Reset unbinds the thread and drops pending work, for thread switches. A
// buffered submission is failed with context.Canceled so an attached run can
// settle.
func (b *Binding) Reset() {
	b.mu.Lock()
	b.threadID = ""
	b.creating = false
	p := b.pending
	b.pending = nil
	b.loadGen++
	if b.loadCancel != nil {
		b.loadCancel()
		b.loadCancel = nil
	}
	b.mu.Unlock()

	if p != nil && p.fail != nil {
		p.fail(context.Canceled)
	}
}

// Package run owns the lifecycle of one in-flight submission: optimistic
// message injection, opening the backend stream, feeding translated mutations
// to the reconciler, and cancellation. At most one run is active at a time.
package run

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomchat/loom/pkg/auth"
	"github.com/loomchat/loom/pkg/backends"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
	"github.com/loomchat/loom/pkg/thread"
)

var (
	// ErrRunActive is returned when a submission arrives while a run is
	// still streaming. Runs never interleave.
	ErrRunActive = errors.New("run: a run is already active")
	// ErrRegenerateUnsupported is returned when the configured backend has
	// no checkpoint/branch semantics.
	ErrRegenerateUnsupported = errors.New("run: backend does not support regenerate")
	// ErrEmptySubmission is returned for a blank submit.
	ErrEmptySubmission = errors.New("run: empty submission")
)

// interruptedResult is the synthesized result attached to tool calls the
// previous turn left unanswered, so no new turn starts against a dangling
// call.
const interruptedResult = "(no result: interrupted before completion)"

// Options configures a Controller.
type Options struct {
	Backend    backends.Backend
	Reconciler *stream.Reconciler
	Binding    *thread.Binding
	// Tokens is consulted before submitting; a missing session fails the
	// submit closed. Nil skips the pre-check (unauthenticated backends).
	Tokens auth.TokenSource
	Logger *slog.Logger
}

// Controller drives runs against one backend. All mutations flow through the
// reconciler; the controller never touches the message list directly.
type Controller struct {
	backend backends.Backend
	rec     *stream.Reconciler
	binding *thread.Binding
	tokens  auth.TokenSource
	log     *slog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a Controller.
func NewController(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Controller{
		backend: opts.Backend,
		rec:     opts.Reconciler,
		binding: opts.Binding,
		tokens:  opts.Tokens,
		log:     log,
	}
}

// Active reports whether a run is currently streaming.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active
}

// Submit starts a run for the given human input. The optimistic transcript
// (synthesized results for the previous turn's unanswered tool calls, then
// the new human message) is visible before any network round trip. Returns
// ErrRunActive while another run streams, and fails closed on a missing
// session.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptySubmission
	}

	if c.tokens != nil {
		if _, err := c.tokens.Token(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrRunActive
	}
	c.active = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	before := c.rec.Snapshot()

	locals := synthesizeDanglingResults(before.Messages)
	human := message.NewText(message.NewID(), kind.Human, text)
	locals = append(locals, human)

	c.rec.AppendLocal(locals...)
	c.rec.BeginRun()

	// Stateless variants resend the transcript, minus the message Text
	// itself represents.
	history := append(before.Messages, locals[:len(locals)-1]...)

	c.binding.Submit(runCtx,
		func(sendCtx context.Context, threadID string) {
			go c.consume(sendCtx, backends.Submission{
				ThreadID: threadID,
				Text:     text,
				History:  history,
			})
		},
		c.settleUndelivered(runCtx),
	)

	return nil
}

// Regenerate resubmits from an ancestor checkpoint. Only available on
// backends with branch semantics.
func (c *Controller) Regenerate(ctx context.Context, checkpoint string) error {
	if !c.backend.SupportsRegenerate() {
		return ErrRegenerateUnsupported
	}

	if c.tokens != nil {
		if _, err := c.tokens.Token(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrRunActive
	}
	c.active = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.rec.BeginRun()

	c.binding.Submit(runCtx,
		func(sendCtx context.Context, threadID string) {
			go c.consume(sendCtx, backends.Submission{
				ThreadID:   threadID,
				Checkpoint: checkpoint,
			})
		},
		c.settleUndelivered(runCtx),
	)

	return nil
}

// settleUndelivered returns the failure callback handed to the thread
// binding: when the submission can never be delivered (thread creation
// failed, or was cancelled mid-create by Stop), the run still has to reach a
// terminal phase and release the single-run guard.
func (c *Controller) settleUndelivered(ctx context.Context) func(error) {
	return func(err error) {
		c.failOrAbort(ctx, err)
		c.finish()
	}
}

// Stop aborts the active run. Accumulated messages are retained.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	active := c.active
	c.mu.Unlock()

	if !active {
		return
	}
	if cancel != nil {
		cancel()
	}
	c.rec.Abort()
}

// ClearError dismisses a failed run's error, keeping the transcript.
func (c *Controller) ClearError() {
	c.rec.ClearError()
}

// Wait blocks until the current run's stream consumer exits. For tests and
// orderly shutdown.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

// consume reads the run's event stream to completion, feeding every
// translated mutation to the reconciler in arrival order.
func (c *Controller) consume(ctx context.Context, sub backends.Submission) {
	defer c.finish()

	reader, err := c.backend.Open(ctx, sub)
	if err != nil {
		c.failOrAbort(ctx, err)
		return
	}
	defer func() { _ = reader.Close() }()

	for {
		ev, err := reader.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Streams that end without an explicit terminal event
				// still finish the run.
				if !c.rec.Snapshot().Phase.Terminal() {
					c.rec.Apply(stream.Mutation{Op: stream.OpRunFinished})
				}
				return
			}
			c.failOrAbort(ctx, err)
			return
		}

		for _, mut := range c.backend.Translate(ev) {
			c.rec.Apply(mut)
			if mut.Op == stream.OpSetThreadID {
				c.binding.Adopt(mut.ThreadID)
			}
		}
	}
}

func (c *Controller) failOrAbort(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// User-initiated stop; Stop already marked the phase, but an
		// abort racing the first read settles it here.
		if !c.rec.Snapshot().Phase.Terminal() {
			c.rec.Abort()
		}
		return
	}

	c.log.Error("run failed", "backend", c.backend.Name(), "error", err)
	c.rec.Apply(stream.Mutation{Op: stream.OpRunFailed, Err: err})
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.active = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// synthesizeDanglingResults returns placeholder tool-result messages for
// every unanswered tool call of the last AI message, so a new turn never
// starts against a dangling call.
func synthesizeDanglingResults(msgs []message.Message) []message.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind != kind.AI {
			continue
		}

		var results []message.Message
		for _, call := range msgs[i].UnansweredToolCalls() {
			results = append(results, message.NewToolResult(message.NewID(), call.ID, interruptedResult))
		}
		return results
	}
	return nil
}

// Package stream owns the live message list of a conversation. The
// Reconciler folds adapter-emitted mutations, in strict arrival order, into a
// render-ready ordered list of messages, and exposes a stable snapshot plus a
// blocking Wait for observers. It is the single writer of the list; the run
// controller and the UI request changes through it and never mutate directly.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
)

// Phase is the reconciler's lifecycle state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseStreaming Phase = "streaming"
	PhaseFinished  Phase = "finished"
	PhaseFailed    Phase = "failed"
	PhaseAborted   Phase = "aborted"
)

// Terminal reports whether p is a terminal run phase.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseFailed || p == PhaseAborted
}

// DefaultFlushInterval is the paint-smoothing window for coalesced text
// deltas, roughly one frame at 30fps.
const DefaultFlushInterval = 33 * time.Millisecond

// Snapshot is the read-only view handed to the UI. Messages are deep copies;
// holders cannot alias reconciler state.
type Snapshot struct {
	Messages  []message.Message
	Phase     Phase
	CurrentID string
	RunID     string
	ThreadID  string
	Err       error
	Version   uint64
}

// Options configures a Reconciler.
type Options struct {
	// FlushInterval overrides DefaultFlushInterval; useful in tests.
	FlushInterval time.Duration
	// OnThreadID is invoked (outside the reconciler lock) whenever a
	// SetThreadID mutation arrives, so thread binding can flush a deferred
	// submission.
	OnThreadID func(threadID string)
	// Logger receives absorbed data-error diagnostics. Nil discards.
	Logger *slog.Logger
}

// Reconciler is the streaming message-reconciliation state machine. It is
// safe for concurrent use, but mutations from a single stream must be applied
// by one goroutine to preserve arrival order.
type Reconciler struct {
	log        *slog.Logger
	flushEvery time.Duration
	onThreadID func(string)

	mu        sync.Mutex
	msgs      []message.Message
	index     map[string]int
	phase     Phase
	currentID string
	runID     string
	threadID  string
	err       error

	version uint64
	signal  chan struct{}

	// Coalesced text scratch state. pending holds the latest cumulative
	// buffer for the current target; it is flushed by the timer, or
	// synchronously by any mutation that must observe committed text.
	pending    string
	hasPending bool
	timer      *time.Timer
	armed      bool
}

// New creates a Reconciler in the Idle phase.
func New(opts Options) *Reconciler {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	flushEvery := opts.FlushInterval
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}

	return &Reconciler{
		log:        log,
		flushEvery: flushEvery,
		onThreadID: opts.OnThreadID,
		index:      map[string]int{},
		phase:      PhaseIdle,
		signal:     make(chan struct{}),
	}
}

// Apply folds one mutation into the message list. Mutations must be applied
// in arrival order.
func (r *Reconciler) Apply(m Mutation) {
	var notify func(string)

	r.mu.Lock()
	switch m.Op {
	case OpIgnore:
		// Unknown wire event, already logged by the adapter.

	case OpStartMessage:
		r.applyStartLocked(m)

	case OpAppendText:
		r.applyTextLocked(m)

	case OpUpsertToolCall:
		r.flushLocked()
		idx := r.ensureTargetLocked()
		r.msgs[idx] = message.UpsertToolCall(r.msgs[idx], m.ToolCall)
		r.bumpLocked()

	case OpAttachResult:
		r.applyResultLocked(m)

	case OpReplaceSnapshot:
		r.applyReplaceLocked(m)

	case OpSetRunID:
		r.runID = m.RunID
		if r.phase == PhaseIdle {
			r.phase = PhaseStreaming
		}
		r.bumpLocked()

	case OpSetThreadID:
		r.threadID = m.ThreadID
		notify = r.onThreadID
		r.bumpLocked()

	case OpRunFinished:
		r.flushLocked()
		r.phase = PhaseFinished
		r.currentID = ""
		r.bumpLocked()

	case OpRunFailed:
		// Partial streamed output is still useful; never roll it back.
		r.flushLocked()
		r.phase = PhaseFailed
		r.err = m.Err
		r.currentID = ""
		r.bumpLocked()

	default:
		r.log.Warn("unknown mutation op", "op", m.Op)
	}
	r.mu.Unlock()

	if notify != nil {
		notify(m.ThreadID)
	}
}

func (r *Reconciler) applyStartLocked(m Mutation) {
	if r.phase.Terminal() {
		r.log.Warn("message start after terminal phase, ignored", "id", m.MessageID)
		return
	}

	id := m.MessageID
	if id == "" {
		id = message.NewID()
	}

	// Cumulative-snapshot protocols re-announce the target on every frame;
	// that must not defeat text coalescing.
	if id == r.currentID {
		if _, ok := r.index[id]; ok {
			return
		}
	}

	// Stale scratch state belongs to the previous target.
	r.flushLocked()

	if idx, ok := r.index[id]; ok {
		// Re-announcement of a known message: just retarget.
		r.currentID = r.msgs[idx].ID
	} else {
		k := m.Kind
		if !k.Valid() {
			k = kind.AI
		}
		r.appendLocked(message.New(id, k))
		r.currentID = id
	}

	if r.phase == PhaseIdle {
		r.phase = PhaseStreaming
	}

	r.bumpLocked()
}

func (r *Reconciler) applyTextLocked(m Mutation) {
	if m.MessageID != "" {
		if _, ok := r.index[m.MessageID]; ok && m.MessageID != r.currentID {
			r.flushLocked()
			r.currentID = m.MessageID
		}
	}

	idx := r.ensureTargetLocked()

	// The buffer is cumulative. A strictly shorter buffer than what is
	// stored is a reset signal: flush synchronously and replace wholesale
	// rather than risk painting a spliced diff.
	stored := r.pending
	if !r.hasPending {
		stored = r.msgs[idx].TextContent()
	}

	if len(m.Text) < len(stored) {
		r.stopTimerLocked()
		r.hasPending = false
		r.msgs[idx] = message.AppendText(r.msgs[idx], m.Text)
		r.bumpLocked()
		return
	}

	r.pending = m.Text
	r.hasPending = true
	r.armTimerLocked()
}

func (r *Reconciler) applyResultLocked(m Mutation) {
	flushed := r.hasPending
	r.flushLocked()

	// Prefer the current streaming target; fall back to scanning earlier
	// messages, newest first, since results may straggle across targets.
	if r.currentID != "" {
		idx := r.index[r.currentID]
		if updated, ok := message.AttachResult(r.msgs[idx], m.ToolCallID, m.Result, m.ResultIsError); ok {
			r.msgs[idx] = updated
			r.bumpLocked()
			return
		}
	}

	for i := len(r.msgs) - 1; i >= 0; i-- {
		if updated, ok := message.AttachResult(r.msgs[i], m.ToolCallID, m.Result, m.ResultIsError); ok {
			r.msgs[i] = updated
			r.bumpLocked()
			return
		}
	}

	// Result for a call this client never saw: dropped. Inventing a call
	// the model never made would misrepresent the transcript.
	r.log.Warn("tool result for unknown call, dropped", "tool_call_id", m.ToolCallID)
	if flushed {
		r.bumpLocked()
	}
}

func (r *Reconciler) applyReplaceLocked(m Mutation) {
	// The snapshot supersedes any buffered delta for the old list.
	r.stopTimerLocked()
	r.hasPending = false

	r.msgs = make([]message.Message, 0, len(m.Messages))
	r.index = make(map[string]int, len(m.Messages))
	for _, msg := range m.Messages {
		r.appendLocked(msg.Clone())
	}

	if _, ok := r.index[r.currentID]; !ok {
		r.currentID = ""
	}

	if r.phase == PhaseIdle {
		r.phase = PhaseStreaming
	}

	r.bumpLocked()
}

// ensureTargetLocked returns the index of the current streaming target,
// fabricating a placeholder AI message when a delta arrives before any
// message-start.
func (r *Reconciler) ensureTargetLocked() int {
	if r.currentID != "" {
		if idx, ok := r.index[r.currentID]; ok {
			return idx
		}
	}

	r.log.Warn("stream event before message start, fabricating target")

	id := message.NewID()
	r.appendLocked(message.New(id, kind.AI))
	r.currentID = id
	if r.phase == PhaseIdle {
		r.phase = PhaseStreaming
	}

	return r.index[id]
}

func (r *Reconciler) appendLocked(m message.Message) {
	if m.ID == "" {
		m.ID = message.NewID()
	}
	r.index[m.ID] = len(r.msgs)
	r.msgs = append(r.msgs, m)
}

// --- coalescing ---

func (r *Reconciler) armTimerLocked() {
	if r.armed {
		return
	}
	r.armed = true

	if r.timer == nil {
		r.timer = time.AfterFunc(r.flushEvery, r.flushTick)
		return
	}
	r.timer.Reset(r.flushEvery)
}

func (r *Reconciler) stopTimerLocked() {
	if r.armed {
		r.timer.Stop()
		r.armed = false
	}
}

func (r *Reconciler) flushTick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.armed = false
	if r.hasPending {
		r.flushLocked()
		r.bumpLocked()
	}
}

// flushLocked commits any buffered cumulative text to the current target.
// Callers that change phase or list shape bump the version themselves.
func (r *Reconciler) flushLocked() {
	if !r.hasPending {
		return
	}
	r.stopTimerLocked()

	idx := r.ensureTargetLocked()
	r.msgs[idx] = message.AppendText(r.msgs[idx], r.pending)
	r.pending = ""
	r.hasPending = false
}

func (r *Reconciler) bumpLocked() {
	r.version++
	close(r.signal)
	r.signal = make(chan struct{})
}

// --- lifecycle operations ---

// Seed replaces the message list with persisted history.
func (r *Reconciler) Seed(msgs []message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopTimerLocked()
	r.hasPending = false

	r.msgs = make([]message.Message, 0, len(msgs))
	r.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		r.appendLocked(m.Clone())
	}
	r.currentID = ""

	r.bumpLocked()
}

// AppendLocal appends optimistic messages created by the run controller.
func (r *Reconciler) AppendLocal(msgs ...message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
	for _, m := range msgs {
		r.appendLocked(m.Clone())
	}

	r.bumpLocked()
}

// BeginRun transitions into Streaming for a new submission, clearing any
// previous terminal state but keeping the transcript.
func (r *Reconciler) BeginRun() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
	r.phase = PhaseStreaming
	r.currentID = ""
	r.runID = ""
	r.err = nil

	r.bumpLocked()
}

// Abort marks the run aborted. Messages accumulated so far are retained.
func (r *Reconciler) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
	r.phase = PhaseAborted
	r.currentID = ""

	r.bumpLocked()
}

// Reset clears all state back to Idle. Buffered text is flushed first so it
// is never silently dropped mid-teardown.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()

	r.msgs = nil
	r.index = map[string]int{}
	r.phase = PhaseIdle
	r.currentID = ""
	r.runID = ""
	r.threadID = ""
	r.err = nil

	r.bumpLocked()
}

// ClearError drops a recorded failure without touching the transcript.
func (r *Reconciler) ClearError() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.err = nil
	if r.phase == PhaseFailed {
		r.phase = PhaseIdle
	}

	r.bumpLocked()
}

// Close flushes buffered text and stops the coalescing timer.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.flushLocked()
	r.stopTimerLocked()
	r.bumpLocked()
}

// --- observation ---

// Snapshot returns a deep-copied view of the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]message.Message, len(r.msgs))
	for i, m := range r.msgs {
		msgs[i] = m.Clone()
	}

	return Snapshot{
		Messages:  msgs,
		Phase:     r.phase,
		CurrentID: r.currentID,
		RunID:     r.runID,
		ThreadID:  r.threadID,
		Err:       r.err,
		Version:   r.version,
	}
}

// ThreadID returns the currently bound thread id, if any.
func (r *Reconciler) ThreadID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.threadID
}

// Wait blocks until the state version differs from the given one or the
// context is done. It returns the current version and ctx.Err() if the wait
// was cut short.
func (r *Reconciler) Wait(ctx context.Context, version uint64) (uint64, error) {
	for {
		r.mu.Lock()
		cur, sig := r.version, r.signal
		r.mu.Unlock()

		if cur != version {
			return cur, nil
		}

		select {
		case <-ctx.Done():
			return cur, ctx.Err()
		case <-sig:
		}
	}
}

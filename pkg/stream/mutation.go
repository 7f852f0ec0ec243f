package stream

import (
	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
)

// Op identifies the type of reconciler mutation.
type Op string

const (
	// OpStartMessage begins a new streaming target message.
	OpStartMessage Op = "start_message"
	// OpAppendText delivers the cumulative text buffer for the current target.
	OpAppendText Op = "append_text"
	// OpUpsertToolCall inserts or updates a tool call on the current target.
	OpUpsertToolCall Op = "upsert_tool_call"
	// OpAttachResult records a tool result by tool-call id.
	OpAttachResult Op = "attach_result"
	// OpReplaceSnapshot replaces the whole message list with a backend snapshot.
	OpReplaceSnapshot Op = "replace_snapshot"
	// OpSetRunID records the backend-assigned run id.
	OpSetRunID Op = "set_run_id"
	// OpSetThreadID records the backend-assigned thread id.
	OpSetThreadID Op = "set_thread_id"
	// OpRunFinished terminates the run successfully.
	OpRunFinished Op = "run_finished"
	// OpRunFailed terminates the run with an error, retaining partial output.
	OpRunFailed Op = "run_failed"
	// OpIgnore is emitted for wire events this client does not recognize.
	// The wire protocols are evolving supersets; unknown events are skipped,
	// never treated as errors.
	OpIgnore Op = "ignore"
)

// Mutation is the canonical message-model change implied by one wire event.
// Only the fields relevant to Op are set.
type Mutation struct {
	Op Op

	// MessageID identifies the message for StartMessage and AppendText.
	// Empty means "the current streaming target".
	MessageID string
	// Kind applies to StartMessage; zero value defaults to kind.AI.
	Kind kind.Kind

	// Text is the cumulative buffer for AppendText.
	Text string

	// ToolCall is the payload for UpsertToolCall.
	ToolCall content.ToolCall

	// ToolCallID, Result, and ResultIsError apply to AttachResult.
	ToolCallID    string
	Result        string
	ResultIsError bool

	// Messages is the payload for ReplaceSnapshot.
	Messages []message.Message

	RunID    string
	ThreadID string

	// Err is the failure cause for RunFailed.
	Err error
}

// Ignore is the mutation emitted for unrecognized wire events.
func Ignore() Mutation {
	return Mutation{Op: OpIgnore}
}

// Package message defines the canonical chat message and the pure operations
// the streaming reconciler applies to it.
package message

import (
	"strings"

	"github.com/google/uuid"

	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
)

// Message represents a single message in a conversation. It is a value type
// that copies cheaply; operations return new values rather than mutating in
// place. Kind is immutable after creation.
type Message struct {
	// ID is a stable opaque identifier, assigned by the client at creation
	// or by the backend on receipt.
	ID   string
	Kind kind.Kind

	// Parts is the ordered content of the message.
	Parts []content.Part

	// ToolCallID back-references the tool call a Tool-kind message answers.
	ToolCallID string
}

// NewID returns a fresh client-assigned message id.
func NewID() string {
	return uuid.NewString()
}

// New creates a message with the given id, kind, and content parts.
func New(id string, k kind.Kind, parts ...content.Part) Message {
	return Message{ID: id, Kind: k, Parts: parts}
}

// NewText creates a message with a single Text part.
func NewText(id string, k kind.Kind, text string) Message {
	return New(id, k, content.Text{Text: text})
}

// NewToolResult creates a Tool-kind message answering the given tool call.
func NewToolResult(id, toolCallID, text string) Message {
	m := NewText(id, kind.Tool, text)
	m.ToolCallID = toolCallID
	return m
}

// TextContent concatenates the text of all Text parts in the message.
func (m Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(content.Text); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolCalls returns all ToolCall parts in first-seen order.
func (m Message) ToolCalls() []content.ToolCall {
	var calls []content.ToolCall
	for _, p := range m.Parts {
		if tc, ok := p.(content.ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}

// UnansweredToolCalls returns the ToolCall parts that have no result yet.
func (m Message) UnansweredToolCalls() []content.ToolCall {
	var calls []content.ToolCall
	for _, tc := range m.ToolCalls() {
		if !tc.HasResult {
			calls = append(calls, tc)
		}
	}
	return calls
}

// Clone returns a deep copy of the message's Parts slice wrapped in a new
// Message, so that snapshot holders cannot alias reconciler state.
func (m Message) Clone() Message {
	cp := m
	if m.Parts != nil {
		cp.Parts = make([]content.Part, len(m.Parts))
		copy(cp.Parts, m.Parts)
	}
	return cp
}

// AppendText replaces the message's Text part content with the full
// cumulative buffer. Streaming protocols here send the whole joined text on
// every delta, so the stored text is swapped wholesale rather than
// concatenated. The Text part is replaced in place wherever it sits, so tool
// calls folded into Parts after it never split the cumulative buffer into
// duplicated segments. A message with no Text part gains one.
func AppendText(m Message, buffer string) Message {
	cp := m.Clone()

	for i := len(cp.Parts) - 1; i >= 0; i-- {
		if _, ok := cp.Parts[i].(content.Text); ok {
			cp.Parts[i] = content.Text{Text: buffer}
			return cp
		}
	}

	cp.Parts = append(cp.Parts, content.Text{Text: buffer})
	return cp
}

// UpsertToolCall inserts or replaces a tool call by its ID, preserving the
// relative order in which tool calls were first seen. Late partial-argument
// updates for a known id overwrite the existing part, never duplicate it.
// Empty Name/Args on the incoming call keep the stored values, so args-only
// and end-only wire events do not blank fields set by earlier events.
func UpsertToolCall(m Message, tc content.ToolCall) Message {
	cp := m.Clone()

	for i, p := range cp.Parts {
		if existing, ok := p.(content.ToolCall); ok && existing.ID == tc.ID {
			if tc.Name == "" {
				tc.Name = existing.Name
			}
			if tc.Args == "" {
				tc.Args = existing.Args
			}
			if existing.Done {
				tc.Done = true
			}
			// Keep a result that already arrived for this call.
			if existing.HasResult && !tc.HasResult {
				tc.Result = existing.Result
				tc.HasResult = true
				tc.ResultIsError = existing.ResultIsError
			}
			cp.Parts[i] = tc
			return cp
		}
	}

	cp.Parts = append(cp.Parts, tc)
	return cp
}

// AttachResult records the result for the tool call with the given id. An
// unknown id is a no-op: backend event ordering is not contractually
// guaranteed, and dropping the result is safer than inventing a call. The
// second return reports whether the id was found.
func AttachResult(m Message, toolCallID, result string, isError bool) (Message, bool) {
	cp := m.Clone()

	for i, p := range cp.Parts {
		if tc, ok := p.(content.ToolCall); ok && tc.ID == toolCallID {
			tc.Result = result
			tc.HasResult = true
			tc.ResultIsError = isError
			cp.Parts[i] = tc
			return cp, true
		}
	}

	return m, false
}

// Package content defines the content segments that make up a chat message.
package content

// Part is one segment of content within a message.
// External packages can implement this interface to add custom segment types.
type Part interface {
	PartKind() string
}

// Text is a plain text content segment.
type Text struct {
	Text string
}

func (t Text) PartKind() string { return "text" }

// Attachment is a multimodal content segment (image or file), referenced by
// URL or embedded as raw bytes.
type Attachment struct {
	MediaType string
	URL       string
	Data      []byte
}

func (a Attachment) PartKind() string { return "attachment" }

// ToolCall represents a backend agent's invocation of a tool, as streamed to
// the client. Args holds the raw accumulating JSON string; it is not
// guaranteed to parse until Done is set. Result is empty until a tool-result
// event arrives; HasResult distinguishes an empty result from a missing one.
type ToolCall struct {
	ID            string
	Name          string
	Args          string
	Done          bool
	Result        string
	HasResult     bool
	ResultIsError bool
}

func (tc ToolCall) PartKind() string { return "tool_call" }

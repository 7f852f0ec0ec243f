package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"

	"github.com/loomchat/loom/pkg/chats/content"
	"github.com/loomchat/loom/pkg/chats/kind"
	"github.com/loomchat/loom/pkg/chats/message"
	"github.com/loomchat/loom/pkg/stream"
)

// logoArt is displayed before the first message.
const logoArt = `
   __
  / /__  ___  __ _
 / / _ \/ _ \/  ' \
/_/\___/\___/_/_/_/
`

// chatViewModel renders the reconciler snapshot into a scrolling viewport.
// It holds no message state of its own; every snapshot repaints the whole
// transcript, which is what makes mid-stream edits (cumulative text, tool
// upserts) cheap to display.
type chatViewModel struct {
	viewport viewport.Model
	snapshot stream.Snapshot

	spinnerIdx int
	waitingMsg string

	width, height int
}

func newChatView() chatViewModel {
	return chatViewModel{viewport: viewport.New(0, 0)}
}

func (m *chatViewModel) setSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = w
	m.viewport.Height = h
	m.repaint()
}

func (m *chatViewModel) setSnapshot(snap stream.Snapshot) {
	if snap.Phase == stream.PhaseStreaming && m.snapshot.Phase != stream.PhaseStreaming {
		m.waitingMsg = randomWaitingMessage()
	}
	m.snapshot = snap
	m.repaint()
}

func (m *chatViewModel) advanceSpinner() {
	m.spinnerIdx++
	m.repaint()
}

func (m *chatViewModel) streaming() bool {
	return m.snapshot.Phase == stream.PhaseStreaming
}

func (m *chatViewModel) repaint() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m chatViewModel) View() string {
	if len(m.snapshot.Messages) == 0 && !m.streaming() {
		return dimStyle.Render(logoArt)
	}
	return m.viewport.View()
}

func (m chatViewModel) renderTranscript() string {
	var sb strings.Builder

	for _, msg := range m.snapshot.Messages {
		block := m.renderMessage(msg)
		if block == "" {
			continue
		}
		sb.WriteString("\n")
		sb.WriteString(block)
		sb.WriteString("\n")
	}

	if m.streaming() && m.snapshot.CurrentID == "" {
		frame := spinnerFrames[m.spinnerIdx%len(spinnerFrames)]
		fmt.Fprintf(&sb, "\n  %s %s\n",
			spinnerStyle.Render(frame),
			spinnerStyle.Render(m.waitingMsg),
		)
	}

	return sb.String()
}

func (m chatViewModel) renderMessage(msg message.Message) string {
	switch msg.Kind {
	case kind.Human:
		return renderUserMessage(msg.TextContent())
	case kind.Tool:
		// Results render inline under the call that produced them; a
		// standalone tool message only appears for history or synthesized
		// placeholders.
		return dimStyle.Render("  ⚙ " + truncate(msg.TextContent(), 80))
	default:
		return m.renderAssistantMessage(msg)
	}
}

func (m chatViewModel) renderAssistantMessage(msg message.Message) string {
	live := m.streaming() && msg.ID == m.snapshot.CurrentID

	var sb strings.Builder

	text := msg.TextContent()
	if text != "" {
		rendered := text
		if !live {
			// Glamour reflows text; the in-flight buffer is shown raw so
			// the last word doesn't jump around between deltas.
			rendered = renderMarkdown(text)
		}
		for i, line := range strings.Split(rendered, "\n") {
			if i == 0 {
				fmt.Fprintf(&sb, "\n %s%s", treeCorner, line)
			} else {
				fmt.Fprintf(&sb, "\n   %s", line)
			}
		}
		if live {
			sb.WriteString("▌")
		}
	}

	for _, tc := range msg.ToolCalls() {
		sb.WriteString("\n ")
		sb.WriteString(treeCorner)
		sb.WriteString(toolNameStyle.Render(tc.Name))
		if tc.Args != "" {
			sb.WriteString(dimStyle.Render("(" + truncate(tc.Args, 60) + ")"))
		}

		switch {
		case tc.HasResult && tc.ResultIsError:
			sb.WriteString(" " + toolErrorStyle.Render("✗ "+truncate(tc.Result, 60)))
		case tc.HasResult:
			sb.WriteString(" " + toolResultStyle.Render("✓ "+truncate(tc.Result, 60)))
		case tc.Done:
			frame := spinnerFrames[m.spinnerIdx%len(spinnerFrames)]
			sb.WriteString(" " + spinnerStyle.Render(frame))
		default:
			sb.WriteString(" " + dimStyle.Render("…"))
		}
	}

	for _, p := range msg.Parts {
		if att, ok := p.(content.Attachment); ok {
			sb.WriteString("\n ")
			sb.WriteString(treeCorner)
			sb.WriteString(dimStyle.Render("📎 " + att.MediaType))
		}
	}

	if sb.Len() == 0 && !live {
		// Placeholder with nothing streamed yet and no longer live.
		return ""
	}
	return answerPrefixStyle.Render("🤖 assistant") + sb.String()
}

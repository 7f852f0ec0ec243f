package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomchat/loom/pkg/run"
	"github.com/loomchat/loom/pkg/stream"
	"github.com/loomchat/loom/pkg/thread"
)

// appModel is the root bubbletea model.
type appModel struct {
	ctx     context.Context
	ctrl    *run.Controller
	rec     *stream.Reconciler
	binding *thread.Binding

	chatView  chatViewModel
	inputBox  inputModel
	statusBar statusBarModel

	cancelBridge context.CancelFunc
	width        int
	height       int
	sendStart    time.Time
}

func newAppModel(ctx context.Context, ctrl *run.Controller, rec *stream.Reconciler, binding *thread.Binding, backendName string) appModel {
	return appModel{
		ctx:       ctx,
		ctrl:      ctrl,
		rec:       rec,
		binding:   binding,
		chatView:  newChatView(),
		inputBox:  newInput(),
		statusBar: newStatusBar(backendName),
	}
}

func (m appModel) Init() tea.Cmd {
	// Delay focusing the input so that stale terminal escape-sequence
	// responses (e.g. OSC 11 background-color) are drained first.
	return tea.Tick(200*time.Millisecond, func(time.Time) tea.Msg {
		return initDrainMsg{}
	})
}

func (m appModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case initDrainMsg:
		cmd := m.inputBox.enable()
		return m, cmd

	case programReadyMsg:
		m.cancelBridge = startBridge(m.ctx, msg.program, m.rec)
		return m, nil

	case inputSubmitMsg:
		return m.handleSubmit(msg)

	case snapshotMsg:
		return m.handleSnapshot(msg.snapshot)

	case submitResultMsg:
		if msg.err != nil {
			m.statusBar.notice = msg.err.Error()
			cmd := m.inputBox.enable()
			return m, cmd
		}
		return m, nil

	case tickMsg:
		if m.chatView.streaming() {
			m.chatView.advanceSpinner()
			return m, tickCmd()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.inputBox, cmd = m.inputBox.Update(msg)
	return m, cmd
}

func (m appModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.chatView.View(),
		m.inputBox.View(),
		m.statusBar.View(),
	)
}

func (m *appModel) handleSnapshot(snap stream.Snapshot) (tea.Model, tea.Cmd) {
	wasStreaming := m.chatView.streaming()

	m.chatView.setSnapshot(snap)
	m.statusBar.snapshot = snap

	var cmd tea.Cmd
	switch {
	case snap.Phase == stream.PhaseStreaming && !wasStreaming:
		m.inputBox.disable()
		cmd = tickCmd()
	case snap.Phase.Terminal() && wasStreaming:
		if !m.sendStart.IsZero() {
			m.statusBar.duration = time.Since(m.sendStart)
		}
		cmd = m.inputBox.enable()
	case snap.Phase == stream.PhaseIdle && !m.inputBox.enabled:
		cmd = m.inputBox.enable()
	}

	m.recalcLayout()
	return m, cmd
}

func (m *appModel) handleResize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.height = msg.Height

	initMarkdownRenderer(m.width - 6)
	m.inputBox.setWidth(m.width)
	m.recalcLayout()

	return m, nil
}

func (m *appModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.ctrl.Stop()
		if m.cancelBridge != nil {
			m.cancelBridge()
		}
		return m, tea.Quit

	case tea.KeyEscape:
		if m.chatView.streaming() {
			m.ctrl.Stop()
			return m, nil
		}
		if m.statusBar.snapshot.Err != nil {
			m.ctrl.ClearError()
		}
		m.statusBar.notice = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.inputBox, cmd = m.inputBox.Update(msg)
	return m, cmd
}

func (m *appModel) handleSubmit(msg inputSubmitMsg) (tea.Model, tea.Cmd) {
	text := msg.text

	switch text {
	case "/quit", "/exit":
		m.ctrl.Stop()
		if m.cancelBridge != nil {
			m.cancelBridge()
		}
		return m, tea.Quit

	case "/help":
		m.statusBar.notice = ""
		m.chatView.viewport.SetContent(m.chatView.renderTranscript() + "\n" + helpText())
		return m, nil

	case "/new":
		m.ctrl.Stop()
		m.binding.Reset()
		m.rec.Reset()
		m.statusBar.notice = ""
		m.statusBar.duration = 0
		return m, nil

	case "/stop":
		m.ctrl.Stop()
		return m, nil

	case "/retry":
		if err := m.ctrl.Regenerate(m.ctx, ""); err != nil {
			m.statusBar.notice = err.Error()
			return m, nil
		}
		m.sendStart = time.Now()
		m.inputBox.disable()
		return m, tickCmd()
	}

	m.statusBar.notice = ""
	m.sendStart = time.Now()
	m.inputBox.disable()

	ctrl := m.ctrl
	ctx := m.ctx
	sendCmd := func() tea.Msg {
		return submitResultMsg{err: ctrl.Submit(ctx, text)}
	}

	return m, tea.Batch(sendCmd, tickCmd())
}

func (m *appModel) recalcLayout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	statusHeight := 1
	inputHeight := lipgloss.Height(m.inputBox.View())
	chatHeight := max(m.height-inputHeight-statusHeight, 1)
	m.chatView.setSize(m.width, chatHeight)
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func helpText() string {
	return dimStyle.Render(
		"Commands:\n" +
			"  /help          Show this help message\n" +
			"  /new           Start a new thread\n" +
			"  /stop          Stop the active run\n" +
			"  /retry         Regenerate the last response (where supported)\n" +
			"  /quit          Exit\n\n" +
			"Shortcuts:\n" +
			"  Enter          Submit message\n" +
			"  Alt+Enter      New line\n" +
			"  Esc            Stop run / dismiss error\n" +
			"  Ctrl+C         Exit",
	)
}

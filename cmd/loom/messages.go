package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loomchat/loom/pkg/stream"
)

// snapshotMsg delivers a fresh reconciler snapshot from the bridge goroutine.
type snapshotMsg struct {
	snapshot stream.Snapshot
}

// inputSubmitMsg carries the text the user submitted from the input box.
type inputSubmitMsg struct {
	text string
}

// submitResultMsg is returned by the tea.Cmd that starts a run.
type submitResultMsg struct {
	err error
}

// programReadyMsg passes the *tea.Program to the model so it can start the
// bridge goroutine.
type programReadyMsg struct {
	program *tea.Program
}

// initDrainMsg fires after a short delay so that stale terminal responses
// (e.g. OSC 11 background-color replies) are discarded before focusing input.
type initDrainMsg struct{}

// tickMsg drives spinner animation while a run streams.
type tickMsg time.Time

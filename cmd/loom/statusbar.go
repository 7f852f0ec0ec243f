package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/loomchat/loom/pkg/stream"
)

// statusBarModel shows the backend, thread binding, run phase and timing on
// one line, plus the active error if any.
type statusBarModel struct {
	backend  string
	snapshot stream.Snapshot
	duration time.Duration
	notice   string
}

func newStatusBar(backend string) statusBarModel {
	return statusBarModel{backend: backend}
}

func (m statusBarModel) View() string {
	if m.snapshot.Err != nil {
		return errorStyle.Render(" error: " + m.snapshot.Err.Error() + " (esc to dismiss)")
	}
	if m.notice != "" {
		return errorStyle.Render(" " + m.notice)
	}

	parts := []string{m.backend}

	if tid := m.snapshot.ThreadID; tid != "" {
		parts = append(parts, "thread "+shortID(tid))
	}
	if rid := m.snapshot.RunID; rid != "" {
		parts = append(parts, "run "+shortID(rid))
	}

	switch m.snapshot.Phase {
	case stream.PhaseStreaming:
		parts = append(parts, "streaming... (esc to stop)")
	case stream.PhaseAborted:
		parts = append(parts, "stopped")
	case stream.PhaseFinished:
		if m.duration > 0 {
			parts = append(parts, fmtDuration(m.duration))
		}
	}

	return statusStyle.Render(" " + strings.Join(parts, " · "))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return fmt.Sprintf("%s…", id[:8])
}

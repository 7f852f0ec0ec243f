package main

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loomchat/loom/pkg/stream"
)

// startBridge launches the snapshot watcher goroutine. It only calls
// p.Send() — it never touches model state directly. Returns a cancel
// function that stops the bridge and waits for the goroutine to exit, so no
// stale messages are sent after return.
func startBridge(ctx context.Context, p *tea.Program, rec *stream.Reconciler) context.CancelFunc {
	bridgeCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Go(func() {
		var version uint64
		for {
			v, err := rec.Wait(bridgeCtx, version)
			version = v

			// Deliver the final snapshot even when cancelled, so the last
			// flush is never dropped from the screen.
			p.Send(snapshotMsg{snapshot: rec.Snapshot()})

			if err != nil {
				return
			}
		}
	})

	return func() {
		cancel()
		wg.Wait()
	}
}

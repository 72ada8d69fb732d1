package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// fallbackLoop runs the HTTP fallback on a fixed interval while the realtime
// channel is not open and the network is up.
func (e *Engine) fallbackLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			online := e.online
			e.mu.Unlock()
			if !ShouldRunHTTPFallbackSync(e.manager.State() == conn.Open, online) {
				continue
			}
			if err := e.SyncOverHTTP(e.ctx); err != nil {
				e.logger.Printf("Warning: HTTP sync failed: %v", err)
			}
		}
	}
}

// SyncOverHTTP runs one round of the HTTP fallback. With local work pending
// it pushes the whole local snapshot as the version after the fetched one.
// Work queued against a base the server has since moved past is first
// rebased onto the fetched state, so the push never drops keys written by
// other clients. An accepted push settles the queue; a stale or conflicting
// one, meaning the server moved again in between, rebases onto the server.
// Without local work it hydrates when the checksums differ.
func (e *Engine) SyncOverHTTP(ctx context.Context) error {
	state, err := e.client.Fetch(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.absorbPersistedLocked()
	if d, ok := e.takePending(); ok {
		e.queue.Enqueue(d)
		e.persistQueueLocked()
	}
	if e.queue.Empty() {
		defer e.mu.Unlock()
		if e.localChecksum() != state.Checksum {
			return e.adoptLocked(state)
		}
		e.noteServerLocked(state)
		return nil
	}
	if ShouldRebaseBeforePush(e.meta.ServerChecksum, state.Checksum) {
		e.logger.Printf("Server moved to v%d since the last sync, rebasing before push", state.Version)
		if err := e.adoptLocked(state); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	local, err := e.store.Snapshot()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	version := state.Version + 1
	e.mu.Unlock()

	resp, err := e.client.Push(ctx, protocol.PushRequest{Version: version, Snapshot: local})
	if err != nil {
		return err
	}
	if !resp.Status.Accepted() {
		e.logger.Printf("HTTP push of v%d returned %s, rebasing", version, resp.Status)
		return e.recoverFromServer(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger.Printf("HTTP push of v%d returned %s", version, resp.Status)
	return e.settleLocked(local, resp.State)
}

// settleLocked makes pushed the acknowledged base: whatever changed locally
// since it was captured becomes the new queue.
func (e *Engine) settleLocked(pushed snapshot.Snapshot, state protocol.ServerState) error {
	var ops []protocol.Operation
	err := e.store.Apply(func(w *localstore.Writer) error {
		current, err := w.Snapshot()
		if err != nil {
			return err
		}
		e.takePending()
		ops = e.store.Filter().Diff(pushed, current)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to settle queue: %w", err)
	}

	checksum := state.Checksum
	if checksum == "" {
		checksum = snapshot.Checksum(pushed)
	}
	e.queue.Reset()
	if len(ops) > 0 {
		e.queue.Enqueue(protocol.Differential{
			RequestID:    protocol.NewRequestID(),
			BaseChecksum: checksum,
			Operations:   ops,
		})
	}
	e.persistQueueLocked()
	state.Checksum = checksum
	e.noteServerLocked(state)
	return nil
}

// startupSync applies the server state fetched at startup when it is newer,
// or the local store is blank, and nothing local is pending.
func (e *Engine) startupSync(ctx context.Context) error {
	state, err := e.client.Fetch(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.absorbPersistedLocked()
	local, err := e.store.Snapshot()
	if err != nil {
		return err
	}
	in := StartupInput{
		LocalVersion:     e.meta.ServerVersion,
		ServerVersion:    state.Version,
		LocalChecksum:    snapshot.Checksum(local),
		ServerChecksum:   state.Checksum,
		QueueLength:      e.queue.Len(),
		HasPendingBatch:  e.pendingOps() > 0,
		LocalEntryCount:  len(local),
		ServerEntryCount: len(state.Snapshot),
	}
	if !ShouldApplyStartupServerState(in) {
		return nil
	}
	e.logger.Printf("Applying server state v%d at startup", state.Version)
	return e.adoptLocked(state)
}

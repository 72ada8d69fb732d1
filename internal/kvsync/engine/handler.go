package engine

import (
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// handler adapts the engine to conn.Handler. Callbacks run on the manager's
// goroutine one at a time.
type handler struct {
	e *Engine
}

func (h *handler) OnOpen(endpoint string) {
	// the queue is flushed once the welcome has been reconciled
	h.e.logger.Printf("Realtime channel open on %s", endpoint)
}

func (h *handler) OnClose(err error, state conn.State, retryIn time.Duration) {
	e := h.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if id := e.queue.InFlight(); id != "" && e.queue.ReleaseOnClose() {
		e.logger.Printf("Request %s abandoned with its channel, will resend", id)
	}
	if e.offlineSince.IsZero() {
		e.offlineSince = time.Now()
	}
}

func (h *handler) OnMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		return
	}
	e := h.e
	switch env.Type {
	case protocol.TypeWelcome:
		e.handleWelcome(env.Welcome)
	case protocol.TypeApplied:
		e.handleApplied(env.Applied)
	case protocol.TypeAck:
		e.mu.Lock()
		clientID := e.clientID
		e.mu.Unlock()
		e.handleApplied(&protocol.Applied{
			Type:           protocol.TypeApplied,
			RequestID:      env.Ack.RequestID,
			OriginClientID: clientID,
			State:          env.Ack.State,
		})
	case protocol.TypeChecksumMismatch:
		e.handleChecksumMismatch(env.ChecksumMismatch)
	}
}

// handleWelcome reconciles with the state announced on a new connection:
// rebase when local work is pending and checksums differ, hydrate when
// nothing is pending, otherwise nothing.
func (e *Engine) handleWelcome(m *protocol.Welcome) {
	e.mu.Lock()
	e.clientID = m.ClientID
	// nothing sent on an earlier channel is answered on this one
	e.queue.ClearInFlight()
	e.absorbPersistedLocked()
	in := WelcomeInput{
		LocalChecksum:   e.localChecksum(),
		ServerChecksum:  m.State.Checksum,
		QueueLength:     e.queue.Len(),
		HasPendingBatch: e.pendingOps() > 0,
		ServerSnapshot:  m.State.Snapshot,
	}

	fetch := false
	switch {
	case ShouldRebaseQueueFromWelcomeSnapshotImmediately(in), ShouldApplyWelcomeSnapshotImmediately(in):
		if err := e.adoptLocked(m.State); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
	case ShouldRebaseQueueFromServerOnWelcome(in), ShouldHydrateFromServerOnWelcome(in):
		e.noteServerLocked(m.State)
		fetch = true
	default:
		e.noteServerLocked(m.State)
	}
	e.mu.Unlock()

	if fetch {
		if err := e.recoverFromServer(e.ctx); err != nil {
			e.logger.Printf("Warning: failed to reconcile with server: %v", err)
		}
	}
	e.Flush()
}

// handleApplied acknowledges this client's request or applies another
// client's operations, then verifies the local checksum against the
// server's and recovers on divergence. While a request is in flight the
// check waits for its outcome: local state then legitimately includes
// operations the server has not seen yet.
func (e *Engine) handleApplied(m *protocol.Applied) {
	e.mu.Lock()
	own := m.OriginClientID != "" && m.OriginClientID == e.clientID
	if own {
		if e.queue.Acknowledge(m.RequestID) {
			e.persistQueueLocked()
			e.logger.Printf("Acknowledged %s (v%d)", m.RequestID, m.State.Version)
		}
	} else if len(m.Operations) > 0 {
		err := e.store.Apply(func(w *localstore.Writer) error {
			return w.ApplyOperations(m.Operations)
		})
		if err != nil {
			e.logger.Printf("Warning: failed to apply remote operations: %v", err)
		}
	}
	e.noteServerLocked(m.State)
	diverged := ShouldRecoverAfterApplied(e.localChecksum(), m.State.Checksum, e.queue.InFlight())
	e.mu.Unlock()

	if diverged {
		if err := e.recoverFromServer(e.ctx); err != nil {
			e.logger.Printf("Warning: failed to reconcile with server: %v", err)
		}
	}
	e.Flush()
}

// handleChecksumMismatch drops the rejected request's in-flight marker,
// rebases onto the server state and retries shortly. A rejection of anything
// but the request in flight is stale and ignored.
func (e *Engine) handleChecksumMismatch(m *protocol.ChecksumMismatch) {
	e.mu.Lock()
	if inFlight := e.queue.InFlight(); inFlight == "" || m.RequestID != inFlight {
		e.mu.Unlock()
		e.logger.Printf("Ignoring checksum mismatch for %s (in flight: %q)", m.RequestID, inFlight)
		return
	}
	e.logger.Printf("Server rejected %s: base checksum is stale", m.RequestID)
	e.queue.ClearInFlight()
	inline := m.State.Snapshot != nil
	if inline {
		if err := e.adoptLocked(m.State); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
	}
	e.mu.Unlock()

	if !inline {
		if err := e.recoverFromServer(e.ctx); err != nil {
			e.logger.Printf("Warning: failed to reconcile with server: %v", err)
		}
	}

	e.mu.Lock()
	e.scheduleFlushLocked()
	e.mu.Unlock()
}

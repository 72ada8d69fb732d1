package engine

import (
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/queue"
)

// pendingBatch accumulates recorded operations during the debounce window.
// Its base checksum is the one recorded with the first operation.
type pendingBatch struct {
	baseChecksum string
	ops          []protocol.Operation
}

// record is the store's recorder. It runs with the store locked, so it only
// touches batchMu.
func (e *Engine) record(op protocol.Operation, baseChecksum string) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	if e.pending == nil {
		e.pending = &pendingBatch{baseChecksum: baseChecksum}
	}
	e.pending.ops = queue.Coalesce(e.pending.ops, []protocol.Operation{op})

	if e.batchTimer != nil {
		e.batchTimer.Stop()
	}
	e.batchTimer = time.AfterFunc(e.config.BatchDebounce, e.commitPending)
}

// commitPending turns the pending batch into a queued differential and
// flushes.
func (e *Engine) commitPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if d, ok := e.takePending(); ok {
		e.queue.Enqueue(d)
		e.persistQueueLocked()
		e.logger.Printf("Queued differential %s (%d ops)", d.RequestID, len(d.Operations))
	}
	e.flushLocked()
}

// takePending removes the pending batch and returns it as a differential.
func (e *Engine) takePending() (protocol.Differential, bool) {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	p := e.pending
	e.pending = nil
	if p == nil || len(p.ops) == 0 {
		return protocol.Differential{}, false
	}
	return protocol.Differential{
		RequestID:    protocol.NewRequestID(),
		BaseChecksum: p.baseChecksum,
		Operations:   p.ops,
	}, true
}

func (e *Engine) pendingOps() int {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()
	if e.pending == nil {
		return 0
	}
	return len(e.pending.ops)
}

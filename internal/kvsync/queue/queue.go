package queue

import (
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// Queue is the ordered list of differentials awaiting acknowledgement plus
// the marker of the request currently in flight. At most one request is in
// flight; a batch request covers the first inFlightCount entries.
//
// Queue is not safe for concurrent use; the engine serializes access.
type Queue struct {
	entries       []protocol.Differential
	inFlight      string
	inFlightCount int
	batch         bool
}

// New returns a queue holding entries with nothing in flight.
func New(entries []protocol.Differential) *Queue {
	q := &Queue{}
	q.Replace(entries)
	return q
}

// Len returns the number of queued differentials.
func (q *Queue) Len() int { return len(q.entries) }

// Empty reports whether nothing is queued.
func (q *Queue) Empty() bool { return len(q.entries) == 0 }

// Entries returns a deep copy of the queued differentials.
func (q *Queue) Entries() []protocol.Differential {
	out := make([]protocol.Differential, len(q.entries))
	for i, d := range q.entries {
		out[i] = d.Clone()
	}
	return out
}

// Head returns the first queued differential.
func (q *Queue) Head() (protocol.Differential, bool) {
	if len(q.entries) == 0 {
		return protocol.Differential{}, false
	}
	return q.entries[0].Clone(), true
}

// Enqueue merges d into the queue without touching entries already sent.
func (q *Queue) Enqueue(d protocol.Differential) {
	q.entries = mergeAfter(q.entries, d, q.locked())
}

// locked returns how many leading entries belong to the in-flight request.
func (q *Queue) locked() int {
	if q.inFlight == "" {
		return 0
	}
	if q.batch {
		return min(q.inFlightCount, len(q.entries))
	}
	for i, d := range q.entries {
		if d.RequestID == q.inFlight {
			return i + 1
		}
	}
	return 0
}

// InFlightLen returns how many leading entries the in-flight request covers.
func (q *Queue) InFlightLen() int { return q.locked() }

// InFlight returns the in-flight request id, or "" when nothing is outstanding.
func (q *Queue) InFlight() string { return q.inFlight }

// InFlightBatch reports whether the in-flight request is a batch.
func (q *Queue) InFlightBatch() bool { return q.inFlight != "" && q.batch }

// MarkInFlight records that the head differential with id has been sent.
func (q *Queue) MarkInFlight(id string) {
	q.inFlight = id
	q.inFlightCount = 1
	q.batch = false
}

// MarkBatchInFlight records that the first n entries were sent as batch id.
func (q *Queue) MarkBatchInFlight(id string, n int) {
	q.inFlight = id
	q.inFlightCount = n
	q.batch = true
}

// ClearInFlight makes the outstanding request eligible for resend.
func (q *Queue) ClearInFlight() {
	q.inFlight = ""
	q.inFlightCount = 0
	q.batch = false
}

// Acknowledge removes the entries covered by the in-flight request when id
// matches it. It reports whether anything was acknowledged.
func (q *Queue) Acknowledge(id string) bool {
	if id == "" || id != q.inFlight {
		return false
	}
	if q.batch {
		q.RemoveFirst(q.inFlightCount)
	} else {
		for i, d := range q.entries {
			if d.RequestID == id {
				q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
				break
			}
		}
	}
	q.ClearInFlight()
	return true
}

// RemoveFirst drops the first n entries.
func (q *Queue) RemoveFirst(n int) {
	if n >= len(q.entries) {
		q.entries = nil
		return
	}
	if n > 0 {
		q.entries = append([]protocol.Differential(nil), q.entries[n:]...)
	}
}

// Replace swaps the queued entries, dropping differentials with no operations.
// The in-flight marker is left as is.
func (q *Queue) Replace(entries []protocol.Differential) {
	q.entries = nil
	for _, d := range entries {
		d = protocol.NormalizeDifferential(d)
		if len(d.Operations) == 0 {
			continue
		}
		q.entries = append(q.entries, d.Clone())
	}
}

// Reset empties the queue and clears the in-flight marker.
func (q *Queue) Reset() {
	q.entries = nil
	q.ClearInFlight()
}

// Contains reports whether a queued differential has request id.
func (q *Queue) Contains(id string) bool {
	for _, d := range q.entries {
		if d.RequestID == id {
			return true
		}
	}
	return false
}

// ReleaseOnClose clears the in-flight marker when the channel that carried
// it has closed and the request can be resent. It reports whether the
// marker was cleared.
func (q *Queue) ReleaseOnClose() bool {
	if q.inFlight == "" {
		return false
	}
	head := ""
	if len(q.entries) > 0 {
		head = q.entries[0].RequestID
	}
	if q.batch || ShouldReplayInFlightOnClose(q.inFlight, head) || !q.Contains(q.inFlight) {
		q.ClearInFlight()
		return true
	}
	return false
}

// ShouldReplayInFlightOnClose reports whether a request still outstanding
// when its channel closed is the queue head and should be resent.
func ShouldReplayInFlightOnClose(inFlightID, headID string) bool {
	return inFlightID != "" && inFlightID == headID
}

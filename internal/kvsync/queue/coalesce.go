// Package queue holds the ordered list of differentials awaiting delivery,
// the coalescing rules that bound its growth and its persisted form.
package queue

import (
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// Coalesce merges existing and next into a minimal operation list. The last
// write to a key wins and keeps the position of the key's first appearance.
// A clear anywhere discards everything before it, so the result is either
// free of clears or starts with exactly one.
func Coalesce(existing, next []protocol.Operation) []protocol.Operation {
	all := make([]protocol.Operation, 0, len(existing)+len(next))
	all = append(all, existing...)
	all = append(all, next...)
	all = protocol.NormalizeOperations(all)

	start := 0
	cleared := false
	for i, op := range all {
		if op.Type == protocol.OpClear {
			start = i + 1
			cleared = true
		}
	}

	out := make([]protocol.Operation, 0, len(all)-start+1)
	if cleared {
		out = append(out, protocol.Clear())
	}
	index := make(map[string]int)
	for _, op := range all[start:] {
		if i, ok := index[op.Key]; ok {
			out[i] = op
			continue
		}
		index[op.Key] = len(out)
		out = append(out, op)
	}
	return out
}

// MergeQueuedDifferentials appends next to queue.
//
// An empty queue becomes [next]. Without an in-flight request everything
// collapses into one entry that keeps the first request id and the first
// known base checksum. With an in-flight request, entries up to and including
// it are left untouched and only the tail after it is coalesced with next.
func MergeQueuedDifferentials(queue []protocol.Differential, next protocol.Differential, inFlightID string) []protocol.Differential {
	locked := 0
	if inFlightID != "" {
		for i, d := range queue {
			if d.RequestID == inFlightID {
				locked = i + 1
				break
			}
		}
	}
	return mergeAfter(queue, next, locked)
}

// mergeAfter coalesces next into the entries following the first locked ones.
func mergeAfter(queue []protocol.Differential, next protocol.Differential, locked int) []protocol.Differential {
	next = protocol.NormalizeDifferential(next)
	if locked > len(queue) {
		locked = len(queue)
	}

	out := make([]protocol.Differential, 0, locked+1)
	for _, d := range queue[:locked] {
		out = append(out, d.Clone())
	}

	tail := queue[locked:]
	if len(tail) == 0 {
		return append(out, next)
	}

	merged := protocol.Differential{
		RequestID:    tail[0].RequestID,
		BaseChecksum: firstBaseChecksum(append(tail[:len(tail):len(tail)], next)),
	}
	for _, d := range tail {
		merged.Operations = Coalesce(merged.Operations, d.Operations)
	}
	merged.Operations = Coalesce(merged.Operations, next.Operations)
	if merged.RequestID == "" {
		merged.RequestID = next.RequestID
	}
	return append(out, merged)
}

func firstBaseChecksum(diffs []protocol.Differential) string {
	for _, d := range diffs {
		if d.BaseChecksum != "" {
			return d.BaseChecksum
		}
	}
	return ""
}

// Collapse flattens every queued differential into one. It returns nil for an
// empty queue.
func Collapse(queue []protocol.Differential) []protocol.Differential {
	if len(queue) == 0 {
		return nil
	}
	return mergeAfter(queue[:len(queue)-1], queue[len(queue)-1], 0)
}

// ShrinkForStorage collapses queue and keeps the latter half of its
// operations. Callers repeat it until the persisted form fits.
func ShrinkForStorage(queue []protocol.Differential) []protocol.Differential {
	collapsed := Collapse(queue)
	if len(collapsed) == 0 {
		return []protocol.Differential{}
	}
	d := collapsed[0]
	ops := d.Operations
	d.Operations = append([]protocol.Operation(nil), ops[len(ops)-len(ops)/2:]...)
	return []protocol.Differential{d}
}

// TotalOperations counts the operations across queue.
func TotalOperations(queue []protocol.Differential) int {
	n := 0
	for _, d := range queue {
		n += len(d.Operations)
	}
	return n
}

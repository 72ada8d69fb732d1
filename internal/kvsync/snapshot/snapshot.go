// Package snapshot captures the synchronizable key/value state, computes its
// checksum and derives the operations that transform one snapshot into another.
package snapshot

import (
	"sort"
	"unicode/utf16"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
)

// Snapshot maps every synchronized key to its value. Order is irrelevant.
type Snapshot map[string]string

// Clone returns an independent copy of s. A nil snapshot clones to an empty one.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether s and other hold exactly the same entries.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// SortedKeys returns the keys of s in canonical order.
func (s Snapshot) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// sortKeys orders keys by UTF-16 code units. This is the canonical order;
// it is not locale order, so "B" sorts before "a".
func sortKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})
}

func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

// Apply returns the result of applying ops to s. s itself is not modified.
func Apply(s Snapshot, ops []protocol.Operation) Snapshot {
	next := s.Clone()
	for _, op := range ops {
		switch op.Type {
		case protocol.OpClear:
			for k := range next {
				delete(next, k)
			}
		case protocol.OpSet:
			if op.Key != "" {
				next[op.Key] = op.Value
			}
		case protocol.OpRemove:
			delete(next, op.Key)
		}
	}
	return next
}

// BuildDifferentialOperations returns the operations that transform prev into
// next, ignoring keys the default filter excludes from synchronization.
func BuildDifferentialOperations(prev, next Snapshot) []protocol.Operation {
	return defaultFilter.Diff(prev, next)
}

// Diff returns the minimal set/remove operations transforming prev into next
// for keys f allows. Sets come first, then removes, each in canonical key order.
func (f *KeyFilter) Diff(prev, next Snapshot) []protocol.Operation {
	var ops []protocol.Operation
	for _, k := range next.SortedKeys() {
		if !f.ShouldSync(k) {
			continue
		}
		if pv, ok := prev[k]; !ok || pv != next[k] {
			ops = append(ops, protocol.Set(k, next[k]))
		}
	}
	for _, k := range prev.SortedKeys() {
		if !f.ShouldSync(k) {
			continue
		}
		if _, ok := next[k]; !ok {
			ops = append(ops, protocol.Remove(k))
		}
	}
	return ops
}

// Filter returns the entries of s that f allows.
func (f *KeyFilter) Filter(s Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		if f.ShouldSync(k) {
			out[k] = v
		}
	}
	return out
}

package snapshot

import (
	"encoding/json"
	"time"
)

// MergeObjectValues merges two JSON objects whose values are timestamps,
// keeping the later timestamp for keys present in both. When either side is
// not a JSON object, incoming wins.
func MergeObjectValues(existing, incoming string) string {
	var local, remote map[string]any
	if json.Unmarshal([]byte(existing), &local) != nil || local == nil {
		return incoming
	}
	if json.Unmarshal([]byte(incoming), &remote) != nil || remote == nil {
		return incoming
	}

	merged := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}
	for k, rv := range remote {
		lv, ok := merged[k]
		if !ok || laterTimestamp(rv, lv) {
			merged[k] = rv
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return incoming
	}
	return string(out)
}

// laterTimestamp reports whether a is strictly later than b. Values that are
// not RFC 3339 timestamps never win over an existing entry.
func laterTimestamp(a, b any) bool {
	as, ok := a.(string)
	if !ok {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, as)
	if err != nil {
		return false
	}
	bs, ok := b.(string)
	if !ok {
		return true
	}
	bt, err := time.Parse(time.RFC3339Nano, bs)
	if err != nil {
		return true
	}
	return at.After(bt)
}

// ResolveIncomingValue returns the value to store for key when the server
// sends incoming and the device currently holds existing.
func (f *KeyFilter) ResolveIncomingValue(key, incoming, existing string, hasExisting bool) string {
	if !hasExisting || !f.IsMergeKey(key) {
		return incoming
	}
	return MergeObjectValues(existing, incoming)
}

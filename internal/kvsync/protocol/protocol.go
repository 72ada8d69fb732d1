// Package protocol defines the operations, differentials and wire messages
// exchanged between a replicating client and the authoritative server.
//
// All realtime messages are JSON text frames with a "type" discriminator:
//
//	client -> server: sync-differential, sync-differential-batch
//	server -> client: sync-welcome, sync-checksum-mismatch,
//	                  sync-differential-applied, sync-ack
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OpType identifies the kind of an Operation.
type OpType string

const (
	// OpSet writes a value under a key.
	OpSet OpType = "set"
	// OpRemove deletes a key.
	OpRemove OpType = "remove"
	// OpClear deletes every synchronized key.
	OpClear OpType = "clear"
)

// Operation is a single mutation of the replicated key/value state.
// Key and Value are meaningful only for the types that use them.
type Operation struct {
	Type  OpType `json:"type"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

// Set returns a set operation.
func Set(key, value string) Operation {
	return Operation{Type: OpSet, Key: key, Value: value}
}

// Remove returns a remove operation.
func Remove(key string) Operation {
	return Operation{Type: OpRemove, Key: key}
}

// Clear returns a clear operation.
func Clear() Operation {
	return Operation{Type: OpClear}
}

// MarshalJSON always emits "value" for set operations, including empty strings.
func (op Operation) MarshalJSON() ([]byte, error) {
	switch op.Type {
	case OpSet:
		return json.Marshal(struct {
			Type  OpType `json:"type"`
			Key   string `json:"key"`
			Value string `json:"value"`
		}{op.Type, op.Key, op.Value})
	case OpRemove:
		return json.Marshal(struct {
			Type OpType `json:"type"`
			Key  string `json:"key"`
		}{op.Type, op.Key})
	default:
		return json.Marshal(struct {
			Type OpType `json:"type"`
		}{op.Type})
	}
}

// Valid reports whether the operation is well formed.
func (op Operation) Valid() bool {
	switch op.Type {
	case OpClear:
		return true
	case OpSet, OpRemove:
		return op.Key != ""
	default:
		return false
	}
}

func (op Operation) String() string {
	switch op.Type {
	case OpSet:
		return fmt.Sprintf("set(%s)", op.Key)
	case OpRemove:
		return fmt.Sprintf("remove(%s)", op.Key)
	default:
		return string(op.Type)
	}
}

// NormalizeOperations drops malformed operations and canonicalizes the rest.
func NormalizeOperations(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if !op.Valid() {
			continue
		}
		switch op.Type {
		case OpSet:
			out = append(out, Set(op.Key, op.Value))
		case OpRemove:
			out = append(out, Remove(op.Key))
		default:
			out = append(out, Clear())
		}
	}
	return out
}

// Differential is a named, checksummed set of operations.
//
// RequestID correlates server acknowledgements. BaseChecksum is the checksum
// of the snapshot the operations were computed against, or empty if unknown.
type Differential struct {
	RequestID    string      `json:"requestId"`
	BaseChecksum string      `json:"baseChecksum"`
	Operations   []Operation `json:"operations"`
}

// NewRequestID returns a globally unique request token.
func NewRequestID() string {
	return "sync-" + uuid.NewString()
}

// NormalizeDifferential fills in a missing request id and drops malformed operations.
func NormalizeDifferential(d Differential) Differential {
	if d.RequestID == "" {
		d.RequestID = NewRequestID()
	}
	d.Operations = NormalizeOperations(d.Operations)
	return d
}

// Clone returns a deep copy of the differential.
func (d Differential) Clone() Differential {
	ops := make([]Operation, len(d.Operations))
	copy(ops, d.Operations)
	d.Operations = ops
	return d
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// MessageType is the "type" discriminator of a realtime frame.
type MessageType string

const (
	TypeWelcome           MessageType = "sync-welcome"
	TypeDifferential      MessageType = "sync-differential"
	TypeDifferentialBatch MessageType = "sync-differential-batch"
	TypeChecksumMismatch  MessageType = "sync-checksum-mismatch"
	TypeApplied           MessageType = "sync-differential-applied"
	TypeAck               MessageType = "sync-ack"
)

// ErrMalformed is returned by Decode for frames that are not JSON objects
// with a string "type" field.
var ErrMalformed = errors.New("malformed message")

// ServerState describes the authoritative state. Snapshot is only present
// when the server chooses to inline it.
type ServerState struct {
	Version   int64             `json:"version"`
	Checksum  string            `json:"checksum"`
	Snapshot  map[string]string `json:"snapshot,omitempty"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

// UnmarshalJSON accepts snapshot values of any JSON type and stores each as
// a string: numbers in shortest decimal form, booleans and null as their
// literals, objects and arrays as compact JSON.
func (s *ServerState) UnmarshalJSON(data []byte) error {
	type plain ServerState
	var raw struct {
		plain
		Snapshot map[string]json.RawMessage `json:"snapshot,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ServerState(raw.plain)
	s.Snapshot = nil
	if raw.Snapshot == nil {
		return nil
	}
	s.Snapshot = make(map[string]string, len(raw.Snapshot))
	for k, v := range raw.Snapshot {
		value, err := snapshotValue(v)
		if err != nil {
			return fmt.Errorf("failed to decode snapshot value %q: %w", k, err)
		}
		s.Snapshot[k] = value
	}
	return nil
}

func snapshotValue(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch v := v.(type) {
	case string:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return v.String(), nil
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case nil:
		return "null", nil
	default:
		var b bytes.Buffer
		if err := json.Compact(&b, raw); err != nil {
			return "", err
		}
		return b.String(), nil
	}
}

// Welcome is sent once per connection.
type Welcome struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"clientId"`
	State    ServerState `json:"state"`
}

// DifferentialMessage submits a single differential.
type DifferentialMessage struct {
	Type         MessageType `json:"type"`
	RequestID    string      `json:"requestId"`
	BaseChecksum string      `json:"baseChecksum"`
	Operations   []Operation `json:"operations"`
}

// BatchMessage submits several queued differentials as one unit.
type BatchMessage struct {
	Type      MessageType    `json:"type"`
	RequestID string         `json:"requestId"`
	Diffs     []Differential `json:"diffs"`
}

// ChecksumMismatch reports that a submitted base checksum no longer matches.
type ChecksumMismatch struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	State     ServerState `json:"state"`
}

// Applied acknowledges (and broadcasts) an applied differential or batch.
type Applied struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"requestId,omitempty"`
	OriginClientID string      `json:"originClientId"`
	Operations     []Operation `json:"operations,omitempty"`
	State          ServerState `json:"state"`
}

// Ack acknowledges a differential that changed nothing.
type Ack struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	State     ServerState `json:"state"`
}

// NewDifferentialMessage wraps d for transmission.
func NewDifferentialMessage(d Differential) DifferentialMessage {
	return DifferentialMessage{
		Type:         TypeDifferential,
		RequestID:    d.RequestID,
		BaseChecksum: d.BaseChecksum,
		Operations:   d.Operations,
	}
}

// NewBatchMessage wraps diffs for transmission under a fresh request id.
func NewBatchMessage(diffs []Differential) BatchMessage {
	return BatchMessage{
		Type:      TypeDifferentialBatch,
		RequestID: "batch-" + uuid.NewString(),
		Diffs:     diffs,
	}
}

// Envelope is a decoded inbound frame. Exactly one payload field is set,
// matching Type; unknown types leave all payloads nil.
type Envelope struct {
	Type             MessageType
	Welcome          *Welcome
	Differential     *DifferentialMessage
	Batch            *BatchMessage
	ChecksumMismatch *ChecksumMismatch
	Applied          *Applied
	Ack              *Ack
}

// Decode parses a text frame.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return Envelope{}, ErrMalformed
	}

	env := Envelope{Type: head.Type}
	var err error
	switch head.Type {
	case TypeWelcome:
		env.Welcome = &Welcome{}
		err = json.Unmarshal(data, env.Welcome)
	case TypeDifferential:
		env.Differential = &DifferentialMessage{}
		err = json.Unmarshal(data, env.Differential)
	case TypeDifferentialBatch:
		env.Batch = &BatchMessage{}
		err = json.Unmarshal(data, env.Batch)
	case TypeChecksumMismatch:
		env.ChecksumMismatch = &ChecksumMismatch{}
		err = json.Unmarshal(data, env.ChecksumMismatch)
	case TypeApplied:
		env.Applied = &Applied{}
		err = json.Unmarshal(data, env.Applied)
	case TypeAck:
		env.Ack = &Ack{}
		err = json.Unmarshal(data, env.Ack)
	}
	if err != nil {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// SyncStatus is the outcome of an HTTP snapshot push.
type SyncStatus string

const (
	StatusServerUpdated    SyncStatus = "server-updated"
	StatusInSync           SyncStatus = "in-sync"
	StatusClientStale      SyncStatus = "client-stale"
	StatusChecksumConflict SyncStatus = "checksum-conflict"
)

// Accepted reports whether the server now holds the pushed snapshot.
func (s SyncStatus) Accepted() bool {
	return s == StatusServerUpdated || s == StatusInSync
}

// PushRequest is the body of POST to the HTTP sync endpoint.
type PushRequest struct {
	Version  int64             `json:"version"`
	Snapshot map[string]string `json:"snapshot"`
}

// PushResponse is the reply to PushRequest.
type PushResponse struct {
	Status SyncStatus  `json:"status"`
	State  ServerState `json:"state"`
}

// Package server is the reference authoritative sync server: it holds the
// canonical snapshot, applies differentials from realtime clients,
// broadcasts them, and answers the HTTP fallback endpoint.
package server

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// ApplyStatus is the outcome of applying a differential.
type ApplyStatus string

const (
	StatusApplied          ApplyStatus = "applied"
	StatusNoOp             ApplyStatus = "no-op"
	StatusChecksumMismatch ApplyStatus = "checksum-mismatch"
)

// ApplyResult describes an applied (or rejected) differential.
type ApplyResult struct {
	Status     ApplyStatus
	Operations []protocol.Operation
	State      protocol.ServerState
}

// Persistence saves the authoritative state between restarts.
type Persistence interface {
	Load() (protocol.ServerState, bool, error)
	Save(state protocol.ServerState) error
}

// Store is the authoritative state. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	state   protocol.ServerState
	filter  *snapshot.KeyFilter
	persist Persistence
	logger  *log.Logger
}

// NewStore loads the state from p, or starts empty when p is nil or holds
// nothing.
func NewStore(p Persistence, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	s := &Store{
		filter:  snapshot.DefaultKeyFilter(),
		persist: p,
		logger:  logger,
	}
	initial := protocol.ServerState{}
	if p != nil {
		loaded, ok, err := p.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load server state: %w", err)
		}
		if ok {
			initial = loaded
		}
	}
	s.state = s.normalize(initial)
	return s, nil
}

func (s *Store) normalize(state protocol.ServerState) protocol.ServerState {
	snap := s.persistable(state.Snapshot)
	version := state.Version
	if version < 0 {
		version = 0
	}
	return protocol.ServerState{
		Version:   version,
		Checksum:  snapshot.Checksum(snap),
		Snapshot:  snap,
		UpdatedAt: state.UpdatedAt,
	}
}

// persistable drops server-only keys that clients must never overwrite.
func (s *Store) persistable(in map[string]string) snapshot.Snapshot {
	out := make(snapshot.Snapshot, len(in))
	for k, v := range in {
		if s.filter.ShouldPersist(k) {
			out[k] = v
		}
	}
	return out
}

func (s *Store) persistableOps(ops []protocol.Operation) []protocol.Operation {
	out := make([]protocol.Operation, 0, len(ops))
	for _, op := range protocol.NormalizeOperations(ops) {
		if op.Type != protocol.OpClear && !s.filter.ShouldPersist(op.Key) {
			continue
		}
		out = append(out, op)
	}
	return out
}

// State returns a copy of the current state including its snapshot.
func (s *Store) State() protocol.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() protocol.ServerState {
	st := s.state
	st.Snapshot = snapshot.Snapshot(s.state.Snapshot).Clone()
	return st
}

// commitLocked installs next and persists it. A persistence failure is
// logged; the in-memory state stays authoritative.
func (s *Store) commitLocked(version int64, snap snapshot.Snapshot, updatedAt string) {
	s.state = protocol.ServerState{
		Version:   version,
		Checksum:  snapshot.Checksum(snap),
		Snapshot:  snap,
		UpdatedAt: updatedAt,
	}
	if s.persist != nil {
		if err := s.persist.Save(s.state); err != nil {
			s.logger.Printf("Warning: failed to persist state v%d: %v", version, err)
		}
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// SyncIncoming handles a full-snapshot push. A newer version replaces the
// state; an older one is stale; an equal version must match the checksum.
func (s *Store) SyncIncoming(version int64, snap map[string]string) (protocol.SyncStatus, protocol.ServerState) {
	if version < 0 {
		version = 0
	}
	incoming := s.persistable(snap)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case version > s.state.Version:
		s.commitLocked(version, incoming, now())
		return protocol.StatusServerUpdated, s.copyLocked()
	case version < s.state.Version:
		return protocol.StatusClientStale, s.copyLocked()
	case snapshot.Checksum(incoming) != s.state.Checksum:
		return protocol.StatusChecksumConflict, s.copyLocked()
	default:
		updatedAt := s.state.UpdatedAt
		if updatedAt == "" {
			updatedAt = now()
		}
		s.commitLocked(version, incoming, updatedAt)
		return protocol.StatusInSync, s.copyLocked()
	}
}

// ApplyDifferential applies ops if baseChecksum is empty or matches the
// current checksum. Each applied differential bumps the version.
func (s *Store) ApplyDifferential(baseChecksum string, ops []protocol.Operation) ApplyResult {
	ops = s.persistableOps(ops)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(ops) == 0 {
		return ApplyResult{Status: StatusNoOp, State: s.copyLocked()}
	}
	if baseChecksum != "" && baseChecksum != s.state.Checksum {
		return ApplyResult{Status: StatusChecksumMismatch, Operations: ops, State: s.copyLocked()}
	}

	next := snapshot.Apply(s.state.Snapshot, ops)
	s.commitLocked(s.state.Version+1, next, now())
	return ApplyResult{Status: StatusApplied, Operations: ops, State: s.copyLocked()}
}

// ApplyDifferentialBatch applies every differential's operations in order
// as one version bump. Base checksums are not checked.
func (s *Store) ApplyDifferentialBatch(diffs []protocol.Differential) ApplyResult {
	var all []protocol.Operation
	for _, d := range diffs {
		all = append(all, s.persistableOps(d.Operations)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(all) == 0 {
		return ApplyResult{Status: StatusNoOp, State: s.copyLocked()}
	}
	next := snapshot.Apply(s.state.Snapshot, all)
	s.commitLocked(s.state.Version+1, next, now())
	return ApplyResult{Status: StatusApplied, Operations: all, State: s.copyLocked()}
}

package localstore

import (
	"fmt"
	"sync"

	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// Origin tells subscribers where a change came from.
type Origin int

const (
	// OriginLocal is a mutation made through Set, Remove or Clear.
	OriginLocal Origin = iota
	// OriginRemote is server state applied by the engine.
	OriginRemote
	// OriginExternal is a write by another process sharing the backend.
	OriginExternal
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Change is a storage-changed notification. Keys is nil when the set of
// affected keys is unknown.
type Change struct {
	Origin Origin
	Keys   []string
}

// Recorder receives every intercepted mutation together with the checksum
// of the snapshot before it. It is called with the store locked and must
// not call back into the store.
type Recorder func(op protocol.Operation, baseChecksum string)

// Store wraps a Backend and intercepts its three mutating operations.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	filter   *snapshot.KeyFilter
	recorder Recorder

	subsMu  sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// NewStore wraps backend. A nil filter uses snapshot.DefaultKeyFilter.
func NewStore(backend Backend, filter *snapshot.KeyFilter) *Store {
	if filter == nil {
		filter = snapshot.DefaultKeyFilter()
	}
	return &Store{
		backend: backend,
		filter:  filter,
		subs:    make(map[int]chan Change),
	}
}

// Backend returns the wrapped backend.
func (s *Store) Backend() Backend { return s.backend }

// Filter returns the key filter deciding which keys are recorded.
func (s *Store) Filter() *snapshot.KeyFilter { return s.filter }

// SetRecorder installs r. Pass nil to stop recording.
func (s *Store) SetRecorder(r Recorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool, error) {
	return s.backend.Get(key)
}

// Set writes key. Synchronized keys are recorded as a set operation based
// on the checksum of the state before the write. Writing an unchanged value
// records nothing.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	op := protocol.Set(key, value)
	err := s.mutateLocked(op, func() error { return s.backend.Set(key, value) })
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !snapshot.IsReserved(key) {
		s.Notify(Change{Origin: OriginLocal, Keys: []string{key}})
	}
	return nil
}

// Remove deletes key, recording a remove operation if key was synchronized
// and present.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	err := s.mutateLocked(protocol.Remove(key), func() error { return s.backend.Remove(key) })
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if !snapshot.IsReserved(key) {
		s.Notify(Change{Origin: OriginLocal, Keys: []string{key}})
	}
	return nil
}

// Clear deletes every key except the reserved engine keys and records a
// clear operation.
func (s *Store) Clear() error {
	s.mu.Lock()
	err := s.mutateLocked(protocol.Clear(), func() error {
		all, err := s.backend.All()
		if err != nil {
			return err
		}
		for _, k := range sortedKeys(all) {
			if snapshot.IsReserved(k) {
				continue
			}
			if err := s.backend.Remove(k); err != nil {
				return err
			}
		}
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.Notify(Change{Origin: OriginLocal})
	return nil
}

// mutateLocked runs mutate and, for recordable operations that change the
// synchronized state, hands op to the recorder with the pre-mutation
// checksum.
func (s *Store) mutateLocked(op protocol.Operation, mutate func() error) error {
	record := s.recorder != nil && (op.Type == protocol.OpClear || s.filter.ShouldSync(op.Key))
	var before snapshot.Snapshot
	if record {
		var err error
		if before, err = s.snapshotLocked(); err != nil {
			return err
		}
		record = changes(before, op)
	}
	if err := mutate(); err != nil {
		return fmt.Errorf("failed to apply %s: %w", op, err)
	}
	if record {
		s.recorder(op, snapshot.Checksum(before))
	}
	return nil
}

func changes(s snapshot.Snapshot, op protocol.Operation) bool {
	switch op.Type {
	case protocol.OpSet:
		v, ok := s[op.Key]
		return !ok || v != op.Value
	case protocol.OpRemove:
		_, ok := s[op.Key]
		return ok
	default:
		return len(s) > 0
	}
}

// SetInternal writes a reserved engine key without recording it.
func (s *Store) SetInternal(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Set(key, value)
}

// Snapshot returns the synchronized subset of the store.
func (s *Store) Snapshot() (snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() (snapshot.Snapshot, error) {
	all, err := s.backend.All()
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}
	return s.filter.Filter(all), nil
}

// Checksum returns the checksum of the current snapshot.
func (s *Store) Checksum() (string, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return "", err
	}
	return snapshot.Checksum(snap), nil
}

// Writer applies engine-originated mutations inside Store.Apply. Nothing
// written through it is recorded.
type Writer struct {
	s       *Store
	changed map[string]bool
	cleared bool
}

// Snapshot returns the synchronized subset of the store as it currently is.
func (w *Writer) Snapshot() (snapshot.Snapshot, error) { return w.s.snapshotLocked() }

// Get reads key.
func (w *Writer) Get(key string) (string, bool, error) { return w.s.backend.Get(key) }

// Set writes key.
func (w *Writer) Set(key, value string) error {
	if err := w.s.backend.Set(key, value); err != nil {
		return err
	}
	w.changed[key] = true
	return nil
}

// Remove deletes key.
func (w *Writer) Remove(key string) error {
	if err := w.s.backend.Remove(key); err != nil {
		return err
	}
	w.changed[key] = true
	return nil
}

// ClearSynced deletes every synchronized key. Local-only and reserved keys
// are kept.
func (w *Writer) ClearSynced() error {
	snap, err := w.s.snapshotLocked()
	if err != nil {
		return err
	}
	for _, k := range snap.SortedKeys() {
		if err := w.s.backend.Remove(k); err != nil {
			return err
		}
	}
	w.cleared = true
	return nil
}

// ApplyOperations applies server operations, resolving merge keys against
// the values already stored.
func (w *Writer) ApplyOperations(ops []protocol.Operation) error {
	for _, op := range ops {
		switch op.Type {
		case protocol.OpClear:
			if err := w.ClearSynced(); err != nil {
				return err
			}
		case protocol.OpSet:
			if !w.s.filter.ShouldSync(op.Key) {
				continue
			}
			existing, ok, err := w.Get(op.Key)
			if err != nil {
				return err
			}
			if err := w.Set(op.Key, w.s.filter.ResolveIncomingValue(op.Key, op.Value, existing, ok)); err != nil {
				return err
			}
		case protocol.OpRemove:
			if !w.s.filter.ShouldSync(op.Key) {
				continue
			}
			if err := w.Remove(op.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Replace makes the synchronized subset equal target, merging merge keys
// with their current values. It returns the state actually written, which
// differs from target only where a merge kept local entries.
func (w *Writer) Replace(target snapshot.Snapshot) (snapshot.Snapshot, error) {
	current, err := w.s.snapshotLocked()
	if err != nil {
		return nil, err
	}
	resolved := make(snapshot.Snapshot, len(target))
	for k, v := range target {
		if !w.s.filter.ShouldSync(k) {
			continue
		}
		existing, ok := current[k]
		resolved[k] = w.s.filter.ResolveIncomingValue(k, v, existing, ok)
	}
	for _, op := range w.s.filter.Diff(current, resolved) {
		switch op.Type {
		case protocol.OpSet:
			err = w.Set(op.Key, op.Value)
		case protocol.OpRemove:
			err = w.Remove(op.Key)
		}
		if err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func (w *Writer) keys() []string {
	if w.cleared {
		return nil
	}
	keys := make([]string, 0, len(w.changed))
	for k := range w.changed {
		keys = append(keys, k)
	}
	return keys
}

// Apply runs fn with the store locked and recording bypassed, then emits a
// single remote change notification if anything was written.
func (s *Store) Apply(fn func(w *Writer) error) error {
	s.mu.Lock()
	w := &Writer{s: s, changed: make(map[string]bool)}
	err := fn(w)
	s.mu.Unlock()

	if w.cleared || len(w.changed) > 0 {
		s.Notify(Change{Origin: OriginRemote, Keys: w.keys()})
	}
	return err
}

// Subscribe returns a channel of change notifications and a function that
// cancels the subscription. Notifications are dropped when the channel's
// buffer is full.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

// Notify delivers c to every subscriber without blocking.
func (s *Store) Notify(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

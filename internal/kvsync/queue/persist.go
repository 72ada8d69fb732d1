package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// Meta is the last server state the client has seen.
type Meta struct {
	ServerChecksum string `json:"serverChecksum"`
	ServerVersion  int64  `json:"serverVersion"`
}

// Storage is the slice of the local store the persister needs. Writes go
// through the internal path so they are never recorded as operations.
type Storage interface {
	Get(key string) (string, bool, error)
	SetInternal(key, value string) error
}

// Persister saves the queue and sync metadata under the reserved keys.
type Persister struct {
	store  Storage
	logger *log.Logger
}

// NewPersister returns a persister writing to store. A nil logger logs to stderr.
func NewPersister(store Storage, logger *log.Logger) *Persister {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Persister{store: store, logger: logger}
}

// Load reads the persisted queue and metadata. Missing or malformed blobs
// load as empty values.
func (p *Persister) Load() ([]protocol.Differential, Meta) {
	var entries []protocol.Differential
	if raw, ok, err := p.store.Get(snapshot.PendingQueueKey); err != nil {
		p.logger.Printf("Warning: failed to read pending queue: %v", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			p.logger.Printf("Warning: discarding malformed pending queue: %v", err)
			entries = nil
		}
	}

	var meta Meta
	if raw, ok, err := p.store.Get(snapshot.SyncMetaKey); err != nil {
		p.logger.Printf("Warning: failed to read sync meta: %v", err)
	} else if ok {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			p.logger.Printf("Warning: discarding malformed sync meta: %v", err)
			meta = Meta{}
		}
	}
	return New(entries).Entries(), meta
}

// Save persists q. When the store is over quota, the queue is collapsed into
// a single differential and the write retried; the in-memory queue is only
// collapsed when nothing is in flight. If the collapsed form still does not
// fit, the persisted copy is shrunk until it does.
func (p *Persister) Save(q *Queue) error {
	entries := q.Entries()
	err := p.write(entries)
	if err == nil || !errors.Is(err, localstore.ErrQuotaExceeded) {
		return err
	}

	collapsed := Collapse(entries)
	if q.InFlight() == "" {
		q.Replace(collapsed)
		collapsed = q.Entries()
	}
	p.logger.Printf("Storage quota exceeded, collapsing %d queued differentials", len(entries))
	if err = p.write(collapsed); err == nil || !errors.Is(err, localstore.ErrQuotaExceeded) {
		return err
	}

	shrunk := collapsed
	for TotalOperations(shrunk) > 0 {
		shrunk = ShrinkForStorage(shrunk)
		p.logger.Printf("Storage quota exceeded, persisting %d of %d queued operations",
			TotalOperations(shrunk), TotalOperations(collapsed))
		if err = p.write(shrunk); err == nil || !errors.Is(err, localstore.ErrQuotaExceeded) {
			return err
		}
	}
	return err
}

func (p *Persister) write(entries []protocol.Differential) error {
	if entries == nil {
		entries = []protocol.Differential{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode pending queue: %w", err)
	}
	if err := p.store.SetInternal(snapshot.PendingQueueKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist pending queue: %w", err)
	}
	return nil
}

// SaveMeta persists m.
func (p *Persister) SaveMeta(m Meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode sync meta: %w", err)
	}
	if err := p.store.SetInternal(snapshot.SyncMetaKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist sync meta: %w", err)
	}
	return nil
}

package engine

import (
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
)

// maxKnownIDs bounds the request ids remembered by knownIDs.
const maxKnownIDs = 1024

// knownIDs remembers request ids this engine has queued. A persisted entry
// with an unknown id was written by another engine sharing the store.
type knownIDs struct {
	ids   map[string]struct{}
	order []string
}

func newKnownIDs() *knownIDs {
	return &knownIDs{ids: make(map[string]struct{})}
}

func (k *knownIDs) has(id string) bool {
	_, ok := k.ids[id]
	return ok
}

func (k *knownIDs) add(id string) {
	if id == "" || k.has(id) {
		return
	}
	k.ids[id] = struct{}{}
	k.order = append(k.order, id)
	for len(k.order) > maxKnownIDs {
		delete(k.ids, k.order[0])
		k.order = k.order[1:]
	}
}

// absorbPersistedLocked merges differentials that another process sharing
// the store persisted into the in-memory queue, so a rebase replays them and
// the next persist keeps them. It reports whether anything was added.
func (e *Engine) absorbPersistedLocked() bool {
	entries, _ := e.persister.Load()
	added := 0
	for _, d := range entries {
		if e.queue.Contains(d.RequestID) || e.known.has(d.RequestID) {
			continue
		}
		e.known.add(d.RequestID)
		e.queue.Enqueue(d)
		added++
	}
	if added > 0 {
		e.logger.Printf("Picked up %d differentials queued by another process", added)
	}
	return added > 0
}

// followExternal picks up work queued by other processes whenever the store
// reports an external write.
func (e *Engine) followExternal(changes <-chan localstore.Change) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Origin != localstore.OriginExternal {
				continue
			}
			e.mu.Lock()
			if !e.stopped {
				if e.absorbPersistedLocked() {
					e.persistQueueLocked()
				}
				e.flushLocked()
			}
			e.mu.Unlock()
		}
	}
}

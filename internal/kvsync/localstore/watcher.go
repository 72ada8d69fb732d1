package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileEvent reports a write to a store database file.
type FileEvent struct {
	// Path is the file that changed: the database or its -wal/-shm sidecar.
	Path string
	Op   fsnotify.Op
}

// FileWatcher watches a SQLite store file for writes by other processes.
// It watches the parent directory so that WAL sidecars created after Start
// are seen.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dbPath  string
}

// NewFileWatcher creates a watcher for the database at dbPath. It must be
// started with Start before it emits events.
func NewFileWatcher(dbPath string) (*FileWatcher, error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dbPath, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dbPath:  abs,
	}, nil
}

// Start begins watching.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(fw.dbPath)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch store directory %s: %w", dir, err)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()
	return nil
}

// Stop stops watching and closes the event and error channels.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)
	return nil
}

// Events returns the channel of file events. It is closed by Stop.
func (fw *FileWatcher) Events() <-chan FileEvent { return fw.events }

// Errors returns the channel of watcher errors. It is closed by Stop.
func (fw *FileWatcher) Errors() <-chan error { return fw.errors }

func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(event) {
				continue
			}
			select {
			case fw.events <- FileEvent{Path: event.Name, Op: event.Op}:
			case <-fw.done:
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return abs == fw.dbPath || strings.HasPrefix(abs, fw.dbPath+"-")
}

// dataVersioner is implemented by backends that can tell their own commits
// apart from commits by other processes.
type dataVersioner interface {
	DataVersion() (int64, error)
}

// Follow turns file events from fw into OriginExternal notifications until
// ctx is done or fw stops. When the backend exposes a data version, events
// that leave it unchanged (the store's own writes) are ignored.
func (s *Store) Follow(ctx context.Context, fw *FileWatcher) {
	dv, _ := s.backend.(dataVersioner)
	var last int64
	if dv != nil {
		last, _ = dv.DataVersion()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-fw.Events():
			if !ok {
				return
			}
			if dv != nil {
				v, err := dv.DataVersion()
				if err != nil || v == last {
					continue
				}
				last = v
			}
			s.Notify(Change{Origin: OriginExternal})
		case _, ok := <-fw.Errors():
			if !ok {
				return
			}
		}
	}
}

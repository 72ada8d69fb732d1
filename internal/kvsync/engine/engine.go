// Package engine keeps a local key/value store replicated with the sync
// server.
//
// The engine:
//  1. Records every local mutation through the store's recorder and
//     batches them for a short debounce window
//  2. Queues the resulting differentials and persists the queue under a
//     reserved key so unsent work survives restarts
//  3. Sends the queue over the realtime channel, one request in flight
//  4. Reconciles welcome, applied, ack and checksum-mismatch messages,
//     hydrating or rebasing against the server state when checksums diverge
//  5. Falls back to HTTP polling while the realtime channel is not open
package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/httpsync"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/queue"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// Config holds configuration for the engine.
type Config struct {
	// PageURL is the address the client is served from; endpoint candidates
	// are derived from it.
	PageURL string

	// SocketPath and APIPath are the endpoint paths under the site root.
	SocketPath string
	APIPath    string

	// Connection configures the realtime channel and its backoff.
	Connection *conn.Config

	// BatchDebounce is how long local mutations accumulate before they are
	// queued as one differential.
	BatchDebounce time.Duration

	// FlushRetryDelay is the wait before retrying a failed or rejected send.
	FlushRetryDelay time.Duration

	// FallbackInterval is how often the HTTP fallback runs while the
	// realtime channel is not open. Zero disables the loop.
	FallbackInterval time.Duration

	// StartupSync fetches the server state over HTTP when the engine starts.
	StartupSync bool

	// HTTPClient is used for the fallback endpoint and the websocket
	// handshake.
	HTTPClient *http.Client

	// Dialer overrides the websocket dialer.
	Dialer conn.Dialer

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PageURL:          "http://localhost:8787/",
		SocketPath:       conn.DefaultSocketPath,
		APIPath:          conn.DefaultAPIPath,
		Connection:       conn.DefaultConfig(),
		BatchDebounce:    150 * time.Millisecond,
		FlushRetryDelay:  250 * time.Millisecond,
		FallbackInterval: 15 * time.Second,
		StartupSync:      true,
		HTTPClient:       &http.Client{Timeout: 20 * time.Second},
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	State          conn.State
	Endpoint       string
	ClientID       string
	Online         bool
	QueueLength    int
	InFlight       string
	PendingOps     int
	ServerChecksum string
	ServerVersion  int64
	LocalChecksum  string
}

// Engine replicates a localstore.Store with the sync server.
type Engine struct {
	config    *Config
	store     *localstore.Store
	persister *queue.Persister
	client    *httpsync.Client
	manager   *conn.Manager
	logger    *log.Logger

	// mu guards everything below. Lock order: mu, then the store's lock,
	// then batchMu.
	mu           sync.Mutex
	queue        *queue.Queue
	known        *knownIDs
	meta         queue.Meta
	clientID     string
	online       bool
	offlineSince time.Time
	flushTimer   *time.Timer
	started      bool
	stopped      bool

	batchMu    sync.Mutex
	pending    *pendingBatch
	batchTimer *time.Timer

	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine for store using the default configuration.
func New(store *localstore.Store, pageURL string) (*Engine, error) {
	config := DefaultConfig()
	config.PageURL = pageURL
	return NewWithConfig(store, config)
}

// NewWithConfig creates an engine with custom configuration.
//
// Use Start() to begin syncing.
func NewWithConfig(store *localstore.Store, config *Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.PageURL == "" {
		return nil, fmt.Errorf("page URL cannot be empty")
	}
	if config.Connection == nil {
		config.Connection = defaults.Connection
	}
	if config.BatchDebounce <= 0 {
		config.BatchDebounce = defaults.BatchDebounce
	}
	if config.FlushRetryDelay <= 0 {
		config.FlushRetryDelay = defaults.FlushRetryDelay
	}
	if config.HTTPClient == nil {
		config.HTTPClient = defaults.HTTPClient
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Dialer == nil {
		config.Dialer = &conn.WebSocketDialer{HTTPClient: config.HTTPClient}
	}

	sockets, err := conn.SocketEndpointCandidates(config.PageURL, config.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to derive socket endpoints: %w", err)
	}
	apis, err := conn.APIEndpointCandidates(config.PageURL, config.APIPath)
	if err != nil {
		return nil, fmt.Errorf("failed to derive API endpoints: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:    config,
		store:     store,
		persister: queue.NewPersister(store, config.Logger),
		client:    httpsync.NewClient(apis, config.HTTPClient),
		logger:    config.Logger,
		queue:     queue.New(nil),
		known:     newKnownIDs(),
		online:    true,
		ctx:       ctx,
		cancel:    cancel,
	}

	connConfig := *config.Connection
	if connConfig.Logger == nil {
		connConfig.Logger = config.Logger
	}
	e.manager, err = conn.NewManager(sockets, config.Dialer, &handler{e: e}, &connConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}
	return e, nil
}

// Start loads the persisted queue, installs the recorder, reconciles with
// the server over HTTP when configured, and opens the realtime channel.
// Startup reconciliation failures are logged, not returned.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	entries, meta := e.persister.Load()
	e.queue = queue.New(entries)
	for _, d := range entries {
		e.known.add(d.RequestID)
	}
	e.meta = meta
	e.mu.Unlock()

	e.logger.Printf("Starting sync engine (%d queued differentials)", len(entries))
	e.store.SetRecorder(e.record)

	if e.config.StartupSync {
		if err := e.startupSync(ctx); err != nil {
			e.logger.Printf("Warning: startup sync failed: %v", err)
		}
	}

	changes, unsubscribe := e.store.Subscribe(16)
	e.unsubscribe = unsubscribe
	e.wg.Add(1)
	go e.followExternal(changes)

	e.manager.Start()
	if e.config.FallbackInterval > 0 {
		e.wg.Add(1)
		go e.fallbackLoop()
	}
	return nil
}

// Stop queues any pending local mutations, closes the channel and waits
// for background work to finish.
func (e *Engine) Stop() error {
	e.store.SetRecorder(nil)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	if d, ok := e.takePending(); ok {
		e.queue.Enqueue(d)
	}
	if e.started {
		e.persistQueueLocked()
	}
	if e.flushTimer != nil {
		e.flushTimer.Stop()
	}
	e.mu.Unlock()

	e.cancel()
	e.manager.Stop()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.wg.Wait()
	e.logger.Println("Sync engine stopped")
	return nil
}

// Store returns the replicated store.
func (e *Engine) Store() *localstore.Store { return e.store }

// SetOnline reports a network transition. Going offline starts an offline
// period; coming back wakes a waiting reconnect, dormant or not, and
// flushes.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	if !online && e.offlineSince.IsZero() {
		e.offlineSince = time.Now()
	}
	e.mu.Unlock()

	if online && !was {
		e.logger.Println("Network online")
		e.manager.Online()
		e.Flush()
	} else if !online && was {
		e.logger.Println("Network offline")
	}
}

// Flush queues the pending batch immediately and sends the queue if the
// channel is open and nothing is in flight.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.takePending(); ok {
		e.queue.Enqueue(d)
		e.persistQueueLocked()
	}
	e.flushLocked()
}

// flushLocked sends the next request. The send happens under mu so that the
// in-flight marker and the frame on the wire never disagree.
func (e *Engine) flushLocked() {
	if e.stopped || !e.online {
		return
	}
	if e.queue.InFlight() == "" && e.absorbPersistedLocked() {
		e.persistQueueLocked()
	}
	if e.queue.InFlight() != "" || e.queue.Empty() {
		return
	}
	if e.manager.State() != conn.Open {
		return
	}

	var (
		msg   any
		id    string
		count int
	)
	strategy := ChooseStrategy(e.offlineSince, e.queue.Len())
	switch strategy {
	case StrategyOfflineBatch:
		entries := e.queue.Entries()
		batch := protocol.NewBatchMessage(entries)
		e.queue.MarkBatchInFlight(batch.RequestID, len(entries))
		msg, id, count = batch, batch.RequestID, len(entries)
	default:
		head, _ := e.queue.Head()
		e.queue.MarkInFlight(head.RequestID)
		msg, id, count = protocol.NewDifferentialMessage(head), head.RequestID, 1
	}

	data, err := protocol.Encode(msg)
	if err == nil {
		err = e.manager.Send(e.ctx, data)
	}
	if err != nil {
		e.logger.Printf("Warning: failed to send %s: %v", id, err)
		e.queue.ClearInFlight()
		e.scheduleFlushLocked()
		return
	}
	e.offlineSince = time.Time{}
	e.logger.Printf("Sent %s (%s, %d differentials)", id, strategy, count)
}

// scheduleFlushLocked retries the flush after FlushRetryDelay. Only one
// retry is scheduled at a time.
func (e *Engine) scheduleFlushLocked() {
	if e.flushTimer != nil || e.stopped {
		return
	}
	e.flushTimer = time.AfterFunc(e.config.FlushRetryDelay, func() {
		e.mu.Lock()
		e.flushTimer = nil
		e.mu.Unlock()
		e.Flush()
	})
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	local, err := e.store.Checksum()
	if err != nil {
		e.logger.Printf("Warning: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:          e.manager.State(),
		Endpoint:       e.manager.Endpoint(),
		ClientID:       e.clientID,
		Online:         e.online,
		QueueLength:    e.queue.Len(),
		InFlight:       e.queue.InFlight(),
		PendingOps:     e.pendingOps(),
		ServerChecksum: e.meta.ServerChecksum,
		ServerVersion:  e.meta.ServerVersion,
		LocalChecksum:  local,
	}
}

// Queue returns a copy of the queued differentials.
func (e *Engine) Queue() []protocol.Differential {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Entries()
}

// persistQueueLocked writes the queue, first merging anything another
// process queued since the last write so it is not overwritten.
func (e *Engine) persistQueueLocked() {
	e.absorbPersistedLocked()
	if err := e.persister.Save(e.queue); err != nil {
		e.logger.Printf("Warning: %v", err)
	}
	for _, d := range e.queue.Entries() {
		e.known.add(d.RequestID)
	}
}

// noteServerLocked records the last server checksum and version seen.
func (e *Engine) noteServerLocked(state protocol.ServerState) {
	changed := false
	if state.Checksum != "" && state.Checksum != e.meta.ServerChecksum {
		e.meta.ServerChecksum = state.Checksum
		changed = true
	}
	if state.Version > e.meta.ServerVersion {
		e.meta.ServerVersion = state.Version
		changed = true
	}
	if changed {
		if err := e.persister.SaveMeta(e.meta); err != nil {
			e.logger.Printf("Warning: %v", err)
		}
	}
}

func (e *Engine) hasWorkLocked() bool {
	return !e.queue.Empty() || e.pendingOps() > 0
}

func (e *Engine) localChecksum() string {
	sum, err := e.store.Checksum()
	if err != nil {
		e.logger.Printf("Warning: %v", err)
		return ""
	}
	return sum
}

// adoptLocked installs the server state locally. Queued and pending local
// work is replayed on top of it and requeued as a single differential, so
// local intent survives while keys the server changed and the client did not
// are taken from the server. Merge keys that kept local entries are queued
// back to the server the same way.
//
// Entries covered by the in-flight request stay queued as sent; the requeued
// differential is based on the server state with them applied.
func (e *Engine) adoptLocked(state protocol.ServerState) error {
	e.absorbPersistedLocked()

	server := snapshot.Snapshot(state.Snapshot)
	if server == nil {
		server = snapshot.Snapshot{}
	}
	filter := e.store.Filter()
	entries := e.queue.Entries()
	sent := entries[:e.queue.InFlightLen()]

	var sentOps, replay []protocol.Operation
	for _, d := range sent {
		sentOps = queue.Coalesce(sentOps, d.Operations)
	}
	if intent := queue.Collapse(entries[len(sent):]); len(intent) > 0 {
		replay = intent[0].Operations
	}

	var ops []protocol.Operation
	err := e.store.Apply(func(w *localstore.Writer) error {
		if p, ok := e.takePending(); ok {
			replay = queue.Coalesce(replay, p.Operations)
		}

		resolved, err := w.Replace(server)
		if err != nil {
			return err
		}
		base := snapshot.Apply(resolved, sentOps)
		final := base
		if len(sentOps) > 0 || len(replay) > 0 {
			if final, err = w.Replace(snapshot.Apply(base, replay)); err != nil {
				return err
			}
		}
		ops = filter.Diff(snapshot.Apply(server, sentOps), final)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply server state: %w", err)
	}

	checksum := state.Checksum
	if checksum == "" {
		checksum = snapshot.Checksum(filter.Filter(server))
	}
	baseChecksum := checksum
	if len(sent) > 0 {
		baseChecksum = snapshot.Checksum(filter.Filter(snapshot.Apply(server, sentOps)))
		e.queue.Replace(sent)
	} else {
		e.queue.Reset()
	}
	if len(ops) > 0 {
		e.queue.Enqueue(protocol.Differential{
			RequestID:    protocol.NewRequestID(),
			BaseChecksum: baseChecksum,
			Operations:   ops,
		})
		e.logger.Printf("Rebased local changes onto server v%d (%d ops)", state.Version, len(ops))
	} else {
		e.logger.Printf("Hydrated from server v%d", state.Version)
	}
	e.persistQueueLocked()
	state.Checksum = checksum
	e.noteServerLocked(state)
	return nil
}

// recoverFromServer fetches the authoritative state and adopts it. The fetch
// runs without holding mu. A request in flight stays in flight.
func (e *Engine) recoverFromServer(ctx context.Context) error {
	state, err := e.client.Fetch(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adoptLocked(state)
}

// Recover fetches the server state and rebases local work onto it.
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.recoverFromServer(ctx); err != nil {
		return err
	}
	e.Flush()
	return nil
}

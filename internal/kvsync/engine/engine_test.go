package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/kvsync/protocol"
	"github.com/surveyfoundry/kvsync/internal/kvsync/queue"
	"github.com/surveyfoundry/kvsync/internal/kvsync/server"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

const waitFor = 3 * time.Second

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newLocalStore(t *testing.T, entries map[string]string) *localstore.Store {
	t.Helper()
	backend := localstore.NewMemoryBackend(0)
	for k, v := range entries {
		require.NoError(t, backend.Set(k, v))
	}
	return localstore.NewStore(backend, nil)
}

// seedQueue persists diffs as if a previous run left them unsent.
func seedQueue(t *testing.T, store *localstore.Store, diffs ...protocol.Differential) {
	t.Helper()
	require.NoError(t, queue.NewPersister(store, quietLogger()).Save(queue.New(diffs)))
}

func newSyncServer(t *testing.T, inline bool, initial map[string]string) (*server.Store, *httptest.Server) {
	t.Helper()
	store, err := server.NewStore(nil, quietLogger())
	require.NoError(t, err)
	if initial != nil {
		store.SyncIncoming(1, initial)
	}
	srv := server.NewServer(store, &server.Config{InlineSnapshot: inline, Logger: quietLogger()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
	})
	return store, ts
}

func testConfig(pageURL string) *Config {
	cfg := DefaultConfig()
	cfg.PageURL = pageURL
	cfg.BatchDebounce = 10 * time.Millisecond
	cfg.FlushRetryDelay = 20 * time.Millisecond
	cfg.FallbackInterval = 0
	cfg.StartupSync = false
	cfg.Connection = conn.DefaultConfig()
	cfg.Connection.Machine = conn.MachineConfig{
		InitialDelay:     10 * time.Millisecond,
		MaxDelay:         50 * time.Millisecond,
		DormantDelay:     time.Hour,
		DormantThreshold: 3,
	}
	cfg.Connection.Logger = quietLogger()
	cfg.Logger = quietLogger()
	return cfg
}

func startEngine(t *testing.T, store *localstore.Store, cfg *Config) *Engine {
	t.Helper()
	e, err := NewWithConfig(store, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func localSnapshot(t *testing.T, store *localstore.Store) snapshot.Snapshot {
	t.Helper()
	snap, err := store.Snapshot()
	require.NoError(t, err)
	return snap
}

func waitOpen(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := e.Status()
		return st.State == conn.Open && st.ClientID != ""
	}, waitFor, 5*time.Millisecond)
}

func TestEngine_HydratesOnWelcome(t *testing.T) {
	for _, inline := range []bool{true, false} {
		name := "fetched snapshot"
		if inline {
			name = "inline snapshot"
		}
		t.Run(name, func(t *testing.T) {
			_, ts := newSyncServer(t, inline, map[string]string{"a": "1", "b": "2"})
			local := newLocalStore(t, map[string]string{"a": "1"})
			changes, cancel := local.Subscribe(8)
			defer cancel()

			e := startEngine(t, local, testConfig(ts.URL+"/"))

			want := snapshot.Snapshot{"a": "1", "b": "2"}
			require.Eventually(t, func() bool {
				return localSnapshot(t, local).Equal(want)
			}, waitFor, 5*time.Millisecond)

			st := e.Status()
			assert.Equal(t, 0, st.QueueLength)
			assert.Equal(t, snapshot.Checksum(want), st.ServerChecksum)
			assert.Equal(t, int64(1), st.ServerVersion)

			select {
			case c := <-changes:
				assert.Equal(t, localstore.OriginRemote, c.Origin)
			case <-time.After(waitFor):
				t.Fatal("no change notification after hydration")
			}
		})
	}
}

func TestEngine_RebasesQueuedWorkOnWelcome(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, map[string]string{"a": "1", "b": "2"})
	local := newLocalStore(t, map[string]string{"k": "v"})
	seedQueue(t, local, protocol.Differential{
		RequestID:    "sync-k",
		BaseChecksum: snapshot.EmptyChecksum,
		Operations:   []protocol.Operation{protocol.Set("k", "v")},
	})

	e := startEngine(t, local, testConfig(ts.URL+"/"))

	want := snapshot.Snapshot{"a": "1", "b": "2", "k": "v"}
	require.Eventually(t, func() bool {
		return snapshot.Snapshot(srvStore.State().Snapshot).Equal(want)
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return e.Status().QueueLength == 0
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, localSnapshot(t, local))
}

func TestEngine_PropagatesBetweenClients(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, nil)

	storeA := newLocalStore(t, nil)
	storeB := newLocalStore(t, nil)
	a := startEngine(t, storeA, testConfig(ts.URL+"/"))
	b := startEngine(t, storeB, testConfig(ts.URL+"/"))
	waitOpen(t, a)
	waitOpen(t, b)

	require.NoError(t, storeA.Set("x", "1"))
	require.NoError(t, storeA.Set("y", "2"))
	require.Eventually(t, func() bool {
		return localSnapshot(t, storeB).Equal(snapshot.Snapshot{"x": "1", "y": "2"})
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, storeB.Remove("x"))
	require.Eventually(t, func() bool {
		return localSnapshot(t, storeA).Equal(snapshot.Snapshot{"y": "2"})
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return a.Status().QueueLength == 0 && b.Status().QueueLength == 0
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"y": "2"}, srvStore.State().Snapshot)
	assert.Equal(t, 0, b.Status().PendingOps, "remote operations are not recorded")
}

// failingDialer never connects, keeping the engine on the HTTP path.
type failingDialer struct{}

func (failingDialer) Dial(ctx context.Context, endpoint string) (conn.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestEngine_HTTPFallbackPushesLocalSnapshot(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, map[string]string{"a": "1"})
	local := newLocalStore(t, map[string]string{"a": "1"})

	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	e := startEngine(t, local, cfg)

	require.NoError(t, local.Set("b", "2"))
	require.NoError(t, e.SyncOverHTTP(context.Background()))

	state := srvStore.State()
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, state.Snapshot)
	assert.Equal(t, int64(2), state.Version)

	st := e.Status()
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, 0, st.PendingOps)
	assert.Equal(t, state.Checksum, st.ServerChecksum)
	assert.Equal(t, int64(2), st.ServerVersion)
}

func TestEngine_HTTPFallbackHydratesWithoutLocalWork(t *testing.T) {
	_, ts := newSyncServer(t, true, map[string]string{"a": "1", "b": "2"})
	local := newLocalStore(t, map[string]string{"old": "x"})

	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	e := startEngine(t, local, cfg)

	require.NoError(t, e.SyncOverHTTP(context.Background()))
	assert.Equal(t, snapshot.Snapshot{"a": "1", "b": "2"}, localSnapshot(t, local))
}

func TestEngine_HTTPFallbackConflictRebases(t *testing.T) {
	srvStore, err := server.NewStore(nil, quietLogger())
	require.NoError(t, err)
	srvStore.SyncIncoming(5, map[string]string{"a": "1", "b": "2"})
	api := server.NewServer(srvStore, &server.Config{Logger: quietLogger()}).Handler()

	// another client wins the race for every push
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(protocol.PushResponse{
				Status: protocol.StatusChecksumConflict,
				State:  srvStore.State(),
			})
			return
		}
		api.ServeHTTP(w, r)
	}))
	defer ts.Close()

	local := newLocalStore(t, map[string]string{"a": "old"})
	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	e := startEngine(t, local, cfg)

	require.NoError(t, local.Set("k", "v"))
	require.NoError(t, e.SyncOverHTTP(context.Background()))

	assert.Equal(t, snapshot.Snapshot{"a": "1", "b": "2", "k": "v"}, localSnapshot(t, local))

	q := e.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, srvStore.State().Checksum, q[0].BaseChecksum)
	assert.Equal(t, []protocol.Operation{protocol.Set("k", "v")}, q[0].Operations)
}

func TestEngine_StartupSyncAppliesNewerServerState(t *testing.T) {
	_, ts := newSyncServer(t, true, map[string]string{"a": "1"})
	local := newLocalStore(t, nil)

	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	cfg.StartupSync = true
	startEngine(t, local, cfg)

	assert.Equal(t, snapshot.Snapshot{"a": "1"}, localSnapshot(t, local))
}

func TestEngine_QueueSurvivesRestart(t *testing.T) {
	local := newLocalStore(t, nil)
	cfg := testConfig("http://127.0.0.1:1/")
	cfg.Dialer = failingDialer{}

	e, err := NewWithConfig(local, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, local.Set("a", "1"))
	require.NoError(t, local.Set("a", "2"))
	require.NoError(t, e.Stop())

	cfg = testConfig("http://127.0.0.1:1/")
	cfg.Dialer = failingDialer{}
	restarted := startEngine(t, local, cfg)

	q := restarted.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, []protocol.Operation{protocol.Set("a", "2")}, q[0].Operations)
	assert.Equal(t, snapshot.EmptyChecksum, q[0].BaseChecksum)
}

// scriptedConn is a realtime channel driven by the test.
type scriptedConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	// failWrites is the number of upcoming writes that fail.
	failWrites atomic.Int32
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptedConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedConn) Write(ctx context.Context, data []byte) error {
	if c.failWrites.Load() > 0 {
		c.failWrites.Add(-1)
		return errors.New("write failed")
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.out <- data:
		return nil
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type scriptedDialer struct {
	conns chan *scriptedConn
}

func (d *scriptedDialer) Dial(ctx context.Context, endpoint string) (conn.Conn, error) {
	c := newScriptedConn()
	select {
	case d.conns <- c:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedConn) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

func (c *scriptedConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.out:
		env, err := protocol.Decode(data)
		require.NoError(t, err)
		return env
	case <-time.After(waitFor):
		t.Fatal("no frame sent")
		return protocol.Envelope{}
	}
}

func (c *scriptedConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(d):
	}
}

func scriptedEngine(t *testing.T, local *localstore.Store) (*Engine, *scriptedDialer) {
	t.Helper()
	return scriptedEngineAt(t, local, "http://127.0.0.1:1/")
}

// scriptedEngineAt drives the realtime channel from the test while HTTP
// requests go to pageURL.
func scriptedEngineAt(t *testing.T, local *localstore.Store, pageURL string) (*Engine, *scriptedDialer) {
	t.Helper()
	dialer := &scriptedDialer{conns: make(chan *scriptedConn, 1)}
	cfg := testConfig(pageURL)
	cfg.Dialer = dialer
	e, err := NewWithConfig(local, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e, dialer
}

func (d *scriptedDialer) accept(t *testing.T) *scriptedConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("engine did not dial")
		return nil
	}
}

func welcome(clientID string, snap snapshot.Snapshot, version int64) protocol.Welcome {
	return protocol.Welcome{
		Type:     protocol.TypeWelcome,
		ClientID: clientID,
		State: protocol.ServerState{
			Version:  version,
			Checksum: snapshot.Checksum(snap),
			Snapshot: snap,
		},
	}
}

func TestEngine_IncrementalStrategySendsHeadOnly(t *testing.T) {
	current := map[string]string{"a": "1", "b": "2"}
	local := newLocalStore(t, current)
	seedQueue(t, local,
		protocol.Differential{RequestID: "sync-1", Operations: []protocol.Operation{protocol.Set("a", "1")}},
		protocol.Differential{RequestID: "sync-2", Operations: []protocol.Operation{protocol.Set("b", "2")}},
	)

	e, dialer := scriptedEngine(t, local)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", current, 3))

	env := c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.Equal(t, "sync-1", env.Differential.RequestID)
	c.quiet(t, 50*time.Millisecond)

	c.send(t, protocol.Applied{
		Type:           protocol.TypeApplied,
		RequestID:      "sync-1",
		OriginClientID: "me",
		State:          protocol.ServerState{Version: 4, Checksum: snapshot.Checksum(current)},
	})
	env = c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.Equal(t, "sync-2", env.Differential.RequestID)
}

func TestEngine_OfflineBatchStrategy(t *testing.T) {
	current := map[string]string{"a": "1", "b": "2"}
	local := newLocalStore(t, current)
	seedQueue(t, local,
		protocol.Differential{RequestID: "sync-1", Operations: []protocol.Operation{protocol.Set("a", "1")}},
		protocol.Differential{RequestID: "sync-2", Operations: []protocol.Operation{protocol.Set("b", "2")}},
	)

	e, dialer := scriptedEngine(t, local)
	e.SetOnline(false)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", current, 3))
	c.quiet(t, 50*time.Millisecond)

	e.SetOnline(true)
	env := c.next(t)
	require.Equal(t, protocol.TypeDifferentialBatch, env.Type)
	require.Len(t, env.Batch.Diffs, 2)
	assert.Equal(t, "sync-1", env.Batch.Diffs[0].RequestID)
	assert.Equal(t, "sync-2", env.Batch.Diffs[1].RequestID)
	assert.Equal(t, env.Batch.RequestID, e.Status().InFlight)

	c.send(t, protocol.Applied{
		Type:           protocol.TypeApplied,
		RequestID:      env.Batch.RequestID,
		OriginClientID: "me",
		State:          protocol.ServerState{Version: 4, Checksum: snapshot.Checksum(current)},
	})
	require.Eventually(t, func() bool {
		st := e.Status()
		return st.QueueLength == 0 && st.InFlight == ""
	}, waitFor, 5*time.Millisecond)
}

func TestEngine_AppliesRemoteOperationsWithoutRecording(t *testing.T) {
	local := newLocalStore(t, map[string]string{"a": "1"})
	e, dialer := scriptedEngine(t, local)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{"a": "1"}, 1))

	changes, cancel := local.Subscribe(8)
	defer cancel()

	c.send(t, protocol.Applied{
		Type:           protocol.TypeApplied,
		RequestID:      "sync-other",
		OriginClientID: "someone-else",
		Operations:     []protocol.Operation{protocol.Set("z", "9"), protocol.Remove("a")},
		State:          protocol.ServerState{Version: 2, Checksum: snapshot.Checksum(snapshot.Snapshot{"z": "9"})},
	})

	select {
	case ch := <-changes:
		assert.Equal(t, localstore.OriginRemote, ch.Origin)
	case <-time.After(waitFor):
		t.Fatal("no change notification")
	}
	assert.Equal(t, snapshot.Snapshot{"z": "9"}, localSnapshot(t, local))
	c.quiet(t, 50*time.Millisecond)

	st := e.Status()
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, 0, st.PendingOps)
	assert.Equal(t, int64(2), st.ServerVersion)
}

func TestEngine_ChecksumMismatchRebasesAndRetries(t *testing.T) {
	local := newLocalStore(t, nil)
	e, dialer := scriptedEngine(t, local)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{}, 1))
	require.Eventually(t, func() bool { return e.Status().ClientID == "me" }, waitFor, 5*time.Millisecond)

	require.NoError(t, local.Set("k", "v"))
	env := c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	first := env.Differential.RequestID
	assert.Equal(t, snapshot.EmptyChecksum, env.Differential.BaseChecksum)

	authoritative := snapshot.Snapshot{"other": "x"}
	c.send(t, protocol.ChecksumMismatch{
		Type:      protocol.TypeChecksumMismatch,
		RequestID: first,
		State: protocol.ServerState{
			Version:  2,
			Checksum: snapshot.Checksum(authoritative),
			Snapshot: authoritative,
		},
	})

	env = c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.NotEqual(t, first, env.Differential.RequestID)
	assert.Equal(t, snapshot.Checksum(authoritative), env.Differential.BaseChecksum)
	assert.Equal(t, []protocol.Operation{protocol.Set("k", "v")}, env.Differential.Operations)
	assert.Equal(t, snapshot.Snapshot{"other": "x", "k": "v"}, localSnapshot(t, local))
}

func TestEngine_ReleasesInFlightWhenChannelCloses(t *testing.T) {
	local := newLocalStore(t, nil)
	e, dialer := scriptedEngine(t, local)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{}, 1))
	require.Eventually(t, func() bool { return e.Status().ClientID == "me" }, waitFor, 5*time.Millisecond)

	require.NoError(t, local.Set("k", "v"))
	env := c.next(t)
	id := env.Differential.RequestID
	require.NoError(t, c.Close())

	second := dialer.accept(t)
	second.send(t, welcome("me-again", snapshot.Snapshot{"k": "v"}, 2))
	env = second.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.Equal(t, id, env.Differential.RequestID, "the abandoned request is resent")
}

func TestEngine_HTTPFallbackKeepsWritesFromOtherClients(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, map[string]string{"s": "1"})
	local := newLocalStore(t, nil)

	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	cfg.StartupSync = true
	e := startEngine(t, local, cfg)
	require.Equal(t, int64(1), e.Status().ServerVersion)

	status, _ := srvStore.SyncIncoming(2, map[string]string{"s": "1", "z": "9"})
	require.Equal(t, protocol.StatusServerUpdated, status)

	require.NoError(t, local.Set("k", "v"))
	require.NoError(t, e.SyncOverHTTP(context.Background()))

	want := map[string]string{"k": "v", "s": "1", "z": "9"}
	state := srvStore.State()
	assert.Equal(t, want, state.Snapshot)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, snapshot.Snapshot(want), localSnapshot(t, local))

	st := e.Status()
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, state.Checksum, st.ServerChecksum)
}

func TestEngine_HTTPFallbackPushRacingAnotherClient(t *testing.T) {
	srvStore, err := server.NewStore(nil, quietLogger())
	require.NoError(t, err)
	srvStore.SyncIncoming(1, map[string]string{"s": "1"})
	srv := server.NewServer(srvStore, &server.Config{Logger: quietLogger()})
	defer func() { _ = srv.Stop() }()
	api := srv.Handler()

	// another client pushes between this client's fetch and its push
	var raced atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && raced.CompareAndSwap(false, true) {
			srvStore.SyncIncoming(2, map[string]string{"s": "1", "z": "9"})
		}
		api.ServeHTTP(w, r)
	}))
	defer ts.Close()

	local := newLocalStore(t, map[string]string{"s": "1"})
	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	e := startEngine(t, local, cfg)

	require.NoError(t, local.Set("k", "v"))
	require.NoError(t, e.SyncOverHTTP(context.Background()))

	assert.Equal(t, map[string]string{"s": "1", "z": "9"}, srvStore.State().Snapshot)
	assert.Equal(t, snapshot.Snapshot{"k": "v", "s": "1", "z": "9"}, localSnapshot(t, local))
	q := e.Queue()
	require.Len(t, q, 1)
	assert.Equal(t, srvStore.State().Checksum, q[0].BaseChecksum)
	assert.Equal(t, []protocol.Operation{protocol.Set("k", "v")}, q[0].Operations)

	require.NoError(t, e.SyncOverHTTP(context.Background()))
	state := srvStore.State()
	assert.Equal(t, map[string]string{"k": "v", "s": "1", "z": "9"}, state.Snapshot)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, 0, e.Status().QueueLength)
}

// startWriter runs a short-lived engine on store that cannot reach the
// server, writes key, and stops, leaving the write queued on disk.
func startWriter(t *testing.T, store *localstore.Store, pageURL, key, value string) {
	t.Helper()
	cfg := testConfig(pageURL)
	cfg.Dialer = failingDialer{}
	w, err := NewWithConfig(store, cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, store.Set(key, value))
	require.NoError(t, w.Stop())
}

func TestEngine_HTTPFallbackSendsWorkQueuedByAnotherProcess(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, map[string]string{"s": "1"})
	backend := localstore.NewMemoryBackend(0)
	storeA := localstore.NewStore(backend, nil)
	storeB := localstore.NewStore(backend, nil)

	cfg := testConfig(ts.URL + "/")
	cfg.Dialer = failingDialer{}
	cfg.StartupSync = true
	e := startEngine(t, storeA, cfg)
	require.Equal(t, snapshot.Snapshot{"s": "1"}, localSnapshot(t, storeA))

	startWriter(t, storeB, ts.URL+"/", "k", "v")
	persisted, _ := queue.NewPersister(storeA, quietLogger()).Load()
	require.Len(t, persisted, 1)

	require.NoError(t, e.SyncOverHTTP(context.Background()))

	want := map[string]string{"k": "v", "s": "1"}
	assert.Equal(t, want, srvStore.State().Snapshot)
	assert.Equal(t, snapshot.Snapshot(want), localSnapshot(t, storeA))
	assert.Equal(t, 0, e.Status().QueueLength)
	persisted, _ = queue.NewPersister(storeA, quietLogger()).Load()
	assert.Empty(t, persisted)
}

func TestEngine_ExternalChangeSendsWorkQueuedByAnotherProcess(t *testing.T) {
	backend := localstore.NewMemoryBackend(0)
	require.NoError(t, backend.Set("s", "1"))
	storeA := localstore.NewStore(backend, nil)
	storeB := localstore.NewStore(backend, nil)

	e, dialer := scriptedEngine(t, storeA)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{"s": "1"}, 1))
	require.Eventually(t, func() bool { return e.Status().ClientID == "me" }, waitFor, 5*time.Millisecond)

	startWriter(t, storeB, "http://127.0.0.1:1/", "k", "v")
	storeA.Notify(localstore.Change{Origin: localstore.OriginExternal})

	env := c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.Equal(t, []protocol.Operation{protocol.Set("k", "v")}, env.Differential.Operations)
	assert.Equal(t, snapshot.Checksum(snapshot.Snapshot{"s": "1"}), env.Differential.BaseChecksum)
}

func TestEngine_ForeignAppliedKeepsRequestInFlight(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, map[string]string{"z": "9"})
	local := newLocalStore(t, nil)
	e, dialer := scriptedEngineAt(t, local, ts.URL+"/")
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{}, 0))
	require.Eventually(t, func() bool { return e.Status().ClientID == "me" }, waitFor, 5*time.Millisecond)

	require.NoError(t, local.Set("k", "v"))
	env := c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	first := env.Differential.RequestID

	serverState := srvStore.State()
	c.send(t, protocol.Applied{
		Type:           protocol.TypeApplied,
		RequestID:      "sync-other",
		OriginClientID: "someone-else",
		Operations:     []protocol.Operation{protocol.Set("z", "9")},
		State:          protocol.ServerState{Version: serverState.Version, Checksum: serverState.Checksum},
	})
	require.Eventually(t, func() bool {
		return localSnapshot(t, local).Equal(snapshot.Snapshot{"k": "v", "z": "9"})
	}, waitFor, 5*time.Millisecond)
	c.quiet(t, 100*time.Millisecond)
	assert.Equal(t, first, e.Status().InFlight)

	// a rejection of another request leaves this one outstanding
	c.send(t, protocol.ChecksumMismatch{
		Type:      protocol.TypeChecksumMismatch,
		RequestID: "sync-stale",
		State:     serverState,
	})
	c.quiet(t, 100*time.Millisecond)
	assert.Equal(t, first, e.Status().InFlight)

	c.send(t, protocol.ChecksumMismatch{
		Type:      protocol.TypeChecksumMismatch,
		RequestID: first,
		State:     serverState,
	})
	env = c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.NotEqual(t, first, env.Differential.RequestID)
	assert.Equal(t, serverState.Checksum, env.Differential.BaseChecksum)
	assert.Equal(t, []protocol.Operation{protocol.Set("k", "v")}, env.Differential.Operations)
	assert.Equal(t, snapshot.Snapshot{"k": "v", "z": "9"}, localSnapshot(t, local))
}

func TestEngine_AppliedDivergenceRecoversFromServer(t *testing.T) {
	srvStore, ts := newSyncServer(t, true, map[string]string{"a": "1"})
	srvStore.SyncIncoming(3, map[string]string{"a": "1", "b": "2", "c": "3"})
	local := newLocalStore(t, map[string]string{"a": "1"})

	e, dialer := scriptedEngineAt(t, local, ts.URL+"/")
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{"a": "1"}, 1))
	require.Eventually(t, func() bool { return e.Status().ClientID == "me" }, waitFor, 5*time.Millisecond)

	// the broadcast carries b but the server also has c
	serverState := srvStore.State()
	c.send(t, protocol.Applied{
		Type:           protocol.TypeApplied,
		RequestID:      "sync-other",
		OriginClientID: "someone-else",
		Operations:     []protocol.Operation{protocol.Set("b", "2")},
		State:          protocol.ServerState{Version: serverState.Version, Checksum: serverState.Checksum},
	})

	want := snapshot.Snapshot{"a": "1", "b": "2", "c": "3"}
	require.Eventually(t, func() bool {
		return localSnapshot(t, local).Equal(want)
	}, waitFor, 5*time.Millisecond)
	c.quiet(t, 50*time.Millisecond)

	st := e.Status()
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, int64(3), st.ServerVersion)
	assert.Equal(t, serverState.Checksum, st.ServerChecksum)
}

func TestEngine_SendFailureRetries(t *testing.T) {
	local := newLocalStore(t, nil)
	e, dialer := scriptedEngine(t, local)
	require.NoError(t, e.Start(context.Background()))
	c := dialer.accept(t)
	c.send(t, welcome("me", snapshot.Snapshot{}, 1))
	require.Eventually(t, func() bool { return e.Status().ClientID == "me" }, waitFor, 5*time.Millisecond)

	c.failWrites.Store(1)
	require.NoError(t, local.Set("k", "v"))

	env := c.next(t)
	require.Equal(t, protocol.TypeDifferential, env.Type)
	assert.Equal(t, []protocol.Operation{protocol.Set("k", "v")}, env.Differential.Operations)
	assert.Equal(t, int32(0), c.failWrites.Load(), "the first attempt failed")
	assert.Equal(t, env.Differential.RequestID, e.Status().InFlight)
	assert.Equal(t, 1, e.Status().QueueLength)
}

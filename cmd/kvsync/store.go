package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/engine"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
)

// errUndelivered marks local changes that are recorded and queued but not
// yet acknowledged by the server.
var errUndelivered = errors.New("change not delivered")

// openStore opens the configured sqlite store.
func openStore() (*localstore.Store, error) {
	filter, err := snapshot.NewKeyFilter(cfg.FilterConfig())
	if err != nil {
		return nil, err
	}
	backend, err := localstore.OpenSQLite(cfg.Client.StorePath, cfg.Client.QuotaBytes)
	if err != nil {
		return nil, err
	}
	return localstore.NewStore(backend, filter), nil
}

// engineConfig builds the engine configuration from cfg.
func engineConfig() *engine.Config {
	c := engine.DefaultConfig()
	c.PageURL = cfg.Client.URL
	c.SocketPath = cfg.Client.SocketPath
	c.APIPath = cfg.Client.APIPath
	c.BatchDebounce = cfg.Client.BatchDebounce
	c.FlushRetryDelay = cfg.Client.FlushRetryDelay
	c.FallbackInterval = cfg.Client.HTTPFallbackInterval
	c.Logger = logger("engine")

	c.Connection = conn.DefaultConfig()
	c.Connection.Machine = cfg.MachineConfig()
	c.Connection.Logger = logger("conn")
	return c
}

// mutate applies fn to the store through a short-lived engine so the change
// is recorded and, unless offline, delivered before returning. Work that
// cannot be delivered within timeout stays queued in the store.
func mutate(ctx context.Context, offline bool, timeout time.Duration, fn func(s *localstore.Store) error) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ec := engineConfig()
	ec.FallbackInterval = 0
	ec.StartupSync = !offline
	e, err := engine.NewWithConfig(store, ec)
	if err != nil {
		return err
	}
	if offline {
		e.SetOnline(false)
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	if err := fn(store); err != nil {
		return err
	}
	e.Flush()
	if offline {
		return nil
	}
	return waitForSync(ctx, e, timeout)
}

// waitForSync waits until everything queued has been acknowledged. When the
// realtime channel never opens it tries one HTTP sync instead.
func waitForSync(ctx context.Context, e *engine.Engine, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s := e.Status()
		if s.QueueLength == 0 && s.PendingOps == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if s.State == conn.Open {
				return fmt.Errorf("%w: %d differentials still queued", errUndelivered, s.QueueLength)
			}
			httpCtx, httpCancel := context.WithTimeout(context.Background(), timeout)
			defer httpCancel()
			if err := e.SyncOverHTTP(httpCtx); err != nil {
				return fmt.Errorf("%w: failed to reach sync server: %v", errUndelivered, err)
			}
			return nil
		case <-ticker.C:
			e.Flush()
		}
	}
}

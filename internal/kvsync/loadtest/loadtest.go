// Package loadtest drives many replicating clients against one sync server.
//
// Each simulated client is a full engine over an in-memory store. Clients
// write concurrently to their own keys, so every write races the others for
// the server's base checksum; the measured latency is the time from a local
// write until the server has acknowledged it, rebases included.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/engine"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
)

// pollInterval is how often client status is sampled.
const pollInterval = 5 * time.Millisecond

// LatencyStats captures acknowledgement latency across all writes.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
	Durations   []time.Duration
}

// Cluster is a set of started clients sharing one server.
type Cluster struct {
	engines []*engine.Engine
	stores  []*localstore.Store
}

// StartCluster starts n clients built from newConfig and waits until every
// one has been welcomed by the server.
func StartCluster(ctx context.Context, n int, newConfig func(i int) *engine.Config) (*Cluster, error) {
	if n <= 0 {
		return nil, fmt.Errorf("client count must be positive, got %d", n)
	}

	c := &Cluster{}
	for i := 0; i < n; i++ {
		store := localstore.NewStore(localstore.NewMemoryBackend(0), nil)
		e, err := engine.NewWithConfig(store, newConfig(i))
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to create client %d: %w", i, err)
		}
		if err := e.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to start client %d: %w", i, err)
		}
		c.engines = append(c.engines, e)
		c.stores = append(c.stores, store)
	}

	err := c.poll(ctx, func() bool {
		for _, e := range c.engines {
			s := e.Status()
			if s.State != conn.Open || s.ClientID == "" {
				return false
			}
		}
		return true
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("clients did not connect: %w", err)
	}
	return c, nil
}

// Size returns the number of clients.
func (c *Cluster) Size() int { return len(c.engines) }

// Close stops every client.
func (c *Cluster) Close() error {
	for i, e := range c.engines {
		_ = e.Stop()
		_ = c.stores[i].Close()
	}
	c.engines, c.stores = nil, nil
	return nil
}

// RunConcurrentWrites has every client write writesPerClient keys of its
// own, one at a time, waiting for each to be acknowledged.
func (c *Cluster) RunConcurrentWrites(ctx context.Context, writesPerClient int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, len(c.engines))
	errorsChan := make(chan error, len(c.engines))

	for i, e := range c.engines {
		wg.Add(1)
		go func(clientID int, e *engine.Engine) {
			defer wg.Done()

			durations := make([]time.Duration, 0, writesPerClient)
			for j := 0; j < writesPerClient; j++ {
				key := fmt.Sprintf("loadtest:client-%03d:%05d", clientID, j)
				start := time.Now()
				if err := e.Store().Set(key, start.UTC().Format(time.RFC3339Nano)); err != nil {
					errorsChan <- fmt.Errorf("client %d write %d failed: %w", clientID, j, err)
					return
				}
				e.Flush()
				if err := c.poll(ctx, func() bool { return settled(e) }); err != nil {
					errorsChan <- fmt.Errorf("client %d write %d not acknowledged: %w", clientID, j, err)
					return
				}
				durations = append(durations, time.Since(start))
			}
			resultsChan <- durations
		}(i, e)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	if len(allDurations) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no writes completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// WaitConverged waits until every client has nothing queued and all local
// checksums agree, and returns that checksum.
func (c *Cluster) WaitConverged(ctx context.Context) (string, error) {
	var checksum string
	err := c.poll(ctx, func() bool {
		checksum = ""
		for i, e := range c.engines {
			if !settled(e) {
				return false
			}
			sum, err := c.stores[i].Checksum()
			if err != nil {
				return false
			}
			if checksum == "" {
				checksum = sum
			} else if sum != checksum {
				return false
			}
		}
		return true
	})
	if err != nil {
		return "", fmt.Errorf("clients did not converge: %w", err)
	}
	return checksum, nil
}

func settled(e *engine.Engine) bool {
	s := e.Status()
	return s.QueueLength == 0 && s.PendingOps == 0
}

func (c *Cluster) poll(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// PrintStats formats latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Acknowledgement Latency:\n")
	fmt.Fprintf(w, "  Total Writes:  %d\n", s.TotalWrites)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// QuietConfig returns an engine configuration for pageURL with short delays
// and logging discarded.
func QuietConfig(pageURL string) *engine.Config {
	c := engine.DefaultConfig()
	c.PageURL = pageURL
	c.BatchDebounce = 5 * time.Millisecond
	c.FlushRetryDelay = 10 * time.Millisecond
	c.FallbackInterval = 0
	c.StartupSync = false
	c.Logger = log.New(io.Discard, "", 0)
	c.Connection = conn.DefaultConfig()
	c.Connection.Machine.InitialDelay = 20 * time.Millisecond
	c.Connection.Machine.MaxDelay = 200 * time.Millisecond
	c.Connection.Logger = c.Logger
	return c
}

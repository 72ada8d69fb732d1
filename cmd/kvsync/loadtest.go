package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/surveyfoundry/kvsync/internal/kvsync/engine"
	"github.com/surveyfoundry/kvsync/internal/kvsync/loadtest"
	"github.com/surveyfoundry/kvsync/internal/kvsync/server"
	"github.com/surveyfoundry/kvsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure sync latency with many concurrent clients",
	Long: `Start a number of in-memory sync clients that write to their own keys at the
same time, then report how long each write took to be acknowledged by the
server and check that every client converged on the same state.

Every concurrent write competes for the server's base checksum, so the
latency includes checksum-mismatch rebases.

Examples:
  # 20 clients against a throwaway in-process server
  kvsync loadtest --clients 20

  # Against a running server
  kvsync loadtest --url http://localhost:8787/ --clients 50 --writes 20

  # Output statistics as JSON
  kvsync loadtest --json
`,
	Args: cobra.NoArgs,
	Run:  runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("clients", 10, "Number of concurrent clients to simulate")
	loadtestCmd.Flags().Int("writes", 10, "Number of writes per client")
	loadtestCmd.Flags().String("url", "", "Sync server to test (default: start one in-process)")
	loadtestCmd.Flags().Duration("timeout", 2*time.Minute, "Give up after this long")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	clients, _ := cmd.Flags().GetInt("clients")
	writes, _ := cmd.Flags().GetInt("writes")
	url, _ := cmd.Flags().GetString("url")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if clients <= 0 {
		fatal("--clients must be positive")
	}
	if writes <= 0 {
		fatal("--writes must be positive")
	}

	if url == "" {
		store, err := server.NewStore(nil, logger("server"))
		if err != nil {
			fatal("%v", err)
		}
		srv := server.NewServer(store, &server.Config{
			Addr:           "127.0.0.1:0",
			SocketPath:     cfg.Client.SocketPath,
			APIPath:        cfg.Client.APIPath,
			InlineSnapshot: true,
			Logger:         logger("server"),
		})
		if err := srv.Start(); err != nil {
			fatal("failed to start server: %v", err)
		}
		defer srv.Stop()
		url = "http://" + srv.Addr() + "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if !jsonOutput {
		fmt.Printf("Running load test against %s...\n", url)
		fmt.Printf("Configuration: %d clients, %d writes/client\n\n", clients, writes)
	}

	cluster, err := loadtest.StartCluster(ctx, clients, func(int) *engine.Config {
		c := loadtest.QuietConfig(url)
		c.SocketPath = cfg.Client.SocketPath
		c.APIPath = cfg.Client.APIPath
		return c
	})
	if err != nil {
		fatal("%v", err)
	}
	defer cluster.Close()

	start := time.Now()
	stats, err := cluster.RunConcurrentWrites(ctx, writes)
	if err != nil {
		fatal("%v", err)
	}
	checksum, convergeErr := cluster.WaitConverged(ctx)
	elapsed := time.Since(start)

	if jsonOutput {
		out := map[string]any{
			"clients":    clients,
			"writes":     stats.TotalWrites,
			"errors":     stats.Errors,
			"elapsed_ms": elapsed.Milliseconds(),
			"min_ms":     ms(stats.Min),
			"p50_ms":     ms(stats.P50),
			"mean_ms":    ms(stats.Mean),
			"p95_ms":     ms(stats.P95),
			"p99_ms":     ms(stats.P99),
			"max_ms":     ms(stats.Max),
			"converged":  convergeErr == nil,
			"checksum":   checksum,
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatal("%v", err)
		}
	} else {
		stats.PrintStats(os.Stdout)
		fmt.Printf("\nElapsed: %v (%.0f writes/s)\n", elapsed.Round(time.Millisecond),
			float64(stats.TotalWrites)/elapsed.Seconds())
		if convergeErr == nil {
			fmt.Printf("%s All clients converged on %s\n", ui.RenderPass("✓"), checksum)
		}
	}

	if convergeErr != nil {
		fatal("%v", convergeErr)
	}
	if stats.Errors > 0 {
		fmt.Fprintf(os.Stderr, "%s %d clients failed\n", ui.RenderFail("✗"), stats.Errors)
		os.Exit(1)
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

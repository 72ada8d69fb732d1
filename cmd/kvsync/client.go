package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surveyfoundry/kvsync/internal/kvsync/engine"
	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/ui"
)

var clientCmd = &cobra.Command{
	Use:     "client",
	GroupID: "sync",
	Short:   "Run the sync client in the foreground",
	Long: `Run the replication engine against the local store until interrupted.

The client:
  1. Applies newer server state fetched over HTTP at startup
  2. Opens the realtime channel and reconciles with the server's welcome
  3. Sends local changes as debounced, checksummed differentials
  4. Applies changes broadcast by other clients
  5. Falls back to HTTP snapshot sync while the channel is down

Changes written to the store file by other processes are reported as they
happen. Use 'kvsync set' and friends from another terminal to edit the store.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore()
		if err != nil {
			fatal("failed to open store: %v", err)
		}
		defer store.Close()

		ec := engineConfig()
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			ec.PageURL = url
		}
		e, err := engine.NewWithConfig(store, ec)
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fw, err := localstore.NewFileWatcher(cfg.Client.StorePath)
		if err != nil {
			fatal("failed to watch store: %v", err)
		}
		if err := fw.Start(); err != nil {
			fatal("failed to watch store: %v", err)
		}
		defer fw.Stop()
		go store.Follow(ctx, fw)

		changes, unsubscribe := store.Subscribe(64)
		defer unsubscribe()

		fmt.Printf("%s Starting sync client...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", cfg.Client.StorePath)
		fmt.Printf("   Server: %s\n", ec.PageURL)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := e.Start(ctx); err != nil {
			fatal("%v", err)
		}

		quiet, _ := cmd.Flags().GetBool("quiet")
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down sync client...")
				if err := e.Stop(); err != nil {
					fatal("error during shutdown: %v", err)
				}
				s := e.Status()
				if s.QueueLength > 0 {
					fmt.Printf("%s %d differentials queued for the next sync\n", ui.RenderWarn("⚠"), s.QueueLength)
				}
				return
			case c := <-changes:
				if !quiet {
					printChange(c)
				}
			}
		}
	},
}

func printChange(c localstore.Change) {
	keys := "all keys"
	if c.Keys != nil {
		keys = strings.Join(c.Keys, ", ")
	}
	fmt.Printf("%s %s change: %s\n", ui.RenderAccent("↻"), c.Origin, ui.RenderKey(keys))
}

func init() {
	clientCmd.Flags().String("url", "", "Override client.url")
	clientCmd.Flags().BoolP("quiet", "q", false, "Do not print store changes")
	rootCmd.AddCommand(clientCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surveyfoundry/kvsync/internal/kvsync/server"
	"github.com/surveyfoundry/kvsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Start the reference sync server",
	Long: `Start the authoritative sync server.

The server keeps the replicated state in a SQLite database and exposes it on
two endpoints:
- WebSocket (default /ws/localstorage-sync): welcomes clients with the current
  state, applies differentials and broadcasts them to every client
- HTTP (default /api/localstorage-sync): GET returns the state, POST accepts a
  full snapshot push

Both endpoints also answer under any path prefix, so the server can sit behind
a reverse proxy that mounts it below a sub-path.

Example usage:
  kvsync serve                   # Listen on :8787
  kvsync serve --addr :9000      # Listen on a custom address`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		addr := cfg.Server.Addr
		if a, _ := cmd.Flags().GetString("addr"); a != "" {
			addr = a
		}
		dbPath := cfg.Server.DBPath
		if p, _ := cmd.Flags().GetString("db"); p != "" {
			dbPath = p
		}
		noInline, _ := cmd.Flags().GetBool("no-inline-snapshot")

		persistence, err := server.OpenSQLite(dbPath)
		if err != nil {
			fatal("failed to open server database: %v", err)
		}
		defer persistence.Close()

		log := logger("server")
		store, err := server.NewStore(persistence, log)
		if err != nil {
			fatal("%v", err)
		}

		srv := server.NewServer(store, &server.Config{
			Addr:           addr,
			SocketPath:     cfg.Client.SocketPath,
			APIPath:        cfg.Client.APIPath,
			InlineSnapshot: !noInline,
			Logger:         log,
		})
		if err := srv.Start(); err != nil {
			fatal("failed to start server: %v", err)
		}

		host := srv.Addr()
		if strings.HasPrefix(host, "[::]") {
			host = "localhost" + strings.TrimPrefix(host, "[::]")
		}
		state := store.State()
		fmt.Printf("%s Sync server started on http://%s\n", ui.RenderAccent("🚀"), host)
		fmt.Printf("   WebSocket endpoint: ws://%s%s\n", host, cfg.Client.SocketPath)
		fmt.Printf("   HTTP endpoint: http://%s%s\n", host, cfg.Client.APIPath)
		fmt.Printf("   State: v%d %s (%d keys) in %s\n", state.Version, state.Checksum, len(state.Snapshot), dbPath)
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down sync server...")
		if err := srv.Stop(); err != nil {
			fatal("error during shutdown: %v", err)
		}
		fmt.Println("Sync server stopped")
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default: server.addr)")
	serveCmd.Flags().String("db", "", "Server database path (default: server.db_path)")
	serveCmd.Flags().Bool("no-inline-snapshot", false, "Send only version and checksum in welcome messages")
	rootCmd.AddCommand(serveCmd)
}

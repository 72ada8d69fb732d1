package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/surveyfoundry/kvsync/internal/kvsync/conn"
	"github.com/surveyfoundry/kvsync/internal/kvsync/httpsync"
	"github.com/surveyfoundry/kvsync/internal/kvsync/queue"
	"github.com/surveyfoundry/kvsync/internal/kvsync/snapshot"
	"github.com/surveyfoundry/kvsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Compare the local store with the sync server",
	Long: `Display the local store's checksum, the queued differentials and the last
server state seen, and compare them with the server's current state.

Shows:
  - Store location and number of synchronized keys
  - Queued differentials and operations awaiting delivery
  - Last acknowledged server version and checksum
  - Current server version and checksum (unless --offline)`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore()
		if err != nil {
			fatal("failed to open store: %v", err)
		}
		defer store.Close()

		local, err := store.Snapshot()
		if err != nil {
			fatal("failed to read store: %v", err)
		}
		entries, meta := queue.NewPersister(store, logger("queue")).Load()
		checksum := snapshot.Checksum(local)

		fields := []ui.Field{
			{Label: "Store", Value: cfg.Client.StorePath},
			{Label: "Keys", Value: strconv.Itoa(len(local))},
			{Label: "Checksum", Value: checksum},
			{Label: "Queued", Value: fmt.Sprintf("%d differentials, %d operations", len(entries), queue.TotalOperations(entries))},
			{Label: "Last seen", Value: fmt.Sprintf("v%d %s", meta.ServerVersion, meta.ServerChecksum)},
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
		if offline, _ := cmd.Flags().GetBool("offline"); !offline {
			fields = append(fields, serverFields(checksum, len(entries))...)
		}
		fmt.Print(ui.RenderFields(fields))
		fmt.Println()
	},
}

// serverFields fetches the server state and describes how it relates to
// the local store.
func serverFields(localChecksum string, queued int) []ui.Field {
	candidates, err := conn.APIEndpointCandidates(cfg.Client.URL, cfg.Client.APIPath)
	if err != nil {
		fatal("%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := httpsync.NewClient(candidates, nil).Fetch(ctx)
	if err != nil {
		return []ui.Field{{Label: "Server", Value: ui.RenderWarn("unreachable: " + err.Error())}}
	}

	verdict := ui.RenderPass("in sync")
	switch {
	case state.Checksum == localChecksum:
	case queued > 0:
		verdict = ui.RenderWarn("local changes pending")
	default:
		verdict = ui.RenderWarn("behind server")
	}
	return []ui.Field{
		{Label: "Server", Value: fmt.Sprintf("v%d %s (%d keys)", state.Version, state.Checksum, len(state.Snapshot))},
		{Label: "Verdict", Value: verdict},
	}
}

func init() {
	statusCmd.Flags().Bool("offline", false, "Do not contact the server")
	rootCmd.AddCommand(statusCmd)
}

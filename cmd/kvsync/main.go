// Command kvsync replicates a local key/value store with a sync server and
// runs the reference server.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/surveyfoundry/kvsync/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config

	logOut   io.Writer = os.Stderr
	closeLog           = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "kvsync",
	Short: "Key/value state replication client and reference server",
	Long: `kvsync keeps a device-local key/value store in sync with an authoritative
server over a WebSocket channel, falling back to periodic HTTP snapshot sync
when the channel is down.

Local mutations are batched, queued durably and sent as checksummed
differentials. Changes from other clients are applied as they are broadcast.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
			loaded.Log.File = logFile
		}
		cfg = loaded
		logOut, closeLog = cfg.Log.Output()
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default: ./kvsync.toml or ~/.config/kvsync/kvsync.toml)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to a rotating file instead of stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "store", Title: "Store Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// logger returns a logger for component writing to the configured output.
func logger(component string) *log.Logger {
	return config.Logger(logOut, component)
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	_ = closeLog()
	os.Exit(1)
}

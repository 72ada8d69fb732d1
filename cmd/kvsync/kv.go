package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/surveyfoundry/kvsync/internal/kvsync/localstore"
	"github.com/surveyfoundry/kvsync/internal/ui"
)

var setCmd = &cobra.Command{
	Use:     "set <key> <value>",
	GroupID: "store",
	Short:   "Set a key in the local store and sync it",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runMutation(cmd, func(s *localstore.Store) error {
			return s.Set(args[0], args[1])
		})
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), ui.RenderKey(args[0]))
	},
}

var getCmd = &cobra.Command{
	Use:     "get <key>",
	GroupID: "store",
	Short:   "Print a key from the local store",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore()
		if err != nil {
			fatal("failed to open store: %v", err)
		}
		defer store.Close()

		value, ok, err := store.Get(args[0])
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			fatal("key %q not found", args[0])
		}
		fmt.Println(value)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <key>...",
	GroupID: "store",
	Short:   "Remove keys from the local store and sync the removal",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runMutation(cmd, func(s *localstore.Store) error {
			for _, key := range args {
				if err := s.Remove(key); err != nil {
					return err
				}
			}
			return nil
		})
		fmt.Printf("%s removed %d keys\n", ui.RenderPass("✓"), len(args))
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "store",
	Short:   "Remove every synchronized key and sync the clear",
	Long: `Remove every synchronized key from the local store. Local-only keys and
the engine's own bookkeeping are kept. The clear is delivered to the server
like any other change and removes the keys on every client.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			fatal("clear removes the keys on every client; pass --yes to confirm")
		}
		runMutation(cmd, func(s *localstore.Store) error {
			return s.Clear()
		})
		fmt.Printf("%s cleared\n", ui.RenderPass("✓"))
	},
}

var dumpCmd = &cobra.Command{
	Use:     "dump",
	GroupID: "store",
	Short:   "Print the local store",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore()
		if err != nil {
			fatal("failed to open store: %v", err)
		}
		defer store.Close()

		var entries map[string]string
		if all, _ := cmd.Flags().GetBool("all"); all {
			entries, err = store.Backend().All()
		} else {
			entries, err = store.Snapshot()
		}
		if err != nil {
			fatal("failed to read store: %v", err)
		}

		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			err = enc.Encode(entries)
		case "yaml":
			err = yaml.NewEncoder(os.Stdout).Encode(entries)
		case "text", "":
			fmt.Print(ui.RenderEntries(entries, ui.Width()))
		default:
			fatal("unknown format %q", format)
		}
		if err != nil {
			fatal("%v", err)
		}
	},
}

// runMutation runs fn through a short-lived engine, exiting on failure.
func runMutation(cmd *cobra.Command, fn func(s *localstore.Store) error) {
	offline, _ := cmd.Flags().GetBool("offline")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := mutate(ctx, offline, timeout, fn)
	if err != nil && !errors.Is(err, errUndelivered) {
		fatal("%v", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderWarn("⚠"), err)
		fmt.Fprintf(os.Stderr, "   The change is queued and will be sent on the next sync\n")
	}
}

func init() {
	for _, c := range []*cobra.Command{setCmd, rmCmd, clearCmd} {
		c.Flags().Bool("offline", false, "Record the change without contacting the server")
		c.Flags().Duration("timeout", 5*time.Second, "How long to wait for the server to acknowledge")
	}
	clearCmd.Flags().Bool("yes", false, "Confirm clearing the store")

	dumpCmd.Flags().StringP("format", "f", "text", "Output format: text, json or yaml")
	dumpCmd.Flags().Bool("all", false, "Include local-only and engine keys")

	rootCmd.AddCommand(setCmd, getCmd, rmCmd, clearCmd, dumpCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surveyfoundry/kvsync/internal/config"
	"github.com/surveyfoundry/kvsync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Create or inspect the kvsync configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration to a file",
	Long: `Write the built-in defaults to path (default: kvsync.toml). The format follows
the extension: .toml, .yaml/.yml or .json.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := config.FileName + ".toml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := config.Default().WriteFile(path, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		if cfg.File != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("# from "+cfg.File))
		}
		if err := cfg.Write(os.Stdout, config.Format(format)); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	configShowCmd.Flags().String("format", "toml", "Output format: toml, yaml or json")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

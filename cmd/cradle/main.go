package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/cradle/am"
	"github.com/teranos/cradle/cmd/cradle/commands"
	"github.com/teranos/cradle/logger"
)

var rootCmd = &cobra.Command{
	Use:   "cradle",
	Short: "cradle - offline-first baby tracking sync",
	Long: `cradle - offline-first baby tracking with multi-device sync.

Every device keeps its own copy of each profile and reconciles with the
others: directly over the local network, through a shared cloud backend,
or by passing exported profile files around.

Available commands:
  action  - Log, edit and list actions (sleep, diaper, feeding)
  serve   - Run the sync daemon (peer endpoint, scheduled sync)
  sync    - Sync now with the cloud or a peer, manage peers
  export  - Write a profile to a shareable file
  import  - Merge a shared profile file
  profiles - List or remove profiles stored on this device
  am      - Manage cradle configuration ("I am")

Examples:
  cradle action start sleep       # Start a sleep
  cradle action stop sleep        # Stop it
  cradle action list              # Show open actions and history
  cradle sync peer http://nursery.local:8877
  cradle serve                    # Run the daemon`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		opts := logger.Options{Verbosity: verbosity}
		// Config errors surface in the command itself; logging falls back to defaults.
		if cfg, err := am.Load(); err == nil {
			opts.JSON = cfg.Log.JSON
			opts.File = cfg.Log.File
		}
		if err := logger.Initialize(opts); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json", false, "Output JSON instead of tables")

	rootCmd.AddCommand(commands.ActionCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.ProfilesCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

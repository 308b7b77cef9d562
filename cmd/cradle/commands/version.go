package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/cradle/display"
	"github.com/teranos/cradle/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show cradle version information",
	Long:  `Display version, build time, commit hash, sync protocol and platform information for the cradle binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(info)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, info.String())
		fmt.Fprintf(out, "Sync protocol: %s (snapshot v%d)\n", info.Protocol, info.Snapshot)
		fmt.Fprintf(out, "Platform: %s\n", info.Platform)
		fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
		return nil
	},
}

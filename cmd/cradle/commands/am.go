package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cradle/am"
	"github.com/teranos/cradle/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage cradle configuration",
	Long: `am - Manage cradle configuration ("I am")

Display and validate the configuration this device runs with.

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/cradle/am.toml)
3. User config (~/.cradle/am.toml)
4. Managed config (~/.cradle/am_managed.toml, written by 'cradle sync peers')
5. Project config (./am.toml, searched up from the working directory)
6. Environment variables (CRADLE_* prefix)

Examples:
  cradle am show                    # Show current configuration
  cradle am show --format json      # Show configuration in JSON format
  cradle am get sync.interval_seconds
  cradle am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged configuration from all sources. Credentials are masked.",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, cloud.backend)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate the merged configuration and report keys no setting consumes",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade, which files exist and which
source every active setting came from.`,
	RunE: runAmWhere,
}

var configFormat string

const maskedValue = "********"

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

// masked returns a copy of cfg safe to print.
func masked(cfg *am.Config) am.Config {
	out := *cfg
	if out.Cloud.S3.AccessKeyID != "" {
		out.Cloud.S3.AccessKeyID = maskedValue
	}
	if out.Cloud.S3.SecretAccessKey != "" {
		out.Cloud.S3.SecretAccessKey = maskedValue
	}
	if out.Cloud.Postgres.DSN != "" {
		out.Cloud.Postgres.DSN = maskedValue
	}
	return out
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	safe := masked(cfg)

	out := cmd.OutOrStdout()
	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(safe, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Fprintln(out, string(data))

	case "yaml":
		data, err := yaml.Marshal(safe)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Fprintf(out, "# cradle configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(safe)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Fprintf(out, "# cradle configuration\n%s", string(data))

	default:
		return errors.NewInvalidRequestError("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	if am.IsSensitive(key) {
		fmt.Fprintln(cmd.OutOrStdout(), maskedValue)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), am.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	for _, sp := range am.ConfigPaths() {
		if _, err := os.Stat(sp.Path); err != nil {
			continue
		}
		keys, err := am.UnknownKeys(sp.Path)
		if err != nil {
			pterm.Warning.Printfln("%s: %v", sp.Path, err)
			continue
		}
		for _, key := range keys {
			pterm.Warning.Printfln("%s: unknown key %q", sp.Path, key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return errors.Wrap(err, "failed to get config introspection")
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  [DEFAULT]      Built-in defaults")
	for _, sp := range am.ConfigPaths() {
		status := "missing"
		if _, err := os.Stat(sp.Path); err == nil {
			status = "found"
		}
		fmt.Printf("  [%-12s] %s (%s)\n", sp.Source, sp.Path, status)
	}
	fmt.Println("  [ENVIRONMENT]  CRADLE_* environment variables")
	fmt.Println()

	type fileGroup struct {
		source   am.ConfigSource
		path     string
		settings []am.SettingInfo
	}
	groups := make(map[string]*fileGroup)
	for _, setting := range intro.Settings {
		key := setting.SourcePath
		if key == "" || setting.Source == am.SourceEnvironment {
			key = string(setting.Source)
		}
		if g, ok := groups[key]; ok {
			g.settings = append(g.settings, setting)
			continue
		}
		groups[key] = &fileGroup{source: setting.Source, path: setting.SourcePath, settings: []am.SettingInfo{setting}}
	}

	sourceOrder := []am.ConfigSource{
		am.SourceDefault,
		am.SourceSystem,
		am.SourceUser,
		am.SourceManaged,
		am.SourceProject,
		am.SourceEnvironment,
	}

	fmt.Println("Active configuration:")
	for _, source := range sourceOrder {
		var level []*fileGroup
		for _, g := range groups {
			if g.source == source && len(g.settings) > 0 {
				level = append(level, g)
			}
		}
		sort.Slice(level, func(i, j int) bool { return level[i].path < level[j].path })

		for _, g := range level {
			switch {
			case source == am.SourceDefault:
				fmt.Printf("\n%s: %d settings\n", source, len(g.settings))
			case source == am.SourceEnvironment:
				fmt.Printf("\n%s: %d settings from environment variables\n", source, len(g.settings))
			default:
				fmt.Printf("\n%s: %d settings from %s\n", source, len(g.settings), filepath.Clean(g.path))
			}
			sort.Slice(g.settings, func(i, j int) bool { return g.settings[i].Key < g.settings[j].Key })
			for _, setting := range g.settings {
				valueStr := fmt.Sprintf("%v", setting.Value)
				if len(valueStr) > 50 {
					valueStr = valueStr[:47] + "..."
				}
				fmt.Printf("  %s = %s\n", setting.Key, valueStr)
			}
		}
	}
	return nil
}

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cradle/display"
	"github.com/teranos/cradle/errors"
)

// ExportCmd writes a profile as a shared document.
var ExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a profile to a shareable file",
	Long: `Write a profile and its full action history to a file another
device can import. With --compress the file is snappy-compressed.

Examples:
  cradle export -o baby.cradle.json
  cradle export --compress -o baby.cradle.sz
  cradle export > baby.cradle.json`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

// ImportCmd merges shared documents.
var ImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Merge shared profile files",
	Long: `Merge one or more shared profile files, JSON or snappy-compressed.
Import only adds and updates; nothing local is deleted. "-" reads stdin.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

// ProfilesCmd lists the profiles stored on this device.
var ProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List profiles stored on this device",
	RunE:  runProfiles,
}

var profilesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a profile and all its actions from this device",
	Long: `Delete a profile and all its actions from this device. When a cloud
backend is configured, the profile's actions are deleted there too.`,
	Args: cobra.ExactArgs(1),
	RunE: runProfilesRemove,
}

var (
	exportOutput   string
	exportCompress bool
)

func init() {
	ExportCmd.Flags().StringP("profile", "p", "", "Profile id (defaults to device.profile)")
	ExportCmd.Flags().String("db-path", "", "Database path (overrides config)")
	ExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
	ExportCmd.Flags().BoolVar(&exportCompress, "compress", false, "Snappy-compress the document")

	ImportCmd.Flags().String("db-path", "", "Database path (overrides config)")

	ProfilesCmd.PersistentFlags().String("db-path", "", "Database path (overrides config)")
	ProfilesCmd.AddCommand(profilesRemoveCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withRuntime opens the runtime, runs fn and flushes on the way out.
func withRuntime(cmd *cobra.Command, offline bool, fn func(ctx context.Context, rt *runtime) error) error {
	ctx := commandContext(cmd)
	dbPath, _ := cmd.Flags().GetString("db-path")
	rt, err := openRuntime(ctx, runtimeOptions{dbPath: dbPath, offline: offline})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		rt.Close(flushCtx)
	}()
	return fn(ctx, rt)
}

func runExport(cmd *cobra.Command, args []string) error {
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		data, err := rt.engine.Export(ctx, pid, exportCompress)
		if err != nil {
			return err
		}
		if exportOutput == "" || exportOutput == "-" {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0644); err != nil {
			return errors.Wrapf(err, "write %s", exportOutput)
		}
		pterm.Success.Printfln("Exported profile %s to %s (%d bytes)", shortID(pid), exportOutput, len(data))
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, false, func(ctx context.Context, rt *runtime) error {
		var errs error
		for _, path := range args {
			data, err := readInput(cmd, path)
			if err != nil {
				errs = errors.CombineErrors(errs, err)
				continue
			}
			summary, err := rt.engine.Import(ctx, data)
			if err != nil {
				pterm.Error.Printfln("%s: %v", path, err)
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "import %s", path))
				continue
			}
			if display.ShouldOutputJSON(cmd) {
				if err := display.OutputJSON(summary); err != nil {
					return err
				}
				continue
			}
			pterm.Success.Printfln("%s: %d added, %d updated", path, summary.Added, summary.Updated)
		}
		return errs
	})
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

type profileRow struct {
	ID       uuid.UUID  `json:"id"`
	Name     string     `json:"name,omitempty"`
	Birth    *time.Time `json:"birthDate,omitempty"`
	Running  int        `json:"running"`
	History  int        `json:"history"`
	Unpushed int        `json:"unpushed"`
}

func runProfiles(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, true, func(ctx context.Context, rt *runtime) error {
		records, err := rt.store.FetchAll(ctx)
		if err != nil {
			return errors.Wrap(err, "list profiles")
		}
		rows := make([]profileRow, 0, len(records))
		for _, rec := range records {
			rows = append(rows, profileRow{
				ID:       rec.ProfileID,
				Name:     rec.Name,
				Birth:    rec.BirthDate,
				Running:  len(rec.State.Active),
				History:  len(rec.State.History),
				Unpushed: len(rec.Pending),
			})
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(rows)
		}
		if len(rows) == 0 {
			pterm.Info.Println("No profiles yet. Start an action with --profile <uuid> to create one.")
			return nil
		}
		data := pterm.TableData{{"ID", "Name", "Running", "History", "Unpushed"}}
		for _, r := range rows {
			data = append(data, []string{r.ID.String(), r.Name, fmt.Sprint(r.Running), fmt.Sprint(r.History), fmt.Sprint(r.Unpushed)})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

func runProfilesRemove(cmd *cobra.Command, args []string) error {
	pid, err := uuid.Parse(args[0])
	if err != nil {
		return errors.NewInvalidRequestError("invalid profile id %q", args[0])
	}
	return withRuntime(cmd, false, func(ctx context.Context, rt *runtime) error {
		// Loaded first so the cloud purge knows which actions to delete.
		state := rt.cache.State(ctx, pid)
		if state.Len() == 0 {
			return errors.NewNotFoundError("profile %s has no data", pid)
		}
		rt.cache.RemoveProfileData(ctx, pid)
		pterm.Success.Printfln("Removed profile %s", pid)
		return nil
	})
}

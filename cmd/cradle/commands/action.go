package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/display"
	"github.com/teranos/cradle/errors"
)

// ActionCmd groups the commands that log and edit actions.
var ActionCmd = &cobra.Command{
	Use:     "action",
	Aliases: []string{"a"},
	Short:   "Log, edit and list actions",
	Long: `Log, edit and list actions for a profile.

Durational actions (sleep, feeding) run until stopped; starting one closes
any other running durational action. Diapers are logged complete.

Times accept RFC 3339 ("2026-05-01T08:30:00Z"), a clock time today ("08:30")
or an offset from now ("-20m").

Examples:
  cradle action start sleep
  cradle action start feeding --feeding bottle --bottle formula --volume 120
  cradle action start diaper --diaper dirty
  cradle action stop sleep
  cradle action add sleep --start 01:10 --end 03:40
  cradle action edit <id> --end -5m
  cradle action continue <id>
  cradle action delete <id>
  cradle action list`,
}

var actionStartCmd = &cobra.Command{
	Use:   "start <category>",
	Short: "Start an action now",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionStart,
}

var actionStopCmd = &cobra.Command{
	Use:   "stop <category>",
	Short: "Stop the running action of a category",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionStop,
}

var actionAddCmd = &cobra.Command{
	Use:   "add <category>",
	Short: "Add a backdated action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionAdd,
}

var actionEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change the times or attributes of an action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionEdit,
}

var actionContinueCmd = &cobra.Command{
	Use:   "continue <id>",
	Short: "Reopen a finished action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionContinue,
}

var actionDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete an action",
	Args:    cobra.ExactArgs(1),
	RunE:    runActionDelete,
}

var actionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show running actions and history",
	RunE:    runActionList,
}

// attrFlags are the category attributes accepted by start, add and edit.
type attrFlags struct {
	diaper  string
	feeding string
	bottle  string
	volume  float64
	place   string
	lat     float64
	lon     float64
}

var (
	actionAttrs attrFlags
	actionStart string
	actionEnd   string
	listLimit   int
)

func addAttrFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&actionAttrs.diaper, "diaper", "", "Diaper type: wet, dirty, mixed")
	cmd.Flags().StringVar(&actionAttrs.feeding, "feeding", "", "Feeding type: breast_left, breast_right, bottle, solid")
	cmd.Flags().StringVar(&actionAttrs.bottle, "bottle", "", "Bottle contents: formula, breast_milk")
	cmd.Flags().Float64Var(&actionAttrs.volume, "volume", 0, "Bottle volume in ml")
	cmd.Flags().StringVar(&actionAttrs.place, "place", "", "Place name")
	cmd.Flags().Float64Var(&actionAttrs.lat, "lat", 0, "Latitude")
	cmd.Flags().Float64Var(&actionAttrs.lon, "lon", 0, "Longitude")
}

func init() {
	ActionCmd.PersistentFlags().StringP("profile", "p", "", "Profile id (defaults to device.profile)")
	ActionCmd.PersistentFlags().String("db-path", "", "Database path (overrides config)")

	addAttrFlags(actionStartCmd)
	addAttrFlags(actionAddCmd)
	addAttrFlags(actionEditCmd)
	actionAddCmd.Flags().StringVar(&actionStart, "start", "", "Start time (required)")
	actionAddCmd.Flags().StringVar(&actionEnd, "end", "", "End time (omit to leave running)")
	_ = actionAddCmd.MarkFlagRequired("start")
	actionEditCmd.Flags().StringVar(&actionStart, "start", "", "New start time")
	actionEditCmd.Flags().StringVar(&actionEnd, "end", "", "New end time")
	actionListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "History entries to show (0 for all)")

	ActionCmd.AddCommand(actionStartCmd)
	ActionCmd.AddCommand(actionStopCmd)
	ActionCmd.AddCommand(actionAddCmd)
	ActionCmd.AddCommand(actionEditCmd)
	ActionCmd.AddCommand(actionContinueCmd)
	ActionCmd.AddCommand(actionDeleteCmd)
	ActionCmd.AddCommand(actionListCmd)
}

// withProfile opens the runtime, resolves the profile and runs fn.
func withProfile(cmd *cobra.Command, fn func(ctx context.Context, rt *runtime, pid uuid.UUID) error) error {
	return withRuntime(cmd, false, func(ctx context.Context, rt *runtime) error {
		pid, err := profileID(cmd, rt.cfg)
		if err != nil {
			return err
		}
		return fn(ctx, rt, pid)
	})
}

func runActionStart(cmd *cobra.Command, args []string) error {
	category, err := action.ParseCategory(args[0])
	if err != nil {
		return err
	}
	attrs, err := actionAttrs.parse()
	if err != nil {
		return err
	}
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		a := rt.cache.StartAction(ctx, pid, category, attrs.Attrs)
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(a)
		}
		if category.IsInstant() {
			pterm.Success.Printfln("Logged %s %s", describe(a), shortID(a.ID))
		} else {
			pterm.Success.Printfln("Started %s %s", describe(a), shortID(a.ID))
		}
		return nil
	})
}

func runActionStop(cmd *cobra.Command, args []string) error {
	category, err := action.ParseCategory(args[0])
	if err != nil {
		return err
	}
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		open, ok := rt.cache.State(ctx, pid).Active[category]
		if !ok {
			pterm.Info.Printfln("No %s is running", category)
			return nil
		}
		rt.cache.StopAction(ctx, pid, category)
		pterm.Success.Printfln("Stopped %s after %s", describe(open), formatDuration(time.Since(open.StartDate)))
		return nil
	})
}

func runActionAdd(cmd *cobra.Command, args []string) error {
	category, err := action.ParseCategory(args[0])
	if err != nil {
		return err
	}
	attrs, err := actionAttrs.parse()
	if err != nil {
		return err
	}
	now := time.Now()
	start, err := parseWhen(actionStart, now)
	if err != nil {
		return err
	}
	a := action.New(category, start, attrs.Attrs)
	if actionEnd != "" {
		end, err := parseWhen(actionEnd, now)
		if err != nil {
			return err
		}
		a = a.Closed(end)
	}
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		rt.cache.AddManualAction(ctx, pid, a)
		pterm.Success.Printfln("Added %s %s", describe(a), shortID(a.ID))
		return nil
	})
}

func runActionEdit(cmd *cobra.Command, args []string) error {
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		a, err := findAction(ctx, rt, pid, args[0])
		if err != nil {
			return err
		}
		now := time.Now()
		if actionStart != "" {
			if a.StartDate, err = parseWhen(actionStart, now); err != nil {
				return err
			}
		}
		if actionEnd != "" {
			end, err := parseWhen(actionEnd, now)
			if err != nil {
				return err
			}
			a.EndDate = &end
		}
		attrs, err := actionAttrs.parse()
		if err != nil {
			return err
		}
		a = attrs.applyTo(a)
		rt.cache.UpdateAction(ctx, pid, a)
		pterm.Success.Printfln("Updated %s %s", describe(a), shortID(a.ID))
		return nil
	})
}

func runActionContinue(cmd *cobra.Command, args []string) error {
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		a, err := findAction(ctx, rt, pid, args[0])
		if err != nil {
			return err
		}
		rt.cache.ContinueAction(ctx, pid, a.ID)
		if open, ok := rt.cache.State(ctx, pid).Active[a.Category]; !ok || open.ID != a.ID {
			return errors.NewInvalidRequestError("%s %s cannot be continued", a.Category, shortID(a.ID))
		}
		pterm.Success.Printfln("Continued %s %s", describe(a), shortID(a.ID))
		return nil
	})
}

func runActionDelete(cmd *cobra.Command, args []string) error {
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		a, err := findAction(ctx, rt, pid, args[0])
		if err != nil {
			return err
		}
		rt.cache.DeleteAction(ctx, pid, a.ID)
		pterm.Success.Printfln("Deleted %s %s", describe(a), shortID(a.ID))
		return nil
	})
}

func runActionList(cmd *cobra.Command, args []string) error {
	return withProfile(cmd, func(ctx context.Context, rt *runtime, pid uuid.UUID) error {
		state := rt.cache.State(ctx, pid)
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(state)
		}

		now := time.Now()
		if len(state.Active) == 0 {
			pterm.Info.Println("Nothing running")
		} else {
			pterm.DefaultSection.Println("Running")
			data := pterm.TableData{{"ID", "Action", "Started", "Elapsed"}}
			for _, c := range action.Categories() {
				if a, ok := state.Active[c]; ok {
					data = append(data, []string{shortID(a.ID), describe(a), a.StartDate.Local().Format("Mon 15:04"), formatDuration(a.Duration(now))})
				}
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
		}

		history := state.History
		if listLimit > 0 && len(history) > listLimit {
			history = history[:listLimit]
		}
		if len(history) == 0 {
			return nil
		}
		pterm.DefaultSection.Println("History")
		data := pterm.TableData{{"ID", "Action", "Started", "Duration"}}
		for _, a := range history {
			dur := ""
			if !a.Category.IsInstant() {
				dur = formatDuration(a.Duration(now))
			}
			data = append(data, []string{shortID(a.ID), describe(a), a.StartDate.Local().Format("Mon 15:04"), dur})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	})
}

// findAction resolves a full id or an unambiguous id prefix.
func findAction(ctx context.Context, rt *runtime, pid uuid.UUID, ref string) (action.Action, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if a, ok := rt.cache.State(ctx, pid).Find(id); ok {
			return a, nil
		}
		return action.Action{}, errors.NewNotFoundError("action %s not found", ref)
	}
	var matches []action.Action
	for _, a := range rt.cache.State(ctx, pid).All() {
		if strings.HasPrefix(a.ID.String(), strings.ToLower(ref)) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return action.Action{}, errors.NewNotFoundError("action %s not found", ref)
	case 1:
		return matches[0], nil
	default:
		return action.Action{}, errors.NewInvalidRequestError("action id %s is ambiguous (%d matches)", ref, len(matches))
	}
}

// parse validates the flag values into action attributes.
func (f attrFlags) parse() (parsedAttrs, error) {
	var attrs action.Attrs
	if f.diaper != "" {
		t := action.DiaperType(f.diaper)
		switch t {
		case action.DiaperWet, action.DiaperDirty, action.DiaperMixed:
		default:
			return parsedAttrs{}, errors.NewInvalidRequestError("unknown diaper type %q", f.diaper)
		}
		attrs.DiaperType = &t
	}
	if f.feeding != "" {
		t := action.FeedingType(f.feeding)
		switch t {
		case action.FeedingBreastLeft, action.FeedingBreastRight, action.FeedingBottle, action.FeedingSolid:
		default:
			return parsedAttrs{}, errors.NewInvalidRequestError("unknown feeding type %q", f.feeding)
		}
		attrs.FeedingType = &t
	}
	if f.bottle != "" {
		t := action.BottleType(f.bottle)
		switch t {
		case action.BottleFormula, action.BottleBreastMilk:
		default:
			return parsedAttrs{}, errors.NewInvalidRequestError("unknown bottle type %q", f.bottle)
		}
		attrs.BottleType = &t
	}
	if f.volume < 0 {
		return parsedAttrs{}, errors.NewInvalidRequestError("volume must not be negative")
	}
	if f.volume > 0 {
		attrs.BottleVolume = action.Ptr(f.volume)
	}
	if f.place != "" || f.lat != 0 || f.lon != 0 {
		attrs.Location = &action.Location{Latitude: f.lat, Longitude: f.lon, PlaceName: f.place}
	}
	return parsedAttrs{attrs}, nil
}

// parsedAttrs are attributes given on the command line. Unset ones leave an
// edited action's values alone.
type parsedAttrs struct {
	action.Attrs
}

func (p parsedAttrs) applyTo(a action.Action) action.Action {
	if p.DiaperType != nil {
		a.DiaperType = p.DiaperType
	}
	if p.FeedingType != nil {
		a.FeedingType = p.FeedingType
	}
	if p.BottleType != nil {
		a.BottleType = p.BottleType
	}
	if p.BottleVolume != nil {
		a.BottleVolume = p.BottleVolume
	}
	if p.Location != nil {
		a.Location = p.Location
	}
	return a
}

// parseWhen accepts RFC 3339, a clock time today, or an offset from now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "now" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		if d, err := time.ParseDuration(s); err == nil {
			return now.Add(d), nil
		}
	}
	if t, err := time.ParseInLocation("15:04", s, now.Location()); err == nil {
		y, m, d := now.Date()
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, now.Location()), nil
	}
	return time.Time{}, errors.NewInvalidRequestError("cannot parse time %q (use RFC 3339, HH:MM or -20m)", s)
}

func describe(a action.Action) string {
	var parts []string
	if a.DiaperType != nil {
		parts = append(parts, string(*a.DiaperType))
	}
	if a.FeedingType != nil {
		parts = append(parts, strings.ReplaceAll(string(*a.FeedingType), "_", " "))
	}
	if a.BottleType != nil {
		parts = append(parts, strings.ReplaceAll(string(*a.BottleType), "_", " "))
	}
	if a.BottleVolume != nil {
		parts = append(parts, fmt.Sprintf("%gml", *a.BottleVolume))
	}
	if a.Location != nil && a.Location.PlaceName != "" {
		parts = append(parts, "at "+a.Location.PlaceName)
	}
	if len(parts) == 0 {
		return string(a.Category)
	}
	return fmt.Sprintf("%s (%s)", a.Category, strings.Join(parts, ", "))
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

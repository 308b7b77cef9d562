package commands

import (
	"context"
	"sort"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/cradle/am"
	"github.com/teranos/cradle/display"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/logger"
	"github.com/teranos/cradle/server"
	"github.com/teranos/cradle/sync"
)

// SyncCmd runs sync on demand and manages peers.
var SyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync now with the cloud or a peer, manage peers",
	Long: `Sync this device now.

Without a subcommand, runs one cloud sync (if a backend is configured) and
one session with every configured peer, the same work "cradle serve" does
on each tick.

Examples:
  cradle sync                                   # cloud + every peer
  cradle sync cloud                             # cloud only
  cradle sync peer nursery                      # a configured peer by name
  cradle sync peer http://nursery.local:8877    # any peer by URL
  cradle sync peers add nursery http://nursery.local:8877
  cradle sync peers remove nursery`,
	Args: cobra.NoArgs,
	RunE: runSyncAll,
}

var syncCloudCmd = &cobra.Command{
	Use:   "cloud",
	Short: "Fetch the cloud snapshot, merge it and push local changes",
	Args:  cobra.NoArgs,
	RunE:  runSyncCloud,
}

var syncPeerCmd = &cobra.Command{
	Use:   "peer <name|url>",
	Short: "Reconcile with one peer device",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncPeer,
}

var syncPeersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List configured peers",
	Args:  cobra.NoArgs,
	RunE:  runSyncPeers,
}

var syncPeersAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Add or replace a peer in the managed config",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := am.Config{Sync: am.SyncConfig{Peers: map[string]string{args[0]: args[1]}}}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := am.AddSyncPeer(args[0], args[1]); err != nil {
			return err
		}
		pterm.Success.Printfln("Added peer %s (%s)", args[0], args[1])
		return nil
	},
}

var syncPeersRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a peer from the managed config",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := am.RemoveSyncPeer(args[0]); err != nil {
			return err
		}
		pterm.Success.Printfln("Removed peer %s", args[0])
		return nil
	},
}

func init() {
	SyncCmd.PersistentFlags().String("db-path", "", "Database path (overrides config)")

	syncPeersCmd.AddCommand(syncPeersAddCmd)
	syncPeersCmd.AddCommand(syncPeersRemoveCmd)
	SyncCmd.AddCommand(syncCloudCmd)
	SyncCmd.AddCommand(syncPeerCmd)
	SyncCmd.AddCommand(syncPeersCmd)
}

func newTicker(rt *runtime) *sync.Ticker {
	return sync.NewTicker(rt.engine, sync.TickerOptions{
		Interval: rt.cfg.SyncInterval(),
		Peers:    func() map[string]string { return rt.cfg.Sync.Peers },
		Dial:     server.DialPeer,
		Name:     rt.cfg.Device.Name,
		Logger:   logger.ComponentLogger("sync"),
	})
}

func runSyncAll(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, false, func(ctx context.Context, rt *runtime) error {
		if !rt.engine.HasRemote() && len(rt.cfg.Sync.Peers) == 0 {
			return errors.WithHint(
				errors.NewInvalidRequestError("nothing to sync with"),
				"configure cloud.backend or add a peer with 'cradle sync peers add <name> <url>'",
			)
		}
		ticker := newTicker(rt)
		spinner, _ := pterm.DefaultSpinner.Start("Syncing...")
		ticker.Tick(ctx)
		spinner.Stop()

		statuses := ticker.Status()
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(statuses)
		}
		if rt.engine.HasRemote() {
			pterm.Info.Printfln("Cloud sync attempted (%s)", rt.cfg.Cloud.Backend)
		}
		return renderPeerStatus(statuses)
	})
}

func runSyncCloud(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, false, func(ctx context.Context, rt *runtime) error {
		if !rt.engine.HasRemote() {
			return errors.WithHint(sync.ErrNoRemote, "set cloud.backend to s3 or postgres in am.toml")
		}
		spinner, _ := pterm.DefaultSpinner.Start("Syncing with " + rt.cfg.Cloud.Backend + "...")
		report, err := rt.engine.SyncCloud(ctx)
		spinner.Stop()
		if display.ShouldOutputJSON(cmd) {
			if jerr := display.OutputJSON(report); jerr != nil {
				return jerr
			}
			return err
		}
		if err != nil {
			pterm.Warning.Printfln("Cloud sync finished with errors: %v", err)
		}
		pterm.Success.Printfln("%d profiles: %d added, %d updated, %d removed, %d kept back, %d pushed",
			report.Profiles, report.Added, report.Updated, report.Removed, report.Suppressed, report.Pushed)
		return err
	})
}

func runSyncPeer(cmd *cobra.Command, args []string) error {
	return withRuntime(cmd, true, func(ctx context.Context, rt *runtime) error {
		name, url := resolvePeer(rt.cfg, args[0])
		if url == "" {
			return errors.NewNotFoundError("no peer named %q (pass a URL or add it with 'cradle sync peers add')", name)
		}
		res, err := newTicker(rt).SyncPeer(ctx, name, url)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(res)
		}
		peer := res.PeerName
		if peer == "" {
			peer = name
		}
		pterm.Success.Printfln("Synced with %s: sent %d, received %d added and %d updated", peer, res.Sent, res.Added, res.Updated)
		return nil
	})
}

// resolvePeer accepts a configured peer name or a URL.
func resolvePeer(cfg *am.Config, ref string) (name, url string) {
	if strings.Contains(ref, "://") {
		for n, u := range cfg.Sync.Peers {
			if u == ref {
				return n, u
			}
		}
		return ref, ref
	}
	return ref, cfg.Sync.Peers[ref]
}

func runSyncPeers(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cfg.Sync.Peers)
	}
	if len(cfg.Sync.Peers) == 0 {
		pterm.Info.Println("No peers configured")
		return nil
	}
	names := make([]string, 0, len(cfg.Sync.Peers))
	for name := range cfg.Sync.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	data := pterm.TableData{{"Name", "URL", "Source"}}
	for _, name := range names {
		source := am.SourceDefault
		if info, ok := am.ConfigSources["sync.peers."+name]; ok {
			source = info.Source
		}
		data = append(data, []string{name, cfg.Sync.Peers[name], string(source)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func renderPeerStatus(statuses []sync.PeerStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	data := pterm.TableData{{"Peer", "URL", "Status", "Last sync"}}
	for _, st := range statuses {
		last := ""
		if !st.LastSync.IsZero() {
			last = st.LastSync.Local().Format("15:04:05")
		}
		data = append(data, []string{st.Name, st.URL, st.Status, last})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

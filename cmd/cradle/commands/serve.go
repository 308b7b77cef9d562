package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	gosync "sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/cradle/action"
	"github.com/teranos/cradle/am"
	"github.com/teranos/cradle/bridge"
	"github.com/teranos/cradle/cache"
	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/logger"
	"github.com/teranos/cradle/server"
	"github.com/teranos/cradle/sync"
)

// ServeCmd runs the sync daemon.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "daemon"},
	Short:   "Run the sync daemon",
	Long: `Run the cradle daemon.

The daemon accepts peer sync sessions on /ws/sync, pushes local changes to
the cloud backend as they happen, and on every sync.interval_seconds tick
syncs with the cloud and every configured peer. Changes made by other
processes sharing the database, such as "cradle action start", are picked
up through the change log. Edits to am.toml take effect without a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
	serveNoTick bool
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Database path (overrides config)")
	ServeCmd.Flags().BoolVar(&serveNoTick, "no-tick", false, "Disable scheduled sync, serve peers only")
}

// logNotifier reports newly logged actions.
type logNotifier struct {
	logger *zap.SugaredLogger
}

func (n logNotifier) ActionLogged(profileID uuid.UUID, category action.Category) {
	n.logger.Infow("Action logged", logger.FieldProfileID, profileID.String(), "category", category)
}

// refreshReloaded returns the bridge callback for profiles a reload replaced:
// each is queued for a cloud push and its categories are announced again so
// reminders reschedule from the reloaded state.
func refreshReloaded(ctx context.Context, rt *runtime, notifier cache.Notifier) bridge.ReloadedFunc {
	return func(ids []uuid.UUID) {
		logger.Debugw("Cache reloaded from store", "profiles", len(ids))
		rt.engine.Reloaded(ids)
		for _, pid := range ids {
			seen := make(map[action.Category]struct{})
			for _, a := range rt.cache.State(ctx, pid).All() {
				if _, ok := seen[a.Category]; ok {
					continue
				}
				seen[a.Category] = struct{}{}
				notifier.ActionLogged(pid, a.Category)
			}
		}
	}
}

// peerSet holds the peers of the most recently loaded config.
type peerSet struct {
	v atomic.Pointer[map[string]string]
}

func (p *peerSet) set(peers map[string]string) {
	cp := make(map[string]string, len(peers))
	for k, v := range peers {
		cp[k] = v
	}
	p.v.Store(&cp)
}

func (p *peerSet) get() map[string]string {
	if m := p.v.Load(); m != nil {
		return *m
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity == 0 {
		// Daemon defaults to Info
		opts := logger.Options{Verbosity: 1}
		if cfg, err := am.Load(); err == nil {
			opts.JSON = cfg.Log.JSON
			opts.File = cfg.Log.File
		}
		if err := logger.Initialize(opts); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	notifier := logNotifier{logger: logger.ComponentLogger("actions")}
	rt, err := openRuntime(ctx, runtimeOptions{
		dbPath:   serveDBPath,
		notifier: notifier,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer cancelFlush()
		rt.Close(flushCtx)
	}()
	cfg := rt.cfg

	// Cross-process change detection
	br := bridge.New(rt.cache, bridge.Options{
		Debounce: cfg.BridgeDebounce(),
		Poll:     cfg.BridgePoll(),
		DBPath:   rt.dbPath,
		Log:      rt.store,
		Logger:   logger.ComponentLogger("bridge"),
	})
	rt.cache.SetGuard(br)
	unsubscribe := br.Attach(rt.store)
	defer unsubscribe()
	br.OnReloaded(refreshReloaded(ctx, rt, notifier))
	if err := br.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start change bridge")
	}
	defer br.Stop()

	if _, err := rt.cache.LoadAll(ctx); err != nil {
		logger.Warnw("Initial profile load failed", "error", err)
	}

	peers := &peerSet{}
	peers.set(cfg.Sync.Peers)
	interval := cfg.SyncInterval()
	if serveNoTick {
		interval = 0
	}
	ticker := sync.NewTicker(rt.engine, sync.TickerOptions{
		Interval: interval,
		Peers:    peers.get,
		Dial:     server.DialPeer,
		Name:     cfg.Device.Name,
		Logger:   logger.ComponentLogger("sync"),
	})

	// Config hot reload: peers change without a restart
	if watcher, err := am.NewConfigWatcher(); err != nil {
		logger.Warnw("Failed to create config watcher, manual restart required for config changes", "error", err)
	} else {
		am.SetGlobalWatcher(watcher)
		watcher.OnReload(func(newCfg *am.Config) error {
			peers.set(newCfg.Sync.Peers)
			logger.Infow("Sync peers updated", "peers", len(newCfg.Sync.Peers))
			return nil
		})
		watcher.Start()
		defer watcher.Stop()
	}

	srv := server.New(rt.cache, rt.engine, server.Options{
		Name:           cfg.Device.Name,
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
		Ticker:         ticker,
		Bridge:         br,
		Logger:         logger.ComponentLogger("server"),
	})

	port := cfg.GetServerPort()
	if servePort != 0 {
		port = servePort
	}
	printStartupBanner(cfg, rt.dbPath, port)

	var wg gosync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rt.engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Errorw("Cloud push loop stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		ticker.Run(ctx)
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start(ctx, port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		wg.Wait()
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		cancel()
		err := <-errChan
		wg.Wait()
		shutdownDone <- err
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		pterm.Success.Println("Daemon stopped cleanly")
		return nil
	case <-sigChan:
		pterm.Warning.Println("\nForce shutdown - exiting immediately")
		os.Exit(1)
		return nil // unreachable
	}
}

package commands

import (
	"fmt"

	"github.com/teranos/cradle/am"
	"github.com/teranos/cradle/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *am.Config, dbPath string, port int) {
	// ANSI escape codes
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                           ║\n")
	fmt.Printf("   ║    ▄▀▀ █▀▄ ▄▀▄ █▀▄ █   █▀▀                ║\n")
	fmt.Printf("   ║    █   █▀▄ █▀█ █ █ █   █▀                 ║\n")
	fmt.Printf("   ║     ▀▀ ▀ ▀ ▀ ▀ ▀▀  ▀▀▀ ▀▀▀                ║\n")
	fmt.Printf("   ║                                           ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════╝%s\n\n", reset)

	backend := cfg.Cloud.Backend
	if backend == am.BackendNone {
		backend = "none (peers only)"
	}
	interval := "manual"
	if d := cfg.SyncInterval(); d > 0 && !serveNoTick {
		interval = d.String()
	}

	fmt.Printf("%s%s┌─ cradle ──────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Protocol:  %s\n", green, reset, versionInfo.Protocol)
	fmt.Printf("%s│%s Device:    %s\n", green, reset, cfg.Device.Name)
	if dbPath != "" {
		fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	}
	fmt.Printf("%s│%s Cloud:     %s\n", green, reset, backend)
	fmt.Printf("%s│%s Peers:     %d\n", green, reset, len(cfg.Sync.Peers))
	fmt.Printf("%s│%s Sync:      %s\n", green, reset, interval)
	if cfg.Log.File != "" {
		fmt.Printf("%s│%s Logs:      %s\n", green, reset, cfg.Log.File)
	}
	fmt.Printf("%s└───────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%sPeers sync with ws://<host>:%d/ws/sync%s\n", yellow, bold, port, reset)
	fmt.Printf("%sPress Ctrl+C to stop%s\n\n", blue, reset)
}

package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cradle/errors"
)

// Dialer opens a sync connection to the peer at url.
type Dialer func(ctx context.Context, url string) (Conn, error)

// TickerOptions configures a Ticker.
type TickerOptions struct {
	Interval time.Duration
	// Peers returns the configured peers, name to URL. Called every tick so
	// configuration reloads take effect without a restart.
	Peers func() map[string]string
	Dial  Dialer
	// Name is this device's name, sent in the hello.
	Name string
	// PeerTimeout bounds one peer session. Defaults to 30s.
	PeerTimeout time.Duration
	Logger      *zap.SugaredLogger
}

// PeerStatus is the last known reachability of a peer.
type PeerStatus struct {
	Name     string    `json:"name"`
	URL      string    `json:"url"`
	Status   string    `json:"status"`
	LastSync time.Time `json:"last_sync,omitempty"`
}

const syncWarnInitialAttempts = 5 // warn individually for first N failures per peer

// Ticker runs periodic cloud and peer sync.
type Ticker struct {
	engine *Engine
	opts   TickerOptions
	logger *zap.SugaredLogger

	status gosync.Map // peer name → PeerStatus

	// Per-peer failure tracking for log suppression
	mu         gosync.Mutex
	failCounts map[string]int
	lastWarned map[string]time.Time
}

// NewTicker creates a ticker driving engine.
func NewTicker(engine *Engine, opts TickerOptions) *Ticker {
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = 30 * time.Second
	}
	if opts.Peers == nil {
		opts.Peers = func() map[string]string { return nil }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Ticker{
		engine:     engine,
		opts:       opts,
		logger:     opts.Logger,
		failCounts: map[string]int{},
		lastWarned: map[string]time.Time{},
	}
}

// Run ticks until ctx is done. A zero interval means manual sync only and
// returns immediately.
func (t *Ticker) Run(ctx context.Context) {
	if t.opts.Interval <= 0 {
		return
	}
	t.logger.Infow("Sync ticker started", "interval", t.opts.Interval)

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick runs one cloud sync, if a backend is configured, then reconciles with
// every configured peer. Emits one summary log per tick. Individual failure
// warnings are suppressed after 5 consecutive failures per peer, then
// re-emitted hourly.
func (t *Ticker) Tick(ctx context.Context) {
	if t.engine.HasRemote() {
		_, err := t.engine.SyncCloud(ctx)
		switch {
		case err == nil:
			t.reset("cloud")
		case ctx.Err() == nil:
			t.warn("cloud", "Scheduled sync: cloud sync failed", "error", err)
		}
	}

	peers := t.opts.Peers()
	if len(peers) == 0 || t.opts.Dial == nil {
		return
	}
	names := make([]string, 0, len(peers))
	for name := range peers {
		names = append(names, name)
	}
	sort.Strings(names)

	var synced int
	var transferred []string
	var unreachable []string

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		res, err := t.SyncPeer(ctx, name, peers[name])
		if err != nil {
			unreachable = append(unreachable, name)
			t.warn(name, "Scheduled sync: peer sync failed", "peer", name, "url", peers[name], "error", err)
			continue
		}
		t.reset(name)
		synced++
		if res.Sent > 0 || res.Added > 0 || res.Updated > 0 {
			transferred = append(transferred, fmt.Sprintf("%s ↑%d↓%d", name, res.Sent, res.Added+res.Updated))
		}
	}

	// One summary line per tick (only when something noteworthy happened)
	if len(transferred) > 0 || len(unreachable) > 0 {
		fields := []interface{}{}
		if synced > 0 {
			fields = append(fields, "synced", synced)
		}
		if len(transferred) > 0 {
			fields = append(fields, "transferred", strings.Join(transferred, ", "))
		}
		if len(unreachable) > 0 {
			fields = append(fields, "unreachable", len(unreachable))
		}
		t.logger.Infow("Sync tick", fields...)
	}
}

// SyncPeer runs one session with the peer at url and records its status.
func (t *Ticker) SyncPeer(ctx context.Context, name, url string) (PeerResult, error) {
	if t.opts.Dial == nil {
		return PeerResult{}, errors.New("no peer dialer configured")
	}
	peerCtx, cancel := context.WithTimeout(ctx, t.opts.PeerTimeout)
	defer cancel()

	conn, err := t.opts.Dial(peerCtx, url)
	if err != nil {
		t.status.Store(name, PeerStatus{Name: name, URL: url, Status: "unreachable"})
		return PeerResult{}, errors.Wrapf(err, "failed to connect to peer %s", name)
	}
	defer conn.Close()

	res, err := NewPeer(conn, t.engine, t.opts.Name, t.logger).Reconcile(peerCtx)
	if err != nil {
		t.status.Store(name, PeerStatus{Name: name, URL: url, Status: "failed"})
		return res, errors.Wrapf(err, "reconcile with peer %s", name)
	}
	t.status.Store(name, PeerStatus{Name: name, URL: url, Status: "ok", LastSync: time.Now()})
	return res, nil
}

// Status lists the configured peers with their last known status.
func (t *Ticker) Status() []PeerStatus {
	peers := t.opts.Peers()
	out := make([]PeerStatus, 0, len(peers))
	for name, url := range peers {
		st := PeerStatus{Name: name, URL: url}
		if v, ok := t.status.Load(name); ok {
			st = v.(PeerStatus)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Ticker) warn(key, msg string, keysAndValues ...interface{}) {
	t.mu.Lock()
	t.failCounts[key]++
	count := t.failCounts[key]
	loud := count <= syncWarnInitialAttempts || time.Since(t.lastWarned[key]) > time.Hour
	if loud {
		t.lastWarned[key] = time.Now()
	}
	t.mu.Unlock()

	if loud {
		t.logger.Warnw(msg, append(keysAndValues, "consecutive_failures", count)...)
	}
}

func (t *Ticker) reset(key string) {
	t.mu.Lock()
	t.failCounts[key] = 0
	t.mu.Unlock()
}

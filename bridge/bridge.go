// Package bridge turns storage change notifications that this process did not
// cause into cache re-projections.
//
// Change events reach the bridge from the in-process store subscription, from
// filesystem events on the database directory (another process committed),
// and from a fallback poll of the store's change log. Bursts are debounced,
// and a reload that is still running when the next one fires is cancelled and
// superseded; only the newest generation may commit.
package bridge

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cradle/errors"
	"github.com/teranos/cradle/store"
)

// State is the bridge's reload state.
type State int32

const (
	Idle State = iota
	Reloading
)

func (s State) String() string {
	if s == Reloading {
		return "reloading"
	}
	return "idle"
}

// DefaultDebounce collapses bursts of change events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Reloader re-projects the cache from storage. current reports whether the
// reload is still the newest one; a superseded reload must not commit.
type Reloader interface {
	Reload(ctx context.Context, current func() bool) ([]uuid.UUID, error)
}

// ChangeLog is a store that records every commit with its writer, so commits
// by other processes can be found after the fact.
type ChangeLog interface {
	Writer() string
	LatestSeq(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, seq int64, exclude string) (store.ChangeEvent, error)
}

// ReloadedFunc runs after a reload committed. profileIDs lists the profiles
// whose projection changed.
type ReloadedFunc func(profileIDs []uuid.UUID)

// Options configures a Bridge.
type Options struct {
	Debounce time.Duration
	// Poll checks the change log at this interval. Zero disables polling.
	Poll time.Duration
	// DBPath enables filesystem watching of the database and its WAL.
	DBPath string
	// Log enables the cross-process sources.
	Log    ChangeLog
	Logger *zap.SugaredLogger
}

// Bridge implements cache.Guard. Wrap every local write in
// BeginWrite/EndWrite; notifications delivered while a write is in flight
// are attributed to that write and dropped.
type Bridge struct {
	cache    Reloader
	log      ChangeLog
	debounce time.Duration
	poll     time.Duration
	dbPath   string
	logger   *zap.SugaredLogger

	writes atomic.Int32
	gen    atomic.Uint64
	state  atomic.Int32

	ctx  context.Context
	stop context.CancelFunc
	kick chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	timer     *time.Timer
	cancel    context.CancelFunc
	closed    bool
	callbacks []ReloadedFunc
	reloads   int
	dropped   int
}

// New creates a bridge that reloads c.
func New(c Reloader, opts Options) *Bridge {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Bridge{
		cache:    c,
		log:      opts.Log,
		debounce: opts.Debounce,
		poll:     opts.Poll,
		dbPath:   opts.DBPath,
		logger:   opts.Logger,
		ctx:      ctx,
		stop:     stop,
		kick:     make(chan struct{}, 1),
	}
}

// BeginWrite marks the start of a local write.
func (b *Bridge) BeginWrite() {
	b.writes.Add(1)
}

// EndWrite marks the end of a local write.
func (b *Bridge) EndWrite() {
	b.writes.Add(-1)
}

// Writing reports whether a local write is in flight.
func (b *Bridge) Writing() bool {
	return b.writes.Load() > 0
}

// State reports whether a reload is running.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Stats returns the number of committed reloads and of dropped self-inflicted events.
func (b *Bridge) Stats() (reloads, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reloads, b.dropped
}

// OnReloaded registers fn to run after every committed reload.
func (b *Bridge) OnReloaded(fn ReloadedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// Attach subscribes the bridge to st's commit notifications.
func (b *Bridge) Attach(st store.Store) (unsubscribe func()) {
	return st.Subscribe(b.observe)
}

// observe runs synchronously on the committing goroutine, so a write made
// through the guard is still in flight when its own notification arrives.
// A foreign in-process commit racing one of ours is dropped here too; the
// change log catches it.
func (b *Bridge) observe(ev store.ChangeEvent) {
	if b.Writing() {
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Debugw("Ignoring own write", "profiles", len(ev.ProfileIDs), "seq", ev.Seq)
		return
	}
	b.Notify(ev.ProfileIDs)
}

// Notify reports an external change. The reload runs after the debounce
// window closes without another notification.
func (b *Bridge) Notify(profileIDs []uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.logger.Debugw("External change observed", "profiles", len(profileIDs))
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, b.reload)
}

// reload runs one generation. Starting it cancels the previous generation.
func (b *Bridge) reload() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	gen := b.gen.Add(1)
	ctx, cancel := context.WithCancel(b.ctx)
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = cancel
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()
	defer cancel()

	current := func() bool { return b.gen.Load() == gen }
	b.state.Store(int32(Reloading))
	changed, err := b.cache.Reload(ctx, current)
	if !current() {
		b.logger.Debugw("Reload superseded", "generation", gen)
		return
	}
	b.state.Store(int32(Idle))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			b.logger.Warnw("Reload failed", "generation", gen, "error", err)
		}
		return
	}

	b.mu.Lock()
	b.reloads++
	callbacks := make([]ReloadedFunc, len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.mu.Unlock()

	b.logger.Infow("Reloaded from storage", "generation", gen, "changed", len(changed))
	for _, fn := range callbacks {
		fn(changed)
	}
}

// Start runs the cross-process sources until ctx is done or Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	if b.log == nil {
		go func() {
			<-ctx.Done()
			b.Stop()
		}()
		return nil
	}

	seq, err := b.log.LatestSeq(ctx)
	if err != nil {
		return errors.Wrap(err, "read change log position")
	}

	var watcher *fsnotify.Watcher
	if b.dbPath != "" {
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return errors.Wrap(err, "failed to create fsnotify watcher")
		}
		dir := filepath.Dir(b.dbPath)
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return errors.Wrapf(err, "failed to watch database directory %s", dir)
		}
		b.wg.Add(1)
		go b.watchLoop(watcher)
	}

	b.wg.Add(1)
	go b.checkLoop(ctx, seq, watcher)
	return nil
}

// watchLoop turns writes to the database files into change-log checks.
func (b *Bridge) watchLoop(w *fsnotify.Watcher) {
	defer b.wg.Done()
	base := filepath.Base(b.dbPath)
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			b.poke()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.logger.Warnw("Database watcher error", "error", err)
		}
	}
}

func (b *Bridge) poke() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// checkLoop owns the change-log position. Pokes coalesce in the kick channel,
// so a burst of WAL writes costs one query.
func (b *Bridge) checkLoop(ctx context.Context, seq int64, watcher *fsnotify.Watcher) {
	defer b.wg.Done()
	if watcher != nil {
		defer watcher.Close()
	}

	var tick <-chan time.Time
	if b.poll > 0 {
		t := time.NewTicker(b.poll)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			go b.Stop()
			return
		case <-b.ctx.Done():
			return
		case <-b.kick:
		case <-tick:
		}

		ev, err := b.log.ChangesSince(ctx, seq, b.log.Writer())
		if err != nil {
			b.logger.Warnw("Change log check failed", "after_seq", seq, "error", err)
			continue
		}
		seq = ev.Seq
		if len(ev.ProfileIDs) > 0 {
			b.logger.Debugw("Foreign commits found", "writer", ev.Writer, "seq", seq, "profiles", len(ev.ProfileIDs))
			b.Notify(ev.ProfileIDs)
		}
	}
}

// Stop cancels any pending or running reload and waits for the sources to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()

	b.stop()
	b.wg.Wait()
	b.state.Store(int32(Idle))
}

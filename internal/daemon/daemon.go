package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"kiln/internal/failure"
	"kiln/internal/filewatch"
	"kiln/internal/hashing"
	"kiln/internal/logging"
	"kiln/internal/pipeline"
	"kiln/internal/workspace"
)

// Options configures a Daemon.
type Options struct {
	Root          string
	Paths         Paths
	Shards        int
	IdleTimeout   time.Duration
	WatchDebounce time.Duration

	// DisableWatch skips fsnotify; changes then arrive only through NotifyFileChanged.
	DisableWatch bool
	Logger       *slog.Logger
}

// Daemon keeps the package graph and file digests of one workspace warm and
// enforces a single instance per workspace.
type Daemon struct {
	root   string
	paths  Paths
	opts   Options
	logger *slog.Logger
	lock   *flock.Flock

	state   *State
	store   *hashing.Store
	scanner *hashing.Scanner

	graph      atomic.Pointer[workspace.Graph]
	discoverMu sync.Mutex
	lastTouch  atomic.Int64
	startedAt  time.Time
	running    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
	reason     atomic.Pointer[string]
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Root         string
	Socket       string
	LockPath     string
	LogPath      string
	HashDBPath   string
	Packages     int
	TrackedFiles int
	StoredFiles  int
	Shards       int
	StartedAt    time.Time
	LastActivity time.Time
	IdleTimeout  time.Duration
}

// ChangeResult reports what one NotifyFileChanged call did.
type ChangeResult struct {
	Invalidated  int
	Rediscovered bool
}

// New constructs a daemon for opts.Root.
func New(opts Options) (*Daemon, error) {
	if opts.Root == "" {
		return nil, errors.New("daemon requires a workspace root")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if opts.Paths.Lock == "" || opts.Paths.HashDB == "" {
		return nil, errors.New("daemon requires runtime paths")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		root:   root,
		paths:  opts.Paths,
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "daemon"),
		lock:   flock.New(opts.Paths.Lock),
		done:   make(chan struct{}),
	}, nil
}

// Start acquires the workspace lock, opens the digest store, discovers
// packages and starts the watcher and idle monitor.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(d.paths.Dir, 0o755); err != nil {
		return fmt.Errorf("ensure runtime directory: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return failure.Wrap(failure.ErrDaemon, "daemon", "start", "another kiln daemon is already running for this workspace", nil)
	}

	store, err := hashing.OpenStore(d.paths.HashDB)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("open hash store: %w", err)
	}
	d.store = store
	d.scanner = hashing.NewScanner(d.root, hashing.WithStore(store), hashing.WithLogger(d.logger))
	d.state = NewState(d.opts.Shards)

	if _, err := d.discover(); err != nil {
		d.release()
		return err
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if !d.opts.DisableWatch {
		watcher, err := filewatch.New(d.root, d.opts.WatchDebounce, d.logger, d.onWatch)
		if err != nil {
			d.cancel()
			d.release()
			return fmt.Errorf("start file watcher: %w", err)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = watcher.Run(d.ctx)
		}()
	}
	if d.opts.IdleTimeout > 0 {
		d.wg.Add(1)
		go d.watchIdle(d.opts.IdleTimeout)
	}

	d.startedAt = time.Now()
	d.Touch()
	d.running.Store(true)
	d.logger.Info("kiln daemon started",
		logging.String("root", d.root),
		logging.String("lock", d.paths.Lock),
		logging.Int("packages", d.graph.Load().Len()),
		logging.Int("shards", d.state.Shards()),
	)
	return nil
}

// Stop stops background work and releases the workspace lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.release()
	d.running.Store(false)
	d.RequestShutdown("stopped")
	d.logger.Info("kiln daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

func (d *Daemon) release() {
	if d.state != nil {
		d.state.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close hash store", logging.Error(err))
		}
		d.store = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// RequestShutdown asks the owning process to exit. It is safe to call more
// than once; only the first reason is kept.
func (d *Daemon) RequestShutdown(reason string) {
	d.stopOnce.Do(func() {
		d.reason.Store(&reason)
		close(d.done)
	})
}

// Done is closed once a shutdown has been requested.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// ShutdownReason returns the reason passed to the first RequestShutdown.
func (d *Daemon) ShutdownReason() string {
	if r := d.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// Touch records client activity for the idle timer.
func (d *Daemon) Touch() {
	d.lastTouch.Store(time.Now().UnixNano())
}

func (d *Daemon) watchIdle(timeout time.Duration) {
	defer d.wg.Done()
	interval := timeout / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, d.lastTouch.Load()))
			if idle >= timeout {
				d.logger.Info("idle timeout reached, shutting down", logging.Duration("idle", idle))
				d.RequestShutdown("idle timeout")
				return
			}
		}
	}
}

// Status reports the current daemon state.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:     d.running.Load(),
		PID:         os.Getpid(),
		Root:        d.root,
		Socket:      d.paths.Socket,
		LockPath:    d.paths.Lock,
		LogPath:     d.paths.Log,
		HashDBPath:  d.paths.HashDB,
		StartedAt:   d.startedAt,
		IdleTimeout: d.opts.IdleTimeout,
	}
	if ts := d.lastTouch.Load(); ts != 0 {
		st.LastActivity = time.Unix(0, ts)
	}
	if g := d.graph.Load(); g != nil {
		st.Packages = g.Len()
	}
	if d.state != nil {
		st.Shards = d.state.Shards()
		if n, err := d.state.Len(ctx); err == nil {
			st.TrackedFiles = n
		}
	}
	if d.store != nil {
		if n, err := d.store.Count(ctx); err == nil {
			st.StoredFiles = n
		}
	}
	return st
}

// PackageGraph returns the current package graph snapshot.
func (d *Daemon) PackageGraph() (workspace.Snapshot, error) {
	g := d.graph.Load()
	if g == nil {
		return workspace.Snapshot{}, failure.Wrap(failure.ErrDaemon, "daemon", "package graph", "package graph not loaded", nil)
	}
	return g.Snapshot(), nil
}

// DiscoverPackages rescans the workspace and replaces the package graph.
func (d *Daemon) DiscoverPackages() (workspace.Snapshot, error) {
	g, err := d.discover()
	if err != nil {
		return workspace.Snapshot{}, err
	}
	return g.Snapshot(), nil
}

func (d *Daemon) discover() (*workspace.Graph, error) {
	d.discoverMu.Lock()
	defer d.discoverMu.Unlock()
	file, err := pipeline.LoadRoot(d.root)
	if err != nil {
		return nil, failure.Wrap(failure.ErrConfiguration, "daemon", "discover", "load root task definitions", err)
	}
	g, err := workspace.Discover(d.root, file.Packages)
	if err != nil {
		return nil, failure.Wrap(failure.ErrGraph, "daemon", "discover", "discover packages", err)
	}
	d.graph.Store(g)
	return g, nil
}

// NotifyFileChanged drops digests for paths. A manifest among them also
// triggers package rediscovery.
func (d *Daemon) NotifyFileChanged(ctx context.Context, paths []string) (ChangeResult, error) {
	var (
		result   ChangeResult
		rels     = make([]string, 0, len(paths))
		manifest bool
	)
	for _, p := range paths {
		rel, err := hashing.CleanRel(p)
		if err != nil {
			return result, err
		}
		rels = append(rels, rel)
		if workspace.IsManifest(rel) {
			manifest = true
		}
	}
	n, err := d.state.Invalidate(ctx, rels)
	result.Invalidated = n
	if err != nil {
		return result, err
	}
	if err := d.scanner.Forget(ctx, rels...); err != nil {
		d.logger.Debug("drop stored digests failed", logging.Error(err))
	}
	if manifest {
		if _, err := d.discover(); err != nil {
			logging.WarnWithContext(d.logger, "package rediscovery failed", "rediscovery_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "previous package graph stays in effect"),
			)
			return result, err
		}
		result.Rediscovered = true
	}
	return result, nil
}

func (d *Daemon) onWatch(paths []string) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	result, err := d.NotifyFileChanged(ctx, paths)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Debug("apply watch batch failed", logging.Int("paths", len(paths)), logging.Error(err))
		return
	}
	d.logger.Debug("applied watch batch",
		logging.Int("paths", len(paths)),
		logging.Int("invalidated", result.Invalidated),
		logging.Bool("rediscovered", result.Rediscovered),
	)
}

// FileHashes returns digests for paths. Paths that do not exist are returned
// in missing rather than failing the call.
func (d *Daemon) FileHashes(ctx context.Context, paths []string) (map[string]string, []string, error) {
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := hashing.CleanRel(p)
		if err != nil {
			return nil, nil, err
		}
		rels = append(rels, rel)
	}
	lookup, err := d.state.Get(ctx, rels)
	if err != nil {
		return nil, nil, err
	}
	out := lookup.Hits
	if len(lookup.Misses) == 0 {
		return out, nil, nil
	}

	var (
		mu       sync.Mutex
		computed = make(map[string]string, len(lookup.Misses))
		missing  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)
	for _, rel := range lookup.Misses {
		g.Go(func() error {
			digest, err := d.scanner.Hash(gctx, rel)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, hashing.ErrNotFound):
				missing = append(missing, rel)
			case err != nil:
				return err
			default:
				computed[rel] = digest
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := d.state.Fill(ctx, lookup, computed); err != nil {
		return nil, nil, err
	}
	for rel, digest := range computed {
		out[rel] = digest
	}
	sort.Strings(missing)
	return out, missing, nil
}

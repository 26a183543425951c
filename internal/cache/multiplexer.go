package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"kiln/internal/logging"
)

// LookupObserver receives the outcome of every tier consulted.
// result is "hit", "miss" or "error".
type LookupObserver func(ctx context.Context, tier Source, result string)

// MultiplexerOption customizes a Multiplexer.
type MultiplexerOption func(*Multiplexer)

// WithRemote adds a remote tier. readOnly disables uploads.
func WithRemote(backend Backend, readOnly bool) MultiplexerOption {
	return func(m *Multiplexer) {
		m.remote = backend
		m.readOnly = readOnly
	}
}

// WithRemoteTimeout bounds each remote call.
func WithRemoteTimeout(d time.Duration) MultiplexerOption {
	return func(m *Multiplexer) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithObserver records lookup outcomes, typically into run metrics.
func WithObserver(fn LookupObserver) MultiplexerOption {
	return func(m *Multiplexer) { m.observe = fn }
}

// Multiplexer consults the local tier first and the remote tier on a miss.
type Multiplexer struct {
	local    *Local
	remote   Backend
	readOnly bool
	timeout  time.Duration
	logger   *slog.Logger
	observe  LookupObserver

	fetches singleflight.Group
	uploads sync.WaitGroup
}

// NewMultiplexer wraps local with the given options.
func NewMultiplexer(local *Local, logger *slog.Logger, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		local:   local,
		timeout: 10 * time.Second,
		logger:  logging.NewComponentLogger(logger, "cache"),
		observe: func(context.Context, Source, string) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Local returns the local tier.
func (m *Multiplexer) Local() *Local { return m.local }

// Lookup returns a hit from the local tier, or hydrates one from the remote tier.
func (m *Multiplexer) Lookup(ctx context.Context, key string) (*Hit, error) {
	hit, err := m.local.Lookup(ctx, key)
	switch {
	case err == nil:
		m.observe(ctx, SourceLocal, "hit")
		return hit, nil
	case errors.Is(err, ErrMiss):
		m.observe(ctx, SourceLocal, "miss")
		// Wrapped misses carry the read failure behind them.
		if err != ErrMiss {
			m.logger.DebugContext(ctx, "unreadable local cache entry treated as miss",
				logging.String(logging.FieldHash, key), logging.Error(err))
		}
	default:
		m.observe(ctx, SourceLocal, "error")
		logging.WarnWithContext(m.logger, "local cache lookup failed", "cache_lookup_failed",
			logging.String(logging.FieldHash, key),
			logging.Error(err),
			logging.String(logging.FieldImpact, "task runs instead of replaying"),
		)
	}
	if m.remote == nil {
		return nil, ErrMiss
	}

	_, err, _ = m.fetches.Do(key, func() (any, error) {
		if m.local.Exists(key) {
			return nil, nil
		}
		rctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		data, err := m.remote.Get(rctx, key)
		if err != nil {
			return nil, err
		}
		return nil, m.local.Import(ctx, key, data)
	})
	switch {
	case errors.Is(err, ErrMiss):
		m.observe(ctx, SourceRemote, "miss")
		return nil, ErrMiss
	case err != nil:
		m.observe(ctx, SourceRemote, "error")
		logging.WarnWithContext(m.logger, "remote cache lookup failed", "remote_cache_get_failed",
			logging.String(logging.FieldHash, key),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check remote_cache.addr and that Redis is reachable"),
			logging.String(logging.FieldImpact, "task runs instead of replaying"),
		)
		return nil, ErrMiss
	}

	hit, err = m.local.Lookup(ctx, key)
	if err != nil {
		m.observe(ctx, SourceRemote, "error")
		return nil, ErrMiss
	}
	m.observe(ctx, SourceRemote, "hit")
	hit.Source = SourceRemote
	return hit, nil
}

// Store writes the local tier synchronously and mirrors to the remote tier
// in the background. Remote failures are logged only.
func (m *Multiplexer) Store(ctx context.Context, key string, art Artifact) error {
	if err := m.local.Store(ctx, key, art); err != nil {
		return err
	}
	if m.remote == nil || m.readOnly {
		return nil
	}
	m.uploads.Add(1)
	go func() {
		defer m.uploads.Done()
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		data, err := m.local.Export(key)
		if err == nil {
			err = m.remote.Put(uctx, key, data)
		}
		if err != nil {
			logging.WarnWithContext(m.logger, "remote cache write failed", "remote_cache_put_failed",
				logging.String(logging.FieldHash, key),
				logging.Error(err),
				logging.String(logging.FieldImpact, "other machines will not reuse this result"),
			)
			return
		}
		m.logger.DebugContext(uctx, "mirrored cache entry", logging.String(logging.FieldHash, key), logging.Int("bytes", len(data)))
	}()
	return nil
}

// Close waits for pending uploads and releases the remote tier.
func (m *Multiplexer) Close() error {
	m.uploads.Wait()
	if closer, ok := m.remote.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

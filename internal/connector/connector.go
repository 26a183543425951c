// Package connector finds or spawns the workspace daemon for a CLI run and
// degrades to cold operation when it cannot.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kiln/internal/daemon"
	"kiln/internal/failure"
	"kiln/internal/ipc"
	"kiln/internal/logging"
)

// ErrDaemonUnavailable is returned once every spawn attempt failed. Callers
// fall back to cold hashing and discovery.
var ErrDaemonUnavailable = fmt.Errorf("%w: daemon unavailable", failure.ErrDaemon)

const (
	defaultSpawnAttempts  = 2
	defaultConnectTimeout = 500 * time.Millisecond
	initialRetryInterval  = 10 * time.Millisecond
	maxRetryInterval      = 200 * time.Millisecond
)

// DialFunc opens a client on socket.
type DialFunc func(ctx context.Context, socket string) (*ipc.Client, error)

// LaunchFunc starts a daemon process. It must not wait for it to listen.
type LaunchFunc func() error

// Options configures a Connector.
type Options struct {
	Paths         daemon.Paths
	SpawnAttempts int
	Launch        LaunchFunc
	Dial          DialFunc
	Logger        *slog.Logger

	// ConnectTimeout bounds the wait for a socket after each spawn.
	ConnectTimeout time.Duration
}

// Connector dials the daemon, spawning it when nothing answers.
type Connector struct {
	paths          daemon.Paths
	spawnAttempts  int
	connectTimeout time.Duration
	launch         LaunchFunc
	dial           DialFunc
	logger         *slog.Logger
}

// New returns a Connector. A nil Dial uses ipc.Dial; a nil Launch disables spawning.
func New(opts Options) *Connector {
	c := &Connector{
		paths:          opts.Paths,
		spawnAttempts:  opts.SpawnAttempts,
		connectTimeout: opts.ConnectTimeout,
		launch:         opts.Launch,
		dial:           opts.Dial,
		logger:         opts.Logger,
	}
	if c.spawnAttempts <= 0 {
		c.spawnAttempts = defaultSpawnAttempts
	}
	if c.connectTimeout <= 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.dial == nil {
		c.dial = ipc.Dial
	}
	if c.logger == nil {
		c.logger = logging.NewNop()
	}
	c.logger = logging.NewComponentLogger(c.logger, "connector")
	return c
}

// Connect returns a client for the workspace daemon. It spawns the daemon at
// most SpawnAttempts times and returns ErrDaemonUnavailable when none of them
// comes up within the connect timeout.
func (c *Connector) Connect(ctx context.Context) (*ipc.Client, error) {
	client, err := c.dial(ctx, c.paths.Socket)
	if err == nil {
		return client, nil
	}
	lastErr := err
	if c.launch == nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, lastErr)
	}

	for attempt := 1; attempt <= c.spawnAttempts; attempt++ {
		c.logger.Debug("spawning daemon", logging.Int("attempt", attempt), logging.String("socket", c.paths.Socket))
		if err := c.launch(); err != nil {
			lastErr = err
			c.logger.Debug("daemon launch failed", logging.Int("attempt", attempt), logging.Error(err))
			continue
		}
		client, err := backoff.Retry(ctx, func() (*ipc.Client, error) {
			return c.dial(ctx, c.paths.Socket)
		},
			backoff.WithBackOff(newBackOff()),
			backoff.WithMaxElapsedTime(c.connectTimeout),
		)
		if err == nil {
			return client, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrDaemonUnavailable, ctxErr)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: after %d spawn attempt(s): %v", ErrDaemonUnavailable, c.spawnAttempts, lastErr)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialRetryInterval
	b.MaxInterval = maxRetryInterval
	b.Multiplier = 2
	return b
}

// IsUnavailable reports whether err came from a failed connection attempt.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrDaemonUnavailable)
}

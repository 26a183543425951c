package connector

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/logging"
)

// FallbackHasher hashes through the daemon until a call fails with a daemon
// error, then switches to the local hasher for the rest of the run.
type FallbackHasher struct {
	primary  hashing.FileHasher
	fallback hashing.FileHasher
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewFallbackHasher wraps primary with fallback.
func NewFallbackHasher(primary, fallback hashing.FileHasher, logger *slog.Logger) *FallbackHasher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FallbackHasher{primary: primary, fallback: fallback, logger: logger}
}

// Degraded reports whether the daemon has been abandoned.
func (h *FallbackHasher) Degraded() bool { return h.degraded.Load() }

func (h *FallbackHasher) degrade(err error) {
	if h.degraded.CompareAndSwap(false, true) {
		logging.WarnWithContext(h.logger, "daemon hashing failed, continuing cold", "daemon_degraded",
			logging.Error(err),
			logging.String(logging.FieldImpact, "remaining files are hashed locally"),
			logging.String(logging.FieldErrorHint, "run kiln daemon restart if this persists"),
		)
	}
}

// Hash implements hashing.FileHasher.
func (h *FallbackHasher) Hash(ctx context.Context, rel string) (string, error) {
	if !h.degraded.Load() {
		digest, err := h.primary.Hash(ctx, rel)
		if err == nil || !errors.Is(err, failure.ErrDaemon) {
			return digest, err
		}
		h.degrade(err)
	}
	return h.fallback.Hash(ctx, rel)
}

// HashFiles implements hashing.FileHasher.
func (h *FallbackHasher) HashFiles(ctx context.Context, rels []string) (map[string]string, error) {
	if !h.degraded.Load() {
		digests, err := h.primary.HashFiles(ctx, rels)
		if err == nil || !errors.Is(err, failure.ErrDaemon) {
			return digests, err
		}
		h.degrade(err)
	}
	return h.fallback.HashFiles(ctx, rels)
}

var _ hashing.FileHasher = (*FallbackHasher)(nil)

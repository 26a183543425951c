package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"kiln/internal/cache"
	"kiln/internal/config"
	"kiln/internal/taskgraph"
	"kiln/internal/taskhash"
	"kiln/internal/telemetry"
)

// FailurePolicy decides what a task failure does to the rest of the run.
type FailurePolicy int

const (
	// FailFast cancels in-flight tasks and skips everything pending.
	FailFast FailurePolicy = iota
	// Continue skips only the failed task's descendants.
	Continue
)

func (p FailurePolicy) String() string {
	if p == Continue {
		return config.FailurePolicyContinue
	}
	return config.FailurePolicyFailFast
}

// ParseFailurePolicy accepts the config spellings.
func ParseFailurePolicy(value string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", config.FailurePolicyFailFast:
		return FailFast, nil
	case config.FailurePolicyContinue:
		return Continue, nil
	default:
		return FailFast, fmt.Errorf("unknown failure policy %q", value)
	}
}

// OutputMode controls how task output reaches the terminal.
type OutputMode int

const (
	// Grouped buffers each task's lines and prints them when it finishes.
	Grouped OutputMode = iota
	// Stream prints prefixed lines as they are produced.
	Stream
)

func (m OutputMode) String() string {
	if m == Stream {
		return config.OutputModeStream
	}
	return config.OutputModeGrouped
}

// ParseOutputMode accepts the config spellings.
func ParseOutputMode(value string) (OutputMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", config.OutputModeGrouped:
		return Grouped, nil
	case config.OutputModeStream:
		return Stream, nil
	default:
		return Grouped, fmt.Errorf("unknown output mode %q", value)
	}
}

// TaskHasher computes the cache key of a node from its predecessors' keys.
type TaskHasher interface {
	Hash(ctx context.Context, node *taskgraph.Node, preds map[taskgraph.ID]string) (taskhash.TaskHash, error)
}

// ArtifactCache is the part of the cache the scheduler needs.
type ArtifactCache interface {
	Lookup(ctx context.Context, key string) (*cache.Hit, error)
	Store(ctx context.Context, key string, art cache.Artifact) error
}

// Options configures one Run.
type Options struct {
	// Root is the absolute workspace root.
	Root           string
	Concurrency    int
	FailurePolicy  FailurePolicy
	OutputMode     OutputMode
	GracePeriod    time.Duration
	KeepPersistent bool
	DryRun         bool

	Hasher TaskHasher
	// Cache may be nil, in which case nothing is looked up or stored.
	Cache ArtifactCache
	// Env is the environment snapshot tasks draw their variables from.
	Env taskhash.Env
	// GlobalEnv names variables passed to every task.
	GlobalEnv []string

	Output  io.Writer
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	RunID   string
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	if o.Output == nil {
		o.Output = io.Discard
	}
	if o.Env == nil {
		o.Env = taskhash.Env{}
	}
}

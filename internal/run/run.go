package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kiln/internal/cache"
	"kiln/internal/failure"
	"kiln/internal/logging"
	"kiln/internal/taskgraph"
)

// Run executes graph and returns its summary. The error is non-nil when any
// task failed or the run was interrupted; the summary is always returned.
func Run(ctx context.Context, graph *taskgraph.Graph, opts Options) (*Summary, error) {
	if graph == nil {
		return nil, failure.Wrap(failure.ErrInternal, "run", "start", "nil task graph", nil)
	}
	if opts.Hasher == nil {
		return nil, failure.Wrap(failure.ErrInternal, "run", "start", "no task hasher configured", nil)
	}
	opts.normalize()
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, opts.RunID)
	logger := logging.WithContext(ctx, logging.NewComponentLogger(opts.Logger, "run"))

	summary := &Summary{ID: opts.RunID, StartedAt: time.Now().UTC(), DryRun: opts.DryRun}
	logger.Info("run started",
		logging.Int("tasks", graph.Len()),
		logging.Int("concurrency", opts.Concurrency),
		logging.String("failure_policy", opts.FailurePolicy.String()),
		logging.String("output_mode", opts.OutputMode.String()),
		logging.Bool("dry_run", opts.DryRun),
	)

	s := newScheduler(ctx, graph, opts, logger)
	defer s.cancelRun()
	s.loop(ctx)
	if opts.DryRun {
		s.dryRunLookups()
	}

	summary.EndedAt = time.Now().UTC()
	summary.DurationMS = summary.EndedAt.Sub(summary.StartedAt).Milliseconds()
	summary.Tasks = s.summarize()
	summary.Counts = countTasks(summary.Tasks)
	if opts.Metrics != nil {
		if snap, err := opts.Metrics.Snapshot(s.baseCtx); err == nil {
			summary.Metrics = &snap
		}
	}

	var err error
	switch {
	case summary.Counts.Failed > 0:
		err = failure.Wrap(failure.ErrExecution, "run", "execute", fmt.Sprintf("%d task(s) failed", summary.Counts.Failed), nil)
	case s.interrupted:
		err = failure.Wrap(failure.ErrExecution, "run", "execute", "run interrupted", context.Cause(ctx))
	}
	summary.ExitCode = failure.ExitCode(err)

	logger.Info("run finished",
		logging.Int("cache_hit", summary.Counts.CacheHit),
		logging.Int("success", summary.Counts.Success),
		logging.Int("failed", summary.Counts.Failed),
		logging.Int("skipped", summary.Counts.Skipped),
		logging.Int64("duration_ms", summary.DurationMS),
		logging.Int("exit_code", summary.ExitCode),
	)
	return summary, err
}

// dryRunLookups reports, for every hashed cacheable task, whether it would
// replay from the cache.
func (s *scheduler) dryRunLookups() {
	for _, id := range s.order {
		st := s.states[id]
		switch {
		case !st.hashed:
			continue
		case !st.node.Cacheable() || s.opts.Cache == nil:
			st.cacheState = "DISABLED"
		default:
			hit, err := s.opts.Cache.Lookup(s.baseCtx, st.hash.Key)
			if err != nil {
				if !errors.Is(err, cache.ErrMiss) {
					s.logger.Debug("dry run cache lookup failed", logging.String(logging.FieldTaskID, string(id)), logging.Error(err))
				}
				st.cacheState = "MISS"
				continue
			}
			st.cacheState = "HIT"
			st.source = hit.Source
		}
	}
}

package run

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"kiln/internal/cache"
	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/logging"
	"kiln/internal/process"
)

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

// execute replays a cached result or runs the command. It runs on a worker
// goroutine and touches no scheduler state.
func (s *scheduler) execute(j job) taskResult {
	node := j.node
	res := taskResult{id: node.ID}
	defer j.out.Close()

	if s.opts.Cache != nil && node.Cacheable() {
		if hit, ok := s.lookup(j); ok {
			res.status = StatusCacheHit
			res.source = hit.Source
			res.exitCode = hit.ExitCode()
			res.duration = hit.Manifest.Duration()
			return res
		}
		j.out.Note("cache miss, executing " + shortKey(j.key))
	}

	spec := process.Spec{
		Command: node.Command,
		Dir:     filepath.Join(s.opts.Root, filepath.FromSlash(node.Dir)),
		Env:     j.env,
		Stdout:  j.out.Stdout,
		Stderr:  j.out.Stderr,
	}
	pres, err := process.Run(s.runCtx, spec, s.opts.GracePeriod)
	res.executed = true
	res.duration = pres.Duration
	res.exitCode = pres.ExitCode
	switch {
	case err != nil:
		res.status = StatusFailed
		res.err = failure.Wrap(failure.ErrExecution, "run", string(node.ID), "start command", err)
		return res
	case pres.Terminated:
		res.status = StatusFailed
		res.err = failure.Wrap(failure.ErrExecution, "run", string(node.ID), "terminated", nil)
		return res
	case pres.ExitCode != 0:
		res.status = StatusFailed
		res.err = failure.Wrap(failure.ErrExecution, "run", string(node.ID), fmt.Sprintf("exit code %d", pres.ExitCode), nil)
		return res
	}
	res.status = StatusSuccess

	if s.opts.Cache != nil && node.Cacheable() {
		s.store(j, pres.Duration)
	}
	return res
}

// lookup restores a hit. Any failure along the way reads as a miss.
func (s *scheduler) lookup(j job) (*cache.Hit, bool) {
	hit, err := s.opts.Cache.Lookup(s.runCtx, j.key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Debug("cache lookup failed", logging.String(logging.FieldTaskID, string(j.node.ID)), logging.Error(err))
		}
		return nil, false
	}
	if hit.ExitCode() != 0 {
		return nil, false
	}
	if err := hit.Restore(s.opts.Root, j.node.Dir, j.node.Definition.Outputs); err != nil {
		logging.WarnWithContext(s.logger, "cache restore failed", "cache_restore_failed",
			logging.String(logging.FieldTaskID, string(j.node.ID)),
			logging.String(logging.FieldHash, j.key),
			logging.Error(err),
			logging.String(logging.FieldImpact, "task runs instead of replaying"),
		)
		return nil, false
	}
	j.out.Note(fmt.Sprintf("cache hit (%s), replaying logs %s", hit.Source, shortKey(j.key)))
	j.out.Replay(hit.Stdout, hit.Stderr)
	return hit, true
}

func (s *scheduler) store(j job, took time.Duration) {
	files, err := hashing.ExpandOutputs(s.opts.Root, j.node.Dir, j.node.Definition.Outputs)
	if err == nil {
		err = s.opts.Cache.Store(s.baseCtx, j.key, cache.Artifact{
			TaskID:   string(j.node.ID),
			Root:     s.opts.Root,
			Files:    files,
			Stdout:   j.out.Stdout.Captured(),
			Stderr:   j.out.Stderr.Captured(),
			Duration: took,
		})
	}
	if err != nil {
		logging.WarnWithContext(s.logger, "cache write failed", "cache_store_failed",
			logging.String(logging.FieldTaskID, string(j.node.ID)),
			logging.String(logging.FieldHash, j.key),
			logging.Error(err),
			logging.String(logging.FieldImpact, "next run executes this task again"),
		)
	}
}

// startPersistent launches a long-running task outside the worker budget.
func (s *scheduler) startPersistent(st *nodeState) {
	node := st.node
	out := newTaskOutput(node.ID, s.printer, Stream)
	p, err := process.Start(process.Spec{
		Command: node.Command,
		Dir:     filepath.Join(s.opts.Root, filepath.FromSlash(node.Dir)),
		Env:     s.taskEnv(node, st.hash.Key),
		Stdout:  out.Stdout,
		Stderr:  out.Stderr,
	})
	if err != nil {
		s.fail(st, failure.Wrap(failure.ErrExecution, "run", string(node.ID), "start persistent task", err))
		return
	}
	st.status = StatusRunning
	st.started = time.Now()
	st.lifecycle = LifecycleRunning
	s.persistent[node.ID] = p
	s.logger.Info("persistent task started",
		logging.String(logging.FieldTaskID, string(node.ID)),
		logging.Int("pid", p.Pid()),
	)

	go func() {
		pres, err := p.Wait()
		out.Close()
		res := taskResult{
			id:         node.ID,
			persistent: true,
			executed:   true,
			duration:   pres.Duration,
			exitCode:   pres.ExitCode,
			lifecycle:  LifecycleExited,
			status:     StatusSuccess,
		}
		switch {
		case pres.Terminated:
			res.lifecycle = LifecycleKilled
		case err != nil:
			res.status = StatusFailed
			res.err = failure.Wrap(failure.ErrExecution, "run", string(node.ID), "wait", err)
		case pres.ExitCode != 0:
			res.status = StatusFailed
			res.err = failure.Wrap(failure.ErrExecution, "run", string(node.ID), fmt.Sprintf("exit code %d", pres.ExitCode), nil)
		}
		s.doneCh <- res
	}()
}

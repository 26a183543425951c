package run

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kiln/internal/cache"
	"kiln/internal/logging"
	"kiln/internal/process"
	"kiln/internal/taskgraph"
	"kiln/internal/taskhash"
)

// nodeState is owned by the scheduler goroutine. Workers receive copies of
// what they need through job.
type nodeState struct {
	node   *taskgraph.Node
	depth  int
	status Status

	hash        taskhash.TaskHash
	hashed      bool
	predsHashed int

	source     cache.Source
	exitCode   int
	started    time.Time
	duration   time.Duration
	err        error
	lifecycle  string
	cacheState string
}

type job struct {
	node *taskgraph.Node
	key  string
	env  []string
	out  *taskOutput
}

type hashResult struct {
	id   taskgraph.ID
	hash taskhash.TaskHash
	err  error
}

type taskResult struct {
	id         taskgraph.ID
	status     Status
	source     cache.Source
	exitCode   int
	duration   time.Duration
	executed   bool
	err        error
	persistent bool
	lifecycle  string
}

type scheduler struct {
	opts    Options
	graph   *taskgraph.Graph
	logger  *slog.Logger
	printer *printer

	states map[taskgraph.ID]*nodeState
	order  []taskgraph.ID
	ready  readyQueue

	hashCh chan hashResult
	doneCh chan taskResult
	workCh chan job

	hashing    int
	running    int
	persistent map[taskgraph.ID]*process.Process

	// baseCtx outlives fail-fast cancellation so finished work can still be stored.
	baseCtx   context.Context
	runCtx    context.Context
	cancelRun context.CancelFunc

	stopping    bool
	interrupted bool
}

func newScheduler(ctx context.Context, graph *taskgraph.Graph, opts Options, logger *slog.Logger) *scheduler {
	n := graph.Len()
	s := &scheduler{
		opts:       opts,
		graph:      graph,
		logger:     logger,
		printer:    &printer{w: opts.Output},
		states:     make(map[taskgraph.ID]*nodeState, n),
		order:      graph.TopologicalOrder(),
		hashCh:     make(chan hashResult, n),
		doneCh:     make(chan taskResult, n),
		workCh:     make(chan job),
		persistent: make(map[taskgraph.ID]*process.Process),
		baseCtx:    context.WithoutCancel(ctx),
	}
	s.runCtx, s.cancelRun = context.WithCancel(ctx)
	for _, id := range s.order {
		node, _ := graph.Node(id)
		s.states[id] = &nodeState{node: node, depth: graph.Depth(id), status: StatusPending}
	}
	return s
}

// loop drives the run until every non-persistent task is terminal.
func (s *scheduler) loop(ctx context.Context) {
	workers := s.opts.Concurrency
	if nonPersistent := s.countNonPersistent(); workers > nonPersistent {
		workers = nonPersistent
	}
	if s.opts.DryRun {
		workers = 0
	}
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	defer close(s.workCh)

	for _, id := range s.order {
		if len(s.graph.Predecessors(id)) == 0 {
			s.launchHash(s.states[id])
		}
	}

	ctxDone := ctx.Done()
	for !s.settled() {
		s.dispatch()
		select {
		case h := <-s.hashCh:
			s.onHash(h)
		case res := <-s.doneCh:
			s.onDone(res)
		case <-ctxDone:
			ctxDone = nil
			s.interrupted = true
			s.abort("run interrupted")
		}
	}

	if len(s.persistent) == 0 {
		return
	}
	if s.opts.KeepPersistent && !s.stopping && ctxDone != nil {
		s.logger.Info("persistent tasks running; interrupt to stop", logging.Int("persistent_tasks", len(s.persistent)))
		for len(s.persistent) > 0 && ctxDone != nil {
			select {
			case res := <-s.doneCh:
				s.onDone(res)
			case <-ctxDone:
				ctxDone = nil
			}
		}
	}
	s.stopPersistent()
	for len(s.persistent) > 0 {
		s.onDone(<-s.doneCh)
	}
}

func (s *scheduler) countNonPersistent() int {
	n := 0
	for _, st := range s.states {
		if !st.node.Persistent() {
			n++
		}
	}
	return n
}

func (s *scheduler) settled() bool {
	if s.hashing > 0 || s.running > 0 {
		return false
	}
	if s.opts.DryRun {
		return true
	}
	for _, st := range s.states {
		if st.node.Persistent() {
			if st.status == StatusPending || st.status == StatusEligible {
				return false
			}
			continue
		}
		if !st.status.Terminal() {
			return false
		}
	}
	return true
}

func (s *scheduler) dispatch() {
	for !s.stopping && s.running < s.opts.Concurrency {
		st, ok := s.ready.pop()
		if !ok {
			return
		}
		st.status = StatusRunning
		st.started = time.Now()
		s.running++
		s.logger.Debug("dispatching task",
			logging.String(logging.FieldTaskID, string(st.node.ID)),
			logging.Int("depth", st.depth),
		)
		s.workCh <- job{
			node: st.node,
			key:  st.hash.Key,
			env:  s.taskEnv(st.node, st.hash.Key),
			out:  newTaskOutput(st.node.ID, s.printer, s.opts.OutputMode),
		}
	}
}

func (s *scheduler) launchHash(st *nodeState) {
	preds := make(map[taskgraph.ID]string)
	for _, pred := range s.graph.Predecessors(st.node.ID) {
		preds[pred] = s.states[pred].hash.Key
	}
	s.hashing++
	go func(node *taskgraph.Node) {
		th, err := s.opts.Hasher.Hash(s.runCtx, node, preds)
		s.hashCh <- hashResult{id: node.ID, hash: th, err: err}
	}(st.node)
}

func (s *scheduler) onHash(h hashResult) {
	s.hashing--
	st := s.states[h.id]
	if h.err != nil {
		if !st.status.Terminal() {
			s.fail(st, h.err)
		}
		return
	}
	st.hash = h.hash
	st.hashed = true
	for _, succ := range s.graph.Successors(h.id) {
		next := s.states[succ]
		next.predsHashed++
		if next.predsHashed == len(s.graph.Predecessors(succ)) && !next.status.Terminal() {
			s.launchHash(next)
		}
	}
	s.tryEnqueue(st)
}

// tryEnqueue makes st eligible once it is hashed and its predecessors are satisfied.
func (s *scheduler) tryEnqueue(st *nodeState) {
	if s.opts.DryRun || s.stopping || st.status != StatusPending || !st.hashed {
		return
	}
	for _, pred := range s.graph.Predecessors(st.node.ID) {
		if !s.states[pred].status.Satisfied() {
			return
		}
	}
	st.status = StatusEligible
	if st.node.Persistent() {
		s.startPersistent(st)
		return
	}
	s.ready.push(st)
}

func (s *scheduler) onDone(res taskResult) {
	st := s.states[res.id]
	if res.persistent {
		delete(s.persistent, res.id)
	} else {
		s.running--
	}
	st.status = res.status
	st.source = res.source
	st.exitCode = res.exitCode
	st.duration = res.duration
	st.err = res.err
	if res.lifecycle != "" {
		st.lifecycle = res.lifecycle
	}
	s.opts.Metrics.TaskFinished(s.baseCtx, string(st.status), res.executed, res.duration)

	attrs := []logging.Attr{
		logging.String(logging.FieldTaskID, string(res.id)),
		logging.String("status", string(res.status)),
		logging.Duration("duration", res.duration),
	}
	if res.status == StatusFailed {
		attrs = append(attrs, logging.Int("exit_code", res.exitCode), logging.Error(res.err))
		s.logger.Warn("task failed", logging.Args(attrs...)...)
		s.onFailure(st)
		return
	}
	s.logger.Info("task finished", logging.Args(attrs...)...)
	for _, succ := range s.graph.Successors(res.id) {
		s.tryEnqueue(s.states[succ])
	}
}

func (s *scheduler) fail(st *nodeState, err error) {
	st.status = StatusFailed
	st.err = err
	st.exitCode = -1
	s.opts.Metrics.TaskFinished(s.baseCtx, string(StatusFailed), false, 0)
	s.logger.Warn("task failed before execution",
		logging.String(logging.FieldTaskID, string(st.node.ID)),
		logging.Error(err),
	)
	s.onFailure(st)
}

func (s *scheduler) onFailure(st *nodeState) {
	for _, id := range s.graph.Descendants(st.node.ID) {
		s.skip(s.states[id], fmt.Sprintf("dependency %s failed", st.node.ID))
	}
	if s.opts.FailurePolicy == FailFast {
		s.abort(fmt.Sprintf("%s failed", st.node.ID))
	}
}

func (s *scheduler) skip(st *nodeState, reason string) {
	if st.status != StatusPending && st.status != StatusEligible {
		return
	}
	st.status = StatusSkipped
	st.err = fmt.Errorf("skipped: %s", reason)
	s.opts.Metrics.TaskFinished(s.baseCtx, string(StatusSkipped), false, 0)
}

// abort stops scheduling: pending work is skipped, in-flight commands are
// cancelled and persistent tasks are terminated.
func (s *scheduler) abort(reason string) {
	if s.stopping {
		return
	}
	s.stopping = true
	s.cancelRun()
	s.logger.Warn("stopping run", logging.String("reason", reason), logging.Int("in_flight", s.running))
	for _, id := range s.order {
		s.skip(s.states[id], reason)
	}
	s.stopPersistent()
}

func (s *scheduler) stopPersistent() {
	for id, p := range s.persistent {
		s.logger.Debug("terminating persistent task", logging.String(logging.FieldTaskID, string(id)))
		go p.Terminate(s.opts.GracePeriod)
	}
}

func (s *scheduler) worker() {
	for j := range s.workCh {
		s.doneCh <- s.execute(j)
	}
}

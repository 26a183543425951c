package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrClosed is returned by State operations after Close.
var ErrClosed = errors.New("daemon state closed")

// State holds file digests split across shards. Each shard is owned by one
// goroutine that applies queued operations in order, so a caller that gives
// up waiting never leaves a shard half-updated.
type State struct {
	shards []*shard
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type shard struct {
	ops chan func(*shardData)
}

type shardData struct {
	files map[string]string
	// gen advances on every invalidation so a digest computed before a
	// change cannot be written back after it.
	gen uint64
}

// Lookup is the result of a batched read.
type Lookup struct {
	Hits   map[string]string
	Misses []string
	gens   map[int]uint64
}

// NewState starts n shard owners.
func NewState(n int) *State {
	if n <= 0 {
		n = 1
	}
	s := &State{shards: make([]*shard, n), closed: make(chan struct{})}
	for i := range s.shards {
		sh := &shard{ops: make(chan func(*shardData))}
		s.shards[i] = sh
		s.wg.Add(1)
		go s.own(sh)
	}
	return s
}

func (s *State) own(sh *shard) {
	defer s.wg.Done()
	data := &shardData{files: make(map[string]string)}
	for {
		select {
		case op := <-sh.ops:
			op(data)
		case <-s.closed:
			return
		}
	}
}

// Shards reports the shard count.
func (s *State) Shards() int { return len(s.shards) }

func (s *State) index(rel string) int {
	return int(xxhash.Sum64String(rel) % uint64(len(s.shards)))
}

// do queues fn on shard i and waits for it to finish. Once queued, fn runs to
// completion even if ctx ends first.
func (s *State) do(ctx context.Context, i int, fn func(*shardData)) error {
	done := make(chan struct{})
	op := func(d *shardData) {
		fn(d)
		close(done)
	}
	select {
	case s.shards[i].ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

func (s *State) group(rels []string) map[int][]string {
	groups := make(map[int][]string)
	for _, rel := range rels {
		i := s.index(rel)
		groups[i] = append(groups[i], rel)
	}
	return groups
}

// Get reads digests for rels.
func (s *State) Get(ctx context.Context, rels []string) (Lookup, error) {
	out := Lookup{Hits: make(map[string]string, len(rels)), gens: make(map[int]uint64)}
	for i, group := range s.group(rels) {
		var (
			hits   = make(map[string]string, len(group))
			misses []string
			gen    uint64
		)
		err := s.do(ctx, i, func(d *shardData) {
			gen = d.gen
			for _, rel := range group {
				if digest, ok := d.files[rel]; ok {
					hits[rel] = digest
				} else {
					misses = append(misses, rel)
				}
			}
		})
		if err != nil {
			return Lookup{}, err
		}
		for rel, digest := range hits {
			out.Hits[rel] = digest
		}
		out.Misses = append(out.Misses, misses...)
		out.gens[i] = gen
	}
	return out, nil
}

// Fill stores digests computed for the misses of l. A shard invalidated
// since l was taken ignores the write.
func (s *State) Fill(ctx context.Context, l Lookup, digests map[string]string) error {
	batches := make(map[int]map[string]string)
	for rel, digest := range digests {
		i := s.index(rel)
		if batches[i] == nil {
			batches[i] = make(map[string]string)
		}
		batches[i][rel] = digest
	}
	for i, batch := range batches {
		gen, ok := l.gens[i]
		if !ok {
			continue
		}
		err := s.do(ctx, i, func(d *shardData) {
			if d.gen != gen {
				return
			}
			for rel, digest := range batch {
				d.files[rel] = digest
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops rels and returns how many entries were present.
func (s *State) Invalidate(ctx context.Context, rels []string) (int, error) {
	total := 0
	for i, group := range s.group(rels) {
		removed := 0
		err := s.do(ctx, i, func(d *shardData) {
			d.gen++
			for _, rel := range group {
				if _, ok := d.files[rel]; ok {
					delete(d.files, rel)
					removed++
				}
			}
		})
		if err != nil {
			return total, err
		}
		total += removed
	}
	return total, nil
}

// Len counts entries across all shards.
func (s *State) Len(ctx context.Context) (int, error) {
	total := 0
	for i := range s.shards {
		n := 0
		if err := s.do(ctx, i, func(d *shardData) { n = len(d.files) }); err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Close stops the shard owners.
func (s *State) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
}

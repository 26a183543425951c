package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"kiln/internal/fileutil"
	"kiln/internal/logging"
)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Policy bounds the local cache. Zero fields disable that bound.
type Policy struct {
	MaxBytes     int64
	MaxAge       time.Duration
	MinFreeRatio float64
}

// PruneResult reports what a prune removed.
type PruneResult struct {
	Removed      int   `json:"removed"`
	FreedBytes   int64 `json:"freed_bytes"`
	SkippedLocks int   `json:"skipped_locks"`
	Remaining    int   `json:"remaining"`
}

// Stats describes current cache usage.
type Stats struct {
	Root         string         `json:"root"`
	Entries      int            `json:"entries"`
	TotalBytes   int64          `json:"total_bytes"`
	FreeBytes    uint64         `json:"free_bytes"`
	TotalFSBytes uint64         `json:"total_fs_bytes"`
	FreeRatio    float64        `json:"free_ratio"`
	Newest       []EntrySummary `json:"newest"`
}

// EntrySummary surfaces one entry for the CLI.
type EntrySummary struct {
	Key        string    `json:"key"`
	TaskID     string    `json:"task_id"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

type cacheEntry struct {
	key       string
	path      string
	sizeBytes int64
	modTime   time.Time
}

// Stats returns usage and filesystem free-space info. Newest holds up to
// limit entries, most recently used first.
func (l *Local) Stats(ctx context.Context, limit int) (Stats, error) {
	s := Stats{Root: l.root}
	entries, total, err := l.scan(ctx)
	if err != nil {
		return s, err
	}
	s.Entries = len(entries)
	s.TotalBytes = total
	if totalFS, freeFS, err := l.statfs(l.root); err == nil {
		s.TotalFSBytes, s.FreeBytes = totalFS, freeFS
		if totalFS > 0 {
			s.FreeRatio = float64(freeFS) / float64(totalFS)
		}
	}
	for i := len(entries) - 1; i >= 0 && len(s.Newest) < limit; i-- {
		entry := entries[i]
		summary := EntrySummary{Key: entry.key, SizeBytes: entry.sizeBytes, ModifiedAt: entry.modTime}
		if hit, err := l.Lookup(ctx, entry.key); err == nil {
			summary.TaskID = hit.Manifest.TaskID
		}
		s.Newest = append(s.Newest, summary)
	}
	return s, nil
}

// Prune removes expired entries, then the least recently used entries until
// the byte and free-space bounds hold. Entries being written are skipped.
func (l *Local) Prune(ctx context.Context, policy Policy) (PruneResult, error) {
	var res PruneResult
	entries, total, err := l.scan(ctx)
	if err != nil {
		return res, err
	}

	remove := func(entry cacheEntry) bool {
		unlock, ok := l.locks.tryLock(entry.key, l.lockPath(entry.key))
		if !ok {
			res.SkippedLocks++
			return false
		}
		defer unlock()
		if err := os.RemoveAll(entry.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("failed to prune cache entry",
				logging.String(logging.FieldHash, entry.key),
				logging.Error(err),
				logging.String(logging.FieldEventType, "cache_prune_failed"),
				logging.String(logging.FieldErrorHint, "check cache directory permissions"),
			)
			return false
		}
		res.Removed++
		res.FreedBytes += entry.sizeBytes
		total -= entry.sizeBytes
		l.logger.DebugContext(ctx, "pruned cache entry",
			logging.String(logging.FieldHash, entry.key),
			logging.Int64("entry_size_bytes", entry.sizeBytes),
		)
		return true
	}

	kept := entries[:0]
	if policy.MaxAge > 0 {
		cutoff := l.now().Add(-policy.MaxAge)
		for _, entry := range entries {
			if entry.modTime.Before(cutoff) && remove(entry) {
				continue
			}
			kept = append(kept, entry)
		}
		entries = kept
	}

	for len(entries) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if l.withinBounds(policy, total) {
			break
		}
		remove(entries[0])
		entries = entries[1:]
	}

	remaining, _, err := l.scan(ctx)
	if err == nil {
		res.Remaining = len(remaining)
	}
	if res.Removed > 0 {
		l.logger.InfoContext(ctx, "pruned local cache",
			logging.Int("removed", res.Removed),
			logging.Int64("freed_bytes", res.FreedBytes),
			logging.Int("remaining", res.Remaining),
		)
	}
	return res, nil
}

func (l *Local) withinBounds(policy Policy, total int64) bool {
	if policy.MaxBytes > 0 && total > policy.MaxBytes {
		return false
	}
	if policy.MinFreeRatio > 0 {
		fsTotal, free, err := l.statfs(l.root)
		if err == nil && fsTotal > 0 && float64(free)/float64(fsTotal) < policy.MinFreeRatio {
			return false
		}
	}
	return true
}

// scan lists complete entries oldest first.
func (l *Local) scan(ctx context.Context) ([]cacheEntry, int64, error) {
	entries := make([]cacheEntry, 0)
	var total int64
	shards, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entries, 0, nil
		}
		return nil, 0, fmt.Errorf("list cache root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		children, err := os.ReadDir(filepath.Join(l.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, child := range children {
			name := child.Name()
			if !child.IsDir() || strings.HasPrefix(name, tmpPrefix) || validateKey(name) != nil {
				continue
			}
			path := filepath.Join(l.root, shard.Name(), name)
			size, _, err := fileutil.DirSizeAndTime(path)
			if err != nil {
				l.logger.WarnContext(ctx, "skip cache entry; excluded from stats and pruning",
					logging.String("cache_dir", path),
					logging.Error(err),
					logging.String(logging.FieldEventType, "cache_entry_skipped"),
					logging.String(logging.FieldErrorHint, "remove the corrupted entry with kiln cache clean"),
				)
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			total += size
			entries = append(entries, cacheEntry{key: name, path: path, sizeBytes: size, modTime: info.ModTime()})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].key < entries[j].key
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})
	return entries, total, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}

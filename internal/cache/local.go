package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"kiln/internal/fileutil"
	"kiln/internal/logging"
)

const (
	manifestName = "manifest.json"
	outputsDir   = "outputs"
	stdoutName   = "stdout.log"
	stderrName   = "stderr.log"
	lockSuffix   = ".lock"
	tmpPrefix    = ".tmp-"
)

// Local is the on-disk cache tier.
type Local struct {
	root   string
	logger *slog.Logger
	locks  *keyLocks
	statfs statfsFunc
	now    func() time.Time
}

// NewLocal returns a local cache rooted at root.
func NewLocal(root string, logger *slog.Logger) *Local {
	return &Local{
		root:   root,
		logger: logging.NewComponentLogger(logger, "cache"),
		locks:  newKeyLocks(),
		statfs: realStatfs,
		now:    time.Now,
	}
}

// Root returns the cache directory.
func (l *Local) Root() string { return l.root }

func (l *Local) entryDir(key string) string {
	return filepath.Join(l.root, key[:2], key)
}

func (l *Local) lockPath(key string) string {
	return filepath.Join(l.root, key[:2], key+lockSuffix)
}

// Exists reports whether a complete entry is present for key.
func (l *Local) Exists(key string) bool {
	if validateKey(key) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(l.entryDir(key), manifestName))
	return err == nil
}

// Lookup loads the entry for key. Unreadable entries are reported as ErrMiss.
func (l *Local) Lookup(ctx context.Context, key string) (*Hit, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	dir := l.entryDir(key)
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("%w: read manifest: %v", ErrMiss, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", ErrMiss, err)
	}
	stdout, err := readOptional(filepath.Join(dir, stdoutName))
	if err != nil {
		return nil, fmt.Errorf("%w: read stdout: %v", ErrMiss, err)
	}
	stderr, err := readOptional(filepath.Join(dir, stderrName))
	if err != nil {
		return nil, fmt.Errorf("%w: read stderr: %v", ErrMiss, err)
	}
	now := l.now()
	_ = os.Chtimes(dir, now, now)
	l.logger.DebugContext(ctx, "local cache hit", logging.String(logging.FieldHash, key))
	return &Hit{
		Key:      key,
		Source:   SourceLocal,
		Manifest: manifest,
		Stdout:   stdout,
		Stderr:   stderr,
		dir:      dir,
		lock:     func() (func(), error) { return l.locks.lock(key, l.lockPath(key)) },
	}, nil
}

// Store captures art under key, replacing any existing entry.
func (l *Local) Store(ctx context.Context, key string, art Artifact) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return l.write(ctx, key, func(tmp string) error {
		return l.assemble(tmp, key, art)
	})
}

// Import installs an archived entry fetched from a remote tier.
func (l *Local) Import(ctx context.Context, key string, archive []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return l.write(ctx, key, func(tmp string) error {
		if err := unpack(archive, tmp); err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(tmp, manifestName)); err != nil {
			return fmt.Errorf("archive for %s has no manifest: %w", key, err)
		}
		return nil
	})
}

// Export archives the entry for key for upload to a remote tier.
func (l *Local) Export(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	unlock, err := l.locks.lock(key, l.lockPath(key))
	if err != nil {
		return nil, err
	}
	defer unlock()
	dir := l.entryDir(key)
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
		return nil, ErrMiss
	}
	return pack(dir)
}

func (l *Local) write(ctx context.Context, key string, fill func(tmp string) error) error {
	shard := filepath.Join(l.root, key[:2])
	if err := os.MkdirAll(shard, 0o755); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}
	unlock, err := l.locks.lock(key, l.lockPath(key))
	if err != nil {
		return err
	}
	defer unlock()

	tmp := filepath.Join(shard, tmpPrefix+key+"-"+uuid.NewString())
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := fill(tmp); err != nil {
		return err
	}
	final := l.entryDir(key)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("remove previous entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install entry: %w", err)
	}
	l.logger.DebugContext(ctx, "stored cache entry", logging.String(logging.FieldHash, key))
	return nil
}

func (l *Local) assemble(tmp, key string, art Artifact) error {
	files := append([]string(nil), art.Files...)
	sort.Strings(files)
	entries := make([]FileEntry, 0, len(files))
	for _, rel := range files {
		src := filepath.Join(art.Root, filepath.FromSlash(rel))
		info, err := os.Lstat(src)
		if err != nil {
			return fmt.Errorf("capture %s: %w", rel, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		dst := filepath.Join(tmp, outputsDir, filepath.FromSlash(rel))
		digest, err := fileutil.CopyFileVerified(src, dst, info.Mode().Perm())
		if err != nil {
			return fmt.Errorf("capture %s: %w", rel, err)
		}
		entries = append(entries, FileEntry{Path: rel, Size: info.Size(), Mode: uint32(info.Mode().Perm()), Digest: digest})
	}
	if err := os.WriteFile(filepath.Join(tmp, stdoutName), art.Stdout, 0o644); err != nil {
		return fmt.Errorf("write stdout log: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, stderrName), art.Stderr, 0o644); err != nil {
		return fmt.Errorf("write stderr log: %w", err)
	}
	manifest := Manifest{
		Key:        key,
		TaskID:     art.TaskID,
		Files:      entries,
		ExitCode:   art.ExitCode,
		DurationMS: art.Duration.Milliseconds(),
		CreatedAt:  l.now().UTC(),
		Stdout:     stdoutName,
		Stderr:     stderrName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestName), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// Clean removes every entry.
func (l *Local) Clean(ctx context.Context) error {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list cache root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(l.root, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	l.logger.InfoContext(ctx, "cleaned local cache", logging.String("cache_dir", l.root))
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

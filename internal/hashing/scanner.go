package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"kiln/internal/logging"
)

// ErrNotFound reports that a path does not exist or is not a regular file.
var ErrNotFound = errors.New("file not found")

// FileHasher digests repo-relative paths.
type FileHasher interface {
	Hash(ctx context.Context, rel string) (string, error)
	HashFiles(ctx context.Context, rels []string) (map[string]string, error)
}

// Scanner hashes files under a workspace root on demand.
type Scanner struct {
	root    string
	store   *Store
	logger  *slog.Logger
	workers int

	mu       sync.Mutex
	memoized map[string]string
}

// ScannerOption customizes a Scanner.
type ScannerOption func(*Scanner)

// WithStore persists digests across processes.
func WithStore(store *Store) ScannerOption {
	return func(s *Scanner) { s.store = store }
}

// WithLogger sets the scanner logger.
func WithLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = logger }
}

// WithWorkers bounds concurrent file reads in HashFiles.
func WithWorkers(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithMemo keeps digests in memory for the scanner's lifetime. Cold runs use
// it because files are assumed stable for the duration of one invocation.
func WithMemo() ScannerOption {
	return func(s *Scanner) { s.memoized = make(map[string]string) }
}

// NewScanner returns a scanner rooted at root.
func NewScanner(root string, opts ...ScannerOption) *Scanner {
	s := &Scanner{root: root, workers: runtime.GOMAXPROCS(0) * 2}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	return s
}

// Root returns the absolute workspace root.
func (s *Scanner) Root() string { return s.root }

// Hash returns the sha256 digest of rel's content.
func (s *Scanner) Hash(ctx context.Context, rel string) (string, error) {
	rel, err := CleanRel(rel)
	if err != nil {
		return "", err
	}
	if s.memoized != nil {
		s.mu.Lock()
		digest, ok := s.memoized[rel]
		s.mu.Unlock()
		if ok {
			return digest, nil
		}
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: not a regular file: %w", rel, ErrNotFound)
	}

	if s.store != nil {
		digest, ok, lookupErr := s.store.Lookup(ctx, rel, info.Size(), info.ModTime())
		if lookupErr != nil {
			s.logger.Debug("hash store lookup failed", logging.String("path", rel), logging.Error(lookupErr))
		} else if ok {
			s.remember(rel, digest)
			return digest, nil
		}
	}

	digest, err := DigestFile(abs)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", rel, err)
	}
	if s.store != nil {
		if putErr := s.store.Put(ctx, rel, info.Size(), info.ModTime(), digest); putErr != nil {
			s.logger.Debug("hash store write failed", logging.String("path", rel), logging.Error(putErr))
		}
	}
	s.remember(rel, digest)
	return digest, nil
}

func (s *Scanner) remember(rel, digest string) {
	if s.memoized == nil {
		return
	}
	s.mu.Lock()
	s.memoized[rel] = digest
	s.mu.Unlock()
}

// HashFiles hashes rels concurrently. Any failure aborts the batch.
func (s *Scanner) HashFiles(ctx context.Context, rels []string) (map[string]string, error) {
	out := make(map[string]string, len(rels))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rel := range rels {
		g.Go(func() error {
			digest, err := s.Hash(gctx, rel)
			if err != nil {
				return err
			}
			mu.Lock()
			out[rel] = digest
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops memoized and stored digests for rels.
func (s *Scanner) Forget(ctx context.Context, rels ...string) error {
	if s.memoized != nil {
		s.mu.Lock()
		for _, rel := range rels {
			delete(s.memoized, rel)
		}
		s.mu.Unlock()
	}
	if s.store != nil {
		return s.store.Delete(ctx, rels...)
	}
	return nil
}

// DigestFile returns the hex sha256 of the file at abs.
func DigestFile(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CleanRel normalizes a repo-relative path and rejects paths escaping the root.
func CleanRel(rel string) (string, error) {
	rel = strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if path.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace root", rel)
	}
	rel = path.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %q escapes the workspace root", rel)
	}
	return rel, nil
}

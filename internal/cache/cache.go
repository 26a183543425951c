package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMiss reports that no entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Source names the tier that satisfied a lookup.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Cache is the contract the scheduler depends on.
type Cache interface {
	Lookup(ctx context.Context, key string) (*Hit, error)
	Store(ctx context.Context, key string, art Artifact) error
	Close() error
}

// Artifact is a finished task result to be stored.
type Artifact struct {
	TaskID   string
	Root     string
	Files    []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// FileEntry is one captured output file.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Mode   uint32 `json:"mode"`
	Digest string `json:"digest"`
}

// Manifest describes a stored entry.
type Manifest struct {
	Key        string      `json:"key"`
	TaskID     string      `json:"task_id"`
	Files      []FileEntry `json:"files"`
	ExitCode   int         `json:"exit_code"`
	DurationMS int64       `json:"duration_ms"`
	CreatedAt  time.Time   `json:"created_at"`
	Stdout     string      `json:"stdout"`
	Stderr     string      `json:"stderr"`
}

// Duration returns the recorded task duration.
func (m Manifest) Duration() time.Duration {
	return time.Duration(m.DurationMS) * time.Millisecond
}

// Hit is a cached result ready to be replayed.
type Hit struct {
	Key      string
	Source   Source
	Manifest Manifest
	Stdout   []byte
	Stderr   []byte

	dir  string
	lock func() (func(), error)
}

// Files returns the repo-relative paths of captured outputs.
func (h *Hit) Files() []string {
	out := make([]string, 0, len(h.Manifest.Files))
	for _, f := range h.Manifest.Files {
		out = append(out, f.Path)
	}
	return out
}

// ExitCode returns the recorded exit code.
func (h *Hit) ExitCode() int { return h.Manifest.ExitCode }

func validateKey(key string) error {
	if len(key) < 4 {
		return fmt.Errorf("cache key %q too short", key)
	}
	for _, r := range key {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return fmt.Errorf("cache key %q is not lowercase hex", key)
		}
	}
	return nil
}

// Package taskhash computes the cache key of a task node.
//
// A key is a sha256 over length-prefixed fields: the run salt, the node's
// identity and configuration, every input file digest keyed by repo-relative
// path, declared env values and the keys of its predecessors. Every
// enumerated set is sorted first, and nothing machine-specific (absolute
// paths, timestamps) is written.
package taskhash

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"sort"
	"strings"

	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/taskgraph"
)

const keyVersion = "kiln-task-v1"

// ErrorKind classifies hash failures.
type ErrorKind int

const (
	InputUnreadable ErrorKind = iota + 1
	GlobPattern
)

func (k ErrorKind) String() string {
	switch k {
	case InputUnreadable:
		return "input unreadable"
	case GlobPattern:
		return "glob pattern"
	default:
		return "hash error"
	}
}

// HashError fails a single node; its dependents are skipped.
type HashError struct {
	Kind ErrorKind
	Task taskgraph.ID
	Err  error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("hash %s: %s: %v", e.Task, e.Kind, e.Err)
}

func (e *HashError) Unwrap() []error { return []error{failure.ErrHash, e.Err} }

// TaskHash is the key plus what went into it, for the run summary.
type TaskHash struct {
	Key    string            `json:"key"`
	Inputs map[string]string `json:"inputs"`
	Env    []string          `json:"env"`
}

// Env is a snapshot of environment variables.
type Env map[string]string

// EnvFromOS snapshots the process environment.
func EnvFromOS() Env {
	env := make(Env)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env[name] = value
		}
	}
	return env
}

// Resolve returns the sorted names matching patterns. A trailing "*" matches
// by prefix; other names are returned whether or not they are set.
func (e Env) Resolve(patterns []string) []string {
	seen := make(map[string]struct{})
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			for name := range e {
				if strings.HasPrefix(name, prefix) {
					seen[name] = struct{}{}
				}
			}
			continue
		}
		seen[p] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hasher computes node keys for one run.
type Hasher struct {
	root  string
	files hashing.FileHasher
	env   Env
	salt  string
}

// NewHasher returns a hasher for the workspace at root.
func NewHasher(root string, files hashing.FileHasher, env Env, salt string) *Hasher {
	if env == nil {
		env = Env{}
	}
	return &Hasher{root: root, files: files, env: env, salt: salt}
}

// Salt returns the run salt folded into every key.
func (h *Hasher) Salt() string { return h.salt }

// Hash computes the key of node. preds must hold the key of every predecessor.
func (h *Hasher) Hash(ctx context.Context, node *taskgraph.Node, preds map[taskgraph.ID]string) (TaskHash, error) {
	def := node.Definition
	var excludeOutputs []string
	if len(def.Inputs) == 0 {
		excludeOutputs = def.Outputs
	}
	files, err := hashing.ExpandInputs(h.root, node.Dir, def.Inputs, excludeOutputs)
	if err != nil {
		kind := InputUnreadable
		if errors.Is(err, hashing.ErrBadPattern) {
			kind = GlobPattern
		}
		return TaskHash{}, &HashError{Kind: kind, Task: node.ID, Err: err}
	}
	digests, err := h.files.HashFiles(ctx, files)
	if err != nil {
		return TaskHash{}, &HashError{Kind: InputUnreadable, Task: node.ID, Err: err}
	}

	predIDs := make([]string, 0, len(preds))
	for id := range preds {
		predIDs = append(predIDs, string(id))
	}
	sort.Strings(predIDs)

	envNames := h.env.Resolve(def.Env)

	w := newFieldWriter()
	w.field(keyVersion)
	w.field(h.salt)
	w.field(string(node.ID))
	w.field(node.Command)
	w.field(node.Dir)

	w.count(len(files))
	for _, rel := range files {
		w.field(rel)
		w.field(digests[rel])
	}
	w.list(sortedCopy(def.Inputs))
	w.list(sortedCopy(def.Outputs))

	w.count(len(envNames))
	for _, name := range envNames {
		value, ok := h.env[name]
		w.field(name)
		if ok {
			w.field("=" + value)
		} else {
			w.field("\x00unset")
		}
	}

	w.field(fmt.Sprintf("cache=%t persistent=%t interruptible=%t", def.Cache, def.Persistent, def.Interruptible))

	w.count(len(predIDs))
	for _, id := range predIDs {
		w.field(id)
		w.field(preds[taskgraph.ID(id)])
	}

	return TaskHash{Key: w.sum(), Inputs: digests, Env: envNames}, nil
}

// Salt is the run-wide component of every key.
type Salt struct {
	Version     string
	Force       string
	GlobalFiles map[string]string
	GlobalEnv   map[string]string
}

// NewSalt expands global dependencies and env for the workspace at root.
func NewSalt(ctx context.Context, root, version, force string, globalDeps, globalEnv []string, files hashing.FileHasher, env Env) (Salt, error) {
	salt := Salt{Version: version, Force: force, GlobalFiles: map[string]string{}, GlobalEnv: map[string]string{}}
	rels, err := hashing.ExpandGlobs(root, globalDeps)
	if err != nil {
		kind := InputUnreadable
		if errors.Is(err, hashing.ErrBadPattern) {
			kind = GlobPattern
		}
		return salt, &HashError{Kind: kind, Task: "<global>", Err: err}
	}
	if len(rels) > 0 {
		digests, err := files.HashFiles(ctx, rels)
		if err != nil {
			return salt, &HashError{Kind: InputUnreadable, Task: "<global>", Err: err}
		}
		salt.GlobalFiles = digests
	}
	for _, name := range env.Resolve(globalEnv) {
		salt.GlobalEnv[name] = env[name]
	}
	return salt, nil
}

// Digest folds the salt into one string.
func (s Salt) Digest() string {
	w := newFieldWriter()
	w.field(s.Version)
	w.field(s.Force)
	w.sortedMap(s.GlobalFiles)
	w.sortedMap(s.GlobalEnv)
	return w.sum()
}

type fieldWriter struct {
	h   hash.Hash
	buf [8]byte
}

func newFieldWriter() *fieldWriter {
	return &fieldWriter{h: sha256.New()}
}

func (w *fieldWriter) field(s string) {
	binary.BigEndian.PutUint64(w.buf[:], uint64(len(s)))
	w.h.Write(w.buf[:])
	w.h.Write([]byte(s))
}

func (w *fieldWriter) count(n int) {
	w.field(fmt.Sprintf("#%d", n))
}

func (w *fieldWriter) list(values []string) {
	w.count(len(values))
	for _, v := range values {
		w.field(v)
	}
}

func (w *fieldWriter) sortedMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.count(len(keys))
	for _, k := range keys {
		w.field(k)
		w.field(m[k])
	}
}

func (w *fieldWriter) sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

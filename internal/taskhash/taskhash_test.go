package taskhash_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/pipeline"
	"kiln/internal/taskgraph"
	"kiln/internal/taskhash"
	"kiln/internal/testsupport"
)

func newNode() *taskgraph.Node {
	return &taskgraph.Node{
		ID:      "web#build",
		Package: "web",
		Task:    "build",
		Dir:     "apps/web",
		Command: "tsc -b",
		Definition: pipeline.Task{
			Name:    "build",
			Inputs:  []string{"src/**"},
			Outputs: []string{"dist/**"},
			Env:     []string{"NODE_ENV"},
			Cache:   true,
		},
	}
}

func writeWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testsupport.WriteTree(t, root, map[string]string{
		"apps/web/src/a.ts": "export const a = 1\n",
		"apps/web/src/b.ts": "export const b = 2\n",
	})
	return root
}

func key(t *testing.T, root string, env taskhash.Env, salt string, node *taskgraph.Node, preds map[taskgraph.ID]string) string {
	t.Helper()
	h := taskhash.NewHasher(root, hashing.NewScanner(root), env, salt)
	th, err := h.Hash(context.Background(), node, preds)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return th.Key
}

func TestHashDeterministicAcrossCheckouts(t *testing.T) {
	env := taskhash.Env{"NODE_ENV": "production"}
	preds := map[taskgraph.ID]string{"utils#build": "abc"}
	first := key(t, writeWorkspace(t), env, "salt", newNode(), preds)
	again := key(t, writeWorkspace(t), env, "salt", newNode(), preds)
	if first != again {
		t.Fatalf("expected identical keys, got %s and %s", first, again)
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %q", first)
	}
}

func TestHashSensitivity(t *testing.T) {
	root := writeWorkspace(t)
	env := taskhash.Env{"NODE_ENV": "production", "UNRELATED": "1"}
	preds := map[taskgraph.ID]string{"utils#build": "abc"}
	base := key(t, root, env, "salt", newNode(), preds)

	t.Run("undeclared env ignored", func(t *testing.T) {
		changed := taskhash.Env{"NODE_ENV": "production", "UNRELATED": "2"}
		if got := key(t, root, changed, "salt", newNode(), preds); got != base {
			t.Fatal("undeclared env must not change the key")
		}
	})
	t.Run("pass-through env ignored", func(t *testing.T) {
		node := newNode()
		node.Definition.PassThroughEnv = []string{"UNRELATED"}
		if got := key(t, root, env, "salt", node, preds); got != base {
			t.Fatal("pass-through env must not change the key")
		}
	})
	t.Run("declared env value", func(t *testing.T) {
		changed := taskhash.Env{"NODE_ENV": "development", "UNRELATED": "1"}
		if got := key(t, root, changed, "salt", newNode(), preds); got == base {
			t.Fatal("declared env change must change the key")
		}
	})
	t.Run("declared env unset", func(t *testing.T) {
		if got := key(t, root, taskhash.Env{}, "salt", newNode(), preds); got == base {
			t.Fatal("unsetting declared env must change the key")
		}
	})
	t.Run("predecessor", func(t *testing.T) {
		if got := key(t, root, env, "salt", newNode(), map[taskgraph.ID]string{"utils#build": "abd"}); got == base {
			t.Fatal("predecessor key change must change the key")
		}
	})
	t.Run("salt", func(t *testing.T) {
		if got := key(t, root, env, "forced", newNode(), preds); got == base {
			t.Fatal("salt change must change the key")
		}
	})
	t.Run("command", func(t *testing.T) {
		node := newNode()
		node.Command = "tsc -b --verbose"
		if got := key(t, root, env, "salt", node, preds); got == base {
			t.Fatal("command change must change the key")
		}
	})
	t.Run("task flags", func(t *testing.T) {
		node := newNode()
		node.Definition.Interruptible = true
		if got := key(t, root, env, "salt", node, preds); got == base {
			t.Fatal("interruptible change must change the key")
		}
	})
	t.Run("input content", func(t *testing.T) {
		other := writeWorkspace(t)
		if err := os.WriteFile(filepath.Join(other, "apps/web/src/a.ts"), []byte("export const a = 3\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if got := key(t, other, env, "salt", newNode(), preds); got == base {
			t.Fatal("input change must change the key")
		}
	})
	t.Run("file outside inputs ignored", func(t *testing.T) {
		other := writeWorkspace(t)
		testsupport.WriteTree(t, other, map[string]string{"apps/web/README.md": "docs"})
		if got := key(t, other, env, "salt", newNode(), preds); got != base {
			t.Fatal("file outside declared inputs must not change the key")
		}
	})
}

func TestHashReportsInputs(t *testing.T) {
	root := writeWorkspace(t)
	h := taskhash.NewHasher(root, hashing.NewScanner(root), taskhash.Env{"NODE_ENV": "x"}, "salt")
	th, err := h.Hash(context.Background(), newNode(), nil)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if len(th.Inputs) != 2 {
		t.Fatalf("expected two inputs, got %v", th.Inputs)
	}
	if _, ok := th.Inputs["apps/web/src/a.ts"]; !ok {
		t.Fatalf("inputs must be keyed by repo-relative path, got %v", th.Inputs)
	}
	if len(th.Env) != 1 || th.Env[0] != "NODE_ENV" {
		t.Fatalf("unexpected env names %v", th.Env)
	}
}

func TestHashGlobError(t *testing.T) {
	root := writeWorkspace(t)
	node := newNode()
	node.Definition.Inputs = []string{"src/[oops"}
	h := taskhash.NewHasher(root, hashing.NewScanner(root), nil, "salt")
	_, err := h.Hash(context.Background(), node, nil)
	var herr *taskhash.HashError
	if !errors.As(err, &herr) || herr.Kind != taskhash.GlobPattern {
		t.Fatalf("expected glob pattern error, got %v", err)
	}
	if !errors.Is(err, failure.ErrHash) {
		t.Fatalf("expected hash marker, got %v", err)
	}
}

func TestEnvWildcard(t *testing.T) {
	env := taskhash.Env{"NEXT_PUBLIC_A": "1", "NEXT_PUBLIC_B": "2", "OTHER": "3"}
	got := env.Resolve([]string{"NEXT_PUBLIC_*", "MISSING"})
	want := []string{"MISSING", "NEXT_PUBLIC_A", "NEXT_PUBLIC_B"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestSaltIncludesGlobals(t *testing.T) {
	root := t.TempDir()
	testsupport.WriteTree(t, root, map[string]string{".env": "A=1\n"})
	scanner := hashing.NewScanner(root)
	ctx := context.Background()

	base, err := taskhash.NewSalt(ctx, root, "1.0.0", "", []string{".env"}, []string{"CI"}, scanner, taskhash.Env{"CI": "true"})
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	if len(base.GlobalFiles) != 1 {
		t.Fatalf("expected .env to be hashed, got %v", base.GlobalFiles)
	}
	forced := base
	forced.Force = "run-1"
	if base.Digest() == forced.Digest() {
		t.Fatal("force token must change the salt")
	}
	otherEnv, err := taskhash.NewSalt(ctx, root, "1.0.0", "", []string{".env"}, []string{"CI"}, scanner, taskhash.Env{"CI": "false"})
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	if base.Digest() == otherEnv.Digest() {
		t.Fatal("global env must change the salt")
	}
}

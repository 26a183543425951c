package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(chunkSize)
		if remaining < toWrite {
			toWrite = remaining
		}
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteTree writes files (repo-relative slash paths) under root.
func WriteTree(t testing.TB, root string, files map[string]string) {
	t.Helper()

	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", rel, err)
		}
		if err := os.WriteFile(target, []byte(files[rel]), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

// PackageSpec describes one package written by WritePackage.
type PackageSpec struct {
	Name         string
	Dependencies []string
	Scripts      map[string]string
}

// WritePackage writes dir/package.json for spec.
func WritePackage(t testing.TB, root, dir string, spec PackageSpec) {
	t.Helper()

	deps := make(map[string]string, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		deps[dep] = "*"
	}
	manifest := map[string]any{
		"name":    spec.Name,
		"version": "0.0.0",
	}
	if len(deps) > 0 {
		manifest["dependencies"] = deps
	}
	if len(spec.Scripts) > 0 {
		manifest["scripts"] = spec.Scripts
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	WriteTree(t, root, map[string]string{filepath.ToSlash(filepath.Join(dir, "package.json")): string(data)})
}

// WebUtilsWorkspace writes the two-package workspace most scheduler tests use:
// apps/web depends on packages/utils, and both build by copying src into dist.
func WebUtilsWorkspace(t testing.TB) string {
	t.Helper()

	root := t.TempDir()
	WriteTree(t, root, map[string]string{
		"package.json":                 `{"name":"root","private":true,"workspaces":["apps/*","packages/*"]}`,
		"kiln.toml":                    "[tasks.build]\ndependsOn = [\"^build\"]\noutputs = [\"dist/**\"]\n",
		"packages/utils/src/index.txt": "utils source\n",
		"apps/web/src/index.txt":       "web source\n",
	})
	build := map[string]string{"build": "mkdir -p dist && cp src/index.txt dist/out.txt && echo built"}
	WritePackage(t, root, "packages/utils", PackageSpec{Name: "utils", Scripts: build})
	WritePackage(t, root, "apps/web", PackageSpec{Name: "web", Dependencies: []string{"utils"}, Scripts: build})
	return root
}

// ShortTempDir returns a temp directory with a short path. Unix socket paths
// are limited to about 100 bytes, which t.TempDir can exceed for long test names.
func ShortTempDir(t testing.TB) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "kiln-")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

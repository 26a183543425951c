package hashing

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"kiln/internal/workspace"
)

// RootPrefix marks an input pattern as workspace-relative instead of package-relative.
const RootPrefix = "$ROOT/"

// ErrBadPattern is returned for malformed glob patterns.
var ErrBadPattern = doublestar.ErrBadPattern

// ExpandInputs resolves include and exclude globs for the package at pkgDir
// into a sorted list of repo-relative regular files. Patterns starting with
// "!" exclude. When no include pattern is given, every file of the package is
// included. Files under node_modules, .git and .kiln are always skipped, as
// are files matching excludeOutputs.
func ExpandInputs(root, pkgDir string, patterns, excludeOutputs []string) ([]string, error) {
	pkgDir = path.Clean(strings.ReplaceAll(pkgDir, "\\", "/"))
	var includes, excludes []string
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		negated := strings.HasPrefix(p, "!")
		p = anchor(pkgDir, strings.TrimPrefix(p, "!"))
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("input pattern %q: %w", raw, ErrBadPattern)
		}
		if negated {
			excludes = append(excludes, p)
		} else {
			includes = append(includes, p)
		}
	}
	for _, raw := range excludeOutputs {
		p := strings.TrimPrefix(strings.TrimSpace(raw), "!")
		if p == "" {
			continue
		}
		p = anchor(pkgDir, p)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("output pattern %q: %w", raw, ErrBadPattern)
		}
		excludes = append(excludes, p)
	}

	var candidates []string
	var err error
	if len(includes) == 0 {
		candidates, err = walkFiles(root, pkgDir)
	} else {
		candidates, err = globFiles(root, includes)
	}
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(candidates))
	for _, rel := range candidates {
		if workspace.IsIgnoredPath(rel) || matchesAny(excludes, rel) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return dedupeSorted(out), nil
}

// ExpandOutputs resolves output globs to the files currently on disk. Unlike
// ExpandInputs, no include pattern means no files.
func ExpandOutputs(root, pkgDir string, patterns []string) ([]string, error) {
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" && !strings.HasPrefix(p, "!") {
			return ExpandInputs(root, pkgDir, patterns, nil)
		}
	}
	return nil, nil
}

// ExpandGlobs resolves workspace-relative patterns, used for global dependencies.
func ExpandGlobs(root string, patterns []string) ([]string, error) {
	rooted := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "!") {
			rooted = append(rooted, "!"+RootPrefix+strings.TrimPrefix(p, "!"))
			continue
		}
		rooted = append(rooted, RootPrefix+p)
	}
	if len(rooted) == 0 {
		return nil, nil
	}
	return ExpandInputs(root, ".", rooted, nil)
}

// MatchOutputs reports whether rel falls under the package's output globs.
func MatchOutputs(pkgDir string, patterns []string, rel string) bool {
	pkgDir = path.Clean(pkgDir)
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" || strings.HasPrefix(p, "!") {
			continue
		}
		if ok, _ := doublestar.Match(anchor(pkgDir, p), rel); ok {
			return true
		}
	}
	return false
}

func anchor(pkgDir, pattern string) string {
	if strings.HasPrefix(pattern, RootPrefix) {
		return path.Clean(strings.TrimPrefix(pattern, RootPrefix))
	}
	pattern = strings.TrimPrefix(pattern, "./")
	if pkgDir == "." || pkgDir == "" {
		return path.Clean(pattern)
	}
	return path.Join(pkgDir, pattern)
}

func globFiles(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", pattern, err)
		}
		out = append(out, matches...)
	}
	return out, nil
}

func walkFiles(root, pkgDir string) ([]string, error) {
	start := filepath.Join(root, filepath.FromSlash(pkgDir))
	var out []string
	err := filepath.WalkDir(start, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && abs == start {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if abs != start && workspace.IsIgnoredDir(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", pkgDir, err)
	}
	return out, nil
}

func matchesAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func dedupeSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

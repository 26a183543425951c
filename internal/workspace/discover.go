package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// ManifestFile declares a package: name, dependencies, scripts.
	ManifestFile = "package.json"
	// DefinitionsFile holds task definitions at the root or per package.
	DefinitionsFile = "kiln.toml"
	// StateDir is the per-workspace directory kiln writes run summaries into.
	StateDir = ".kiln"
)

var ignoredDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	StateDir:       {},
}

// DefaultPackagePatterns is used when neither kiln.toml nor the root manifest lists workspaces.
var DefaultPackagePatterns = []string{"apps/*", "packages/*"}

// IsIgnoredPath reports whether rel lives under a directory kiln never hashes or watches.
func IsIgnoredPath(rel string) bool {
	for _, segment := range strings.Split(cleanRel(rel), "/") {
		if _, ok := ignoredDirs[segment]; ok {
			return true
		}
	}
	return false
}

// IsIgnoredDir reports whether a directory name is skipped during walks.
func IsIgnoredDir(name string) bool {
	_, ok := ignoredDirs[name]
	return ok
}

type manifest struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Scripts              map[string]string `json:"scripts"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	Workspaces           json.RawMessage   `json:"workspaces"`
}

func readManifest(file string) (manifest, error) {
	var m manifest
	data, err := os.ReadFile(file)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse %s: %w", file, err)
	}
	return m, nil
}

// workspacePatterns accepts both the array form and the {"packages": [...]} form.
func (m manifest) workspacePatterns() []string {
	if len(m.Workspaces) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(m.Workspaces, &list); err == nil {
		return list
	}
	var obj struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(m.Workspaces, &obj); err == nil {
		return obj.Packages
	}
	return nil
}

// Discover finds every package under root matching patterns. Patterns prefixed
// with "!" exclude directories. When patterns is empty the root manifest's
// "workspaces" field is used, then DefaultPackagePatterns.
func Discover(root string, patterns []string) (*Graph, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if len(patterns) == 0 {
		rootManifest, err := readManifest(filepath.Join(absRoot, ManifestFile))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		patterns = rootManifest.workspacePatterns()
	}
	if len(patterns) == 0 {
		patterns = DefaultPackagePatterns
	}

	include, exclude := splitPatterns(patterns)
	fsys := os.DirFS(absRoot)
	dirs := make(map[string]struct{})
	for _, pattern := range include {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid workspace pattern %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, path.Join(pattern, ManifestFile))
		if err != nil {
			return nil, fmt.Errorf("expand workspace pattern %q: %w", pattern, err)
		}
		for _, match := range matches {
			dir := path.Dir(match)
			if IsIgnoredPath(dir) || excluded(dir, exclude) {
				continue
			}
			dirs[dir] = struct{}{}
		}
	}

	ordered := make([]string, 0, len(dirs))
	for dir := range dirs {
		ordered = append(ordered, dir)
	}
	sort.Strings(ordered)

	pkgs := make([]Package, 0, len(ordered))
	for _, dir := range ordered {
		m, err := readManifest(filepath.Join(absRoot, filepath.FromSlash(dir), ManifestFile))
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, Package{
			Name:         m.Name,
			Dir:          dir,
			Version:      m.Version,
			Dependencies: dependencyNames(m),
			Scripts:      m.Scripts,
		})
	}
	return NewGraph(absRoot, pkgs)
}

func splitPatterns(patterns []string) (include, exclude []string) {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "!") {
			exclude = append(exclude, strings.TrimPrefix(strings.TrimPrefix(p, "!"), "./"))
			continue
		}
		include = append(include, strings.TrimSuffix(strings.TrimPrefix(p, "./"), "/"))
	}
	return include, exclude
}

func excluded(dir string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(strings.TrimSuffix(pattern, "/"), dir); ok {
			return true
		}
	}
	return false
}

func dependencyNames(m manifest) []string {
	seen := make(map[string]struct{})
	for _, group := range []map[string]string{m.Dependencies, m.DevDependencies, m.PeerDependencies, m.OptionalDependencies} {
		for name := range group {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

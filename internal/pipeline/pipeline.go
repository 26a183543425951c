package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/failure"
	"kiln/internal/workspace"
)

// Definition is one [tasks.<name>] table as written. Nil fields are unset and
// fall through to the next layer.
type Definition struct {
	DependsOn      *[]string `toml:"dependsOn"`
	Inputs         *[]string `toml:"inputs"`
	Outputs        *[]string `toml:"outputs"`
	Env            *[]string `toml:"env"`
	PassThroughEnv *[]string `toml:"passThroughEnv"`
	Cache          *bool     `toml:"cache"`
	Persistent     *bool     `toml:"persistent"`
	Interruptible  *bool     `toml:"interruptible"`
	Command        *string   `toml:"command"`
}

// File is the parsed form of a kiln.toml.
type File struct {
	Packages           []string              `toml:"packages"`
	GlobalDependencies []string              `toml:"globalDependencies"`
	GlobalEnv          []string              `toml:"globalEnv"`
	Tasks              map[string]Definition `toml:"tasks"`
}

// Task is a fully resolved definition for one package.
type Task struct {
	Name           string
	DependsOn      []string
	Inputs         []string
	Outputs        []string
	Env            []string
	PassThroughEnv []string
	Cache          bool
	Persistent     bool
	Interruptible  bool
	Command        string
}

// Table resolves task definitions for the packages of one workspace.
type Table struct {
	root      File
	overrides map[string]File
}

// ParseFile decodes a kiln.toml. A missing file yields an empty File.
func ParseFile(path string) (File, error) {
	var file File
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("read %s: %w", path, err)
	}
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&file); err != nil {
		return file, fmt.Errorf("parse %s: %w", path, err)
	}
	for name := range file.Tasks {
		if strings.TrimSpace(name) == "" {
			return file, fmt.Errorf("parse %s: empty task name", path)
		}
	}
	return file, nil
}

// LoadRoot reads <root>/kiln.toml.
func LoadRoot(root string) (File, error) {
	file, err := ParseFile(filepath.Join(root, workspace.DefinitionsFile))
	if err != nil {
		return File{}, failure.Wrap(failure.ErrConfiguration, "pipeline", "load root definitions", "", err)
	}
	return file, nil
}

// NewTable combines the root file with each package's own kiln.toml.
// Package files may only contain [tasks] tables.
func NewTable(rootFile File, graph *workspace.Graph) (*Table, error) {
	t := &Table{root: rootFile, overrides: make(map[string]File)}
	if graph == nil {
		return t, nil
	}
	for _, pkg := range graph.Packages() {
		if pkg.Dir == "." {
			continue
		}
		path := filepath.Join(graph.Root(), filepath.FromSlash(pkg.Dir), workspace.DefinitionsFile)
		file, err := ParseFile(path)
		if err != nil {
			return nil, failure.Wrap(failure.ErrConfiguration, "pipeline", "load package definitions", pkg.Name, err)
		}
		if len(file.Packages) > 0 || len(file.GlobalDependencies) > 0 || len(file.GlobalEnv) > 0 {
			return nil, failure.Wrap(failure.ErrConfiguration, "pipeline", "load package definitions", pkg.Name,
				fmt.Errorf("%s: packages, globalDependencies and globalEnv are only valid at the workspace root", path))
		}
		if len(file.Tasks) > 0 {
			t.overrides[pkg.Name] = file
		}
	}
	return t, nil
}

// NewTableFromFiles builds a table from in-memory files, keyed by package name.
func NewTableFromFiles(rootFile File, overrides map[string]File) *Table {
	t := &Table{root: rootFile, overrides: make(map[string]File, len(overrides))}
	for name, file := range overrides {
		t.overrides[name] = file
	}
	return t
}

// PackagePatterns returns the workspace package globs declared at the root.
func (t *Table) PackagePatterns() []string {
	return append([]string(nil), t.root.Packages...)
}

// GlobalDependencies returns the root-level globs folded into every hash.
func (t *Table) GlobalDependencies() []string {
	return append([]string(nil), t.root.GlobalDependencies...)
}

// GlobalEnv returns the env var names folded into every hash.
func (t *Table) GlobalEnv() []string {
	return append([]string(nil), t.root.GlobalEnv...)
}

// TaskNames returns every task name mentioned in any layer, sorted.
func (t *Table) TaskNames() []string {
	seen := make(map[string]struct{})
	add := func(file File) {
		for name := range file.Tasks {
			if _, task, ok := strings.Cut(name, "#"); ok {
				name = task
			}
			seen[name] = struct{}{}
		}
	}
	add(t.root)
	for _, file := range t.overrides {
		add(file)
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves task for pkg. The second result is false when the package
// has no command for the task, in which case the task is absent there.
func (t *Table) Lookup(pkg workspace.Package, task string) (Task, bool) {
	layers := make([]Definition, 0, 3)
	if file, ok := t.overrides[pkg.Name]; ok {
		if def, ok := file.Tasks[task]; ok {
			layers = append(layers, def)
		}
	}
	if def, ok := t.root.Tasks[pkg.Name+"#"+task]; ok {
		layers = append(layers, def)
	}
	if def, ok := t.root.Tasks[task]; ok {
		layers = append(layers, def)
	}

	resolved := Task{Name: task, Cache: true}
	resolved.DependsOn = pickList(layers, func(d Definition) *[]string { return d.DependsOn })
	resolved.Inputs = pickList(layers, func(d Definition) *[]string { return d.Inputs })
	resolved.Outputs = pickList(layers, func(d Definition) *[]string { return d.Outputs })
	resolved.Env = pickList(layers, func(d Definition) *[]string { return d.Env })
	resolved.PassThroughEnv = pickList(layers, func(d Definition) *[]string { return d.PassThroughEnv })
	if v, ok := pickBool(layers, func(d Definition) *bool { return d.Cache }); ok {
		resolved.Cache = v
	}
	resolved.Persistent, _ = pickBool(layers, func(d Definition) *bool { return d.Persistent })
	resolved.Interruptible, _ = pickBool(layers, func(d Definition) *bool { return d.Interruptible })
	if resolved.Persistent {
		resolved.Cache = false
	}

	for _, def := range layers {
		if def.Command != nil && strings.TrimSpace(*def.Command) != "" {
			resolved.Command = strings.TrimSpace(*def.Command)
			break
		}
	}
	if resolved.Command == "" {
		cmd, ok := pkg.Script(task)
		if !ok {
			return resolved, false
		}
		resolved.Command = cmd
	}
	return resolved, true
}

func pickList(layers []Definition, field func(Definition) *[]string) []string {
	for _, def := range layers {
		if v := field(def); v != nil {
			return append([]string{}, (*v)...)
		}
	}
	return nil
}

func pickBool(layers []Definition, field func(Definition) *bool) (bool, bool) {
	for _, def := range layers {
		if v := field(def); v != nil {
			return *v, true
		}
	}
	return false, false
}

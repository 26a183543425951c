package taskgraph

import (
	"fmt"
	"strings"
)

// SpecifierKind is the closed set of dependency forms.
type SpecifierKind int

const (
	// SameTaskInDependencies is "^build": the task in every direct package dependency.
	SameTaskInDependencies SpecifierKind = iota
	// SameTaskSamePackage is "build": the task in the depending package.
	SameTaskSamePackage
	// ExplicitPackageTask is "web#build": exactly one node.
	ExplicitPackageTask
)

func (k SpecifierKind) String() string {
	switch k {
	case SameTaskInDependencies:
		return "dependencies"
	case SameTaskSamePackage:
		return "same-package"
	case ExplicitPackageTask:
		return "explicit"
	default:
		return "unknown"
	}
}

// Specifier is a parsed dependsOn entry.
type Specifier struct {
	Kind    SpecifierKind
	Package string
	Task    string
}

func (s Specifier) String() string {
	switch s.Kind {
	case SameTaskInDependencies:
		return "^" + s.Task
	case ExplicitPackageTask:
		return s.Package + "#" + s.Task
	default:
		return s.Task
	}
}

// ParseSpecifier parses one dependsOn entry.
func ParseSpecifier(raw string) (Specifier, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Specifier{}, fmt.Errorf("empty task specifier")
	}
	if strings.HasPrefix(value, "^") {
		task := strings.TrimPrefix(value, "^")
		if task == "" || strings.ContainsAny(task, "^#") {
			return Specifier{}, fmt.Errorf("malformed task specifier %q", raw)
		}
		return Specifier{Kind: SameTaskInDependencies, Task: task}, nil
	}
	if pkg, task, ok := strings.Cut(value, "#"); ok {
		if pkg == "" || task == "" || strings.ContainsAny(task, "^#") {
			return Specifier{}, fmt.Errorf("malformed task specifier %q", raw)
		}
		return Specifier{Kind: ExplicitPackageTask, Package: pkg, Task: task}, nil
	}
	return Specifier{Kind: SameTaskSamePackage, Task: value}, nil
}

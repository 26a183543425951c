package taskgraph

import (
	"fmt"
	"strings"

	"kiln/internal/failure"
)

// ErrorKind classifies graph construction failures.
type ErrorKind int

const (
	CycleDetected ErrorKind = iota + 1
	InvalidDependency
	UnknownTask
)

func (k ErrorKind) String() string {
	switch k {
	case CycleDetected:
		return "cycle detected"
	case InvalidDependency:
		return "invalid dependency"
	case UnknownTask:
		return "unknown task"
	default:
		return "graph error"
	}
}

// GraphError aborts a run before any task executes. Chain holds the node ids
// leading to the failure; for cycles its first and last entries are equal.
type GraphError struct {
	Kind  ErrorKind
	Chain []ID
	Msg   string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Chain) > 0 {
		parts := make([]string, len(e.Chain))
		for i, id := range e.Chain {
			parts[i] = string(id)
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, " -> "))
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap ties every graph error to the failure taxonomy so exit codes map.
func (e *GraphError) Unwrap() error { return failure.ErrGraph }

func unknownf(chain []ID, format string, args ...any) error {
	return &GraphError{Kind: UnknownTask, Chain: chain, Msg: fmt.Sprintf(format, args...)}
}

func invalidf(chain []ID, format string, args ...any) error {
	return &GraphError{Kind: InvalidDependency, Chain: chain, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(chain []ID) error {
	return &GraphError{Kind: CycleDetected, Chain: chain}
}

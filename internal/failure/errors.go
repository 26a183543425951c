// Package failure classifies kiln errors and maps them onto the process exit
// codes the CLI publishes.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrGraph         = errors.New("task graph error")
	ErrHash          = errors.New("hash error")
	ErrCache         = errors.New("cache error")
	ErrExecution     = errors.New("task execution failed")
	ErrDaemon        = errors.New("daemon error")
	ErrConfiguration = errors.New("configuration error")
	ErrInternal      = errors.New("internal error")
)

// Exit codes are part of the CLI contract and must not be renumbered.
const (
	ExitSuccess    = 0
	ExitTaskFailed = 1
	ExitGraphError = 2
	ExitInternal   = 3
)

// Wrap builds an error message that includes component context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrInternal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ExitCode maps an error returned by a command onto the published exit codes.
// Graph and configuration problems share a code since both abort before any task runs.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrExecution):
		return ExitTaskFailed
	case errors.Is(err, ErrGraph), errors.Is(err, ErrConfiguration):
		return ExitGraphError
	default:
		return ExitInternal
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "unspecified failure"
	}
	return strings.Join(parts, ": ")
}

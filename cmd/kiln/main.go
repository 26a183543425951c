package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"kiln/internal/failure"
)

// version is stamped at build time with -ldflags "-X main.version=<v>".
// It is folded into every task hash, so upgrading kiln invalidates the cache.
var version = "dev"

func main() {
	// Honour container CPU quotas before the default concurrency is derived
	// from GOMAXPROCS.
	undo, _ := maxprocs.Set(maxprocs.Logger(func(string, ...any) {}))
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(stderr, "kiln:", err)
		}
		return failure.ExitCode(err)
	}
	return failure.ExitSuccess
}

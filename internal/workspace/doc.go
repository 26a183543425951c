// Package workspace discovers the packages of a monorepo and exposes them as
// an immutable dependency graph.
//
// Discovery reads package.json manifests matched by the workspace patterns
// and keeps only dependencies on other workspace members. The graph is
// shared read-only by every worker during a run and travels over IPC as a
// Snapshot when the daemon serves it.
package workspace

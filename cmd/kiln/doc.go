// Package main hosts the kiln CLI entrypoint and command graph.
//
// Commands resolve the workspace root and tool configuration once, then hand
// off to the internal packages: run builds and executes the task graph,
// graph and ls inspect the workspace, daemon manages the per-workspace
// hashing daemon, and cache maintains the local artifact store. Errors are
// mapped onto the published exit codes by internal/failure.
package main

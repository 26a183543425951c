// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// The client binds every call to a context so commands fail fast when the
// daemon is slow or gone. It also implements hashing.FileHasher, which lets a
// run hash files through a warm daemon.
package ipc

// Package hashing digests workspace files and expands input globs.
//
// Digests are sha256 over file content, keyed by repo-relative slash paths so
// they are portable across checkouts. Scanner is the cold FileHasher used
// when no daemon is reachable; the daemon wraps the same Scanner with its
// sharded in-memory state. Both may be backed by a Store, a SQLite table that
// remembers digests by path, size and mtime so unchanged files are not
// re-read across processes.
//
// Schema changes bump schemaVersion in schema.go; an outdated store is
// dropped and recreated since it only holds derived data.
package hashing

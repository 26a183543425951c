// Package daemon keeps one workspace's package graph and file digests warm
// between kiln invocations.
//
// A daemon holds a flock on its runtime directory so only one instance serves
// a workspace. File digests live in shards, each owned by a goroutine that
// applies queued operations in order; watch events and RPCs are the only
// writers. Digests are also persisted to SQLite keyed by size and mtime, so a
// restarted daemon starts warm. A manifest change triggers package
// rediscovery while any other change only drops the affected digests.
package daemon

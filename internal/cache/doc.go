// Package cache stores and replays task results by cache key.
//
// The local tier keeps one directory per key:
//
//	<root>/<key[:2]>/<key>/manifest.json
//	<root>/<key[:2]>/<key>/outputs/<repo-relative path>
//	<root>/<key[:2]>/<key>/stdout.log
//	<root>/<key[:2]>/<key>/stderr.log
//
// Entries are assembled in a temp directory and renamed into place, so
// readers never see a partial entry. Writers of the same key are serialized
// by an in-process mutex plus a flock beside the entry; writers of different
// keys never contend.
//
// A Multiplexer fronts the local tier with an optional remote Backend (Redis
// in production). Remote hits hydrate the local tier before they are
// returned, and stores mirror to the remote asynchronously. The cache is an
// optimization: read failures are reported as misses and write failures are
// logged by callers, never failing a task.
package cache

// Package config loads, normalizes, and validates kiln tool configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// KILN_CACHE_DIR and KILN_REMOTE_CACHE_ADDR. The Config type centralizes the
// knobs shared by the CLI and the daemon: cache and runtime directories,
// scheduler defaults, the remote cache tier, and connector timeouts.
//
// Workspace task definitions (kiln.toml at the repository root) are parsed
// by the pipeline package; this package only covers per-user tool settings.
package config

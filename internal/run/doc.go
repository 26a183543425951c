// Package run executes a task graph. A single scheduler goroutine owns the
// status table; a bounded worker pool runs cache lookups and commands and
// reports back over a channel. Task hashes are computed eagerly as soon as
// every predecessor hash is known, concurrently with execution.
//
// Ready tasks are dispatched by topological depth, then task id, so runs
// with the same graph and concurrency start tasks in the same order.
package run

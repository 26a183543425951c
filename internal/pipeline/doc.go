// Package pipeline loads workspace task definitions from kiln.toml.
//
// The workspace root file declares package patterns, global hash inputs and
// the default definition of every task. A package may carry its own
// kiln.toml whose [tasks.<name>] tables override the workspace default field
// by field. The root file can also pin a package-specific definition with a
// quoted "pkg#task" key. Lookup resolves a (package, task) pair against these
// layers and then against built-in defaults.
package pipeline

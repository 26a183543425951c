// Package taskgraph expands package dependencies and task definitions into
// an immutable DAG of task nodes.
//
// Dependency strings are parsed once into a Specifier and resolved into node
// ids at build time. Cycle detection runs on the expanded node graph, so
// same-package ordering such as build-before-test is legal while a task that
// transitively waits on itself is rejected with the offending chain.
package taskgraph

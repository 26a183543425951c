package run

import (
	"sort"

	"kiln/internal/taskgraph"
)

// baseEnv is passed to every task so ordinary tooling keeps working.
// Anything else must be declared through env, passThroughEnv or globalEnv.
var baseEnv = []string{
	"PATH", "HOME", "USER", "SHELL", "TMPDIR", "TERM", "LANG", "LC_ALL", "CI",
}

// taskEnv builds the process environment for node. Declared and pass-through
// variables are included only when set.
func (s *scheduler) taskEnv(node *taskgraph.Node, key string) []string {
	def := node.Definition
	names := append([]string(nil), baseEnv...)
	names = append(names, s.opts.Env.Resolve(def.Env)...)
	names = append(names, s.opts.Env.Resolve(def.PassThroughEnv)...)
	names = append(names, s.opts.Env.Resolve(s.opts.GlobalEnv)...)
	sort.Strings(names)

	env := make([]string, 0, len(names)+2)
	var last string
	for _, name := range names {
		if name == last {
			continue
		}
		last = name
		if value, ok := s.opts.Env[name]; ok {
			env = append(env, name+"="+value)
		}
	}
	return append(env, "KILN_HASH="+key, "KILN_TASK_ID="+string(node.ID))
}

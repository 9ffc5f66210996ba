package domain

import "fmt"

// CommandSpec is a serializable shell command. The engine treats it as
// opaque apart from Program, which participates in cache keys and
// composite names; substitution happens at hydration time.
type CommandSpec struct {
	Program string            `json:"program"`
	Flags   map[string]any    `json:"flags,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Shell   bool              `json:"shell,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Argv renders the spec as a subprocess argument list. Flag order follows
// sorted flag names so the rendering is stable.
func (c CommandSpec) Argv() []string {
	argv := []string{c.Program}
	for _, flag := range sortedKeysAny(c.Flags) {
		argv = append(argv, flag, fmt.Sprintf("%v", c.Flags[flag]))
	}
	argv = append(argv, c.Args...)
	return argv
}

package executor

import (
	"sort"
	"strings"
)

const (
	DefaultInterpreter = "python"
	DefaultTool        = "pytest"
)

// baseFlags are always passed so the output follows the verbose dialect
// the parser understands
var baseFlags = []string{"--tb=short", "-v"}

// CommandOptions describes one invocation of the test tool
type CommandOptions struct {
	Interpreter string
	Tool        string
	Paths       []string
	ExtraArgs   []string
}

// BuildCommand returns [interpreter, -m, tool, paths..., --tb=short, -v, extra...].
// Extra args come last so the tool's own precedence lets them override.
func BuildCommand(opts CommandOptions) []string {
	interp := opts.Interpreter
	if interp == "" {
		interp = DefaultInterpreter
	}
	tool := opts.Tool
	if tool == "" {
		tool = DefaultTool
	}

	args := make([]string, 0, 3+len(opts.Paths)+len(baseFlags)+len(opts.ExtraArgs))
	args = append(args, interp, "-m", tool)
	args = append(args, opts.Paths...)
	args = append(args, baseFlags...)
	args = append(args, opts.ExtraArgs...)
	return args
}

// MergeEnv applies overrides on top of base (KEY=VALUE entries). Keys in
// overrides replace existing entries; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	applied := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overrides[key]; ok {
			if !applied[key] {
				out = append(out, key+"="+v)
				applied[key] = true
			}
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !applied[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

package experiment

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Command is one executable invocation inside a run. Argv entries may
// contain {resource} placeholders which are resolved against the run's and
// the experiment's resources at build time.
type Command struct {
	// Name identifies the command within its run; it prefixes the
	// per-command properties (<name>_returncode, <name>_error, ...).
	Name string
	// Argv is the command line; the first element is the executable.
	Argv []string
	// TimeLimit is the wall-clock ceiling. Zero means unlimited.
	TimeLimit time.Duration
	// MemoryLimit is the memory ceiling in MiB. Zero means unlimited.
	MemoryLimit int64
	// Dir overrides the working directory, relative to the run directory.
	Dir string
	// ContinueOnFail keeps executing the run's remaining commands after
	// this one fails. By default a failure aborts the rest of the run.
	ContinueOnFail bool
	// OutputLimit is the per-stream log byte ceiling. Zero selects the
	// runner default.
	OutputLimit int64
}

var nameRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

func checkName(name, what string) error {
	if name == "" {
		return fmt.Errorf("name for %s must not be empty", what)
	}
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf(
			"name for %s may only use letters, digits, underscores and hyphens"+
				" and must start with a letter: %q", what, name)
	}
	return nil
}

func (c *Command) validate() error {
	if err := checkName(c.Name, "command"); err != nil {
		return err
	}
	if len(c.Argv) == 0 {
		return fmt.Errorf("command %q must not be empty", c.Name)
	}
	if c.TimeLimit < 0 || c.MemoryLimit < 0 || c.OutputLimit < 0 {
		return fmt.Errorf("command %q has a negative resource limit", c.Name)
	}
	return nil
}

var placeholderRegexp = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// resolveArgv substitutes {resource} placeholders. Referencing an undefined
// resource is a build-time error.
func resolveArgv(argv []string, vars map[string]string) ([]string, error) {
	out := make([]string, len(argv))
	for i, arg := range argv {
		var missing string
		resolved := placeholderRegexp.ReplaceAllStringFunc(arg, func(m string) string {
			name := strings.Trim(m, "{}")
			if path, ok := vars[name]; ok {
				return path
			}
			missing = name
			return m
		})
		if missing != "" {
			return nil, fmt.Errorf("resource %q is undefined", missing)
		}
		out[i] = resolved
	}
	return out, nil
}

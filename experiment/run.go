package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/expkit/expkit/fetcher"
	"github.com/expkit/expkit/props"
)

// resource is a file or directory staged into a run or experiment
// directory, or a pure alias for a shared path.
type resource struct {
	name      string
	source    string
	dest      string // relative to the owning directory
	symlink   bool
	aliasOnly bool
}

// Run is the unit of work: an ordered command sequence, declared input
// resources and an accumulating properties record. One run exists per
// (algorithm, task) pair.
type Run struct {
	commands   []Command
	resources  []resource
	properties props.Properties
}

// NewRun returns an empty run. Most scripts use Experiment.AddRun or
// Experiment.AddAlgorithm/AddTask instead of constructing runs directly.
func NewRun() *Run {
	return &Run{properties: props.New()}
}

// AddCommand appends a command to the run. Command names must be unique
// within one run.
func (r *Run) AddCommand(c Command) error {
	if err := c.validate(); err != nil {
		return err
	}
	for _, existing := range r.commands {
		if existing.Name == c.Name {
			return fmt.Errorf("command names must be unique: %s", c.Name)
		}
	}
	r.commands = append(r.commands, c)
	return nil
}

// AddResource stages source into the run directory under dest (basename of
// source when dest is empty) and makes it available to commands as
// {name}. Set symlink for large read-only shared inputs; copies are used
// when the run should be self-contained.
func (r *Run) AddResource(name, source, dest string, symlink bool) error {
	if name != "" {
		if err := r.checkAlias(name); err != nil {
			return err
		}
	}
	if dest == "" {
		dest = filepath.Base(source)
	}
	r.resources = append(r.resources, resource{
		name: name, source: source, dest: dest, symlink: symlink,
	})
	return nil
}

// AddResourceAlias registers {name} for a path without copying or linking
// anything, useful when the resource already exists at a shared location
// referenced by many runs.
func (r *Run) AddResourceAlias(name, source string) error {
	if err := r.checkAlias(name); err != nil {
		return err
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return err
	}
	r.resources = append(r.resources, resource{name: name, source: abs, aliasOnly: true})
	return nil
}

func (r *Run) checkAlias(name string) error {
	if err := checkName(name, "resource"); err != nil {
		return err
	}
	for _, res := range r.resources {
		if res.name == name {
			return fmt.Errorf("resource names must be unique: %s", name)
		}
	}
	return nil
}

// SetProperty stores a build-time property of the run. Every run must have
// the property "id", a unique list of strings.
func (r *Run) SetProperty(key string, value any) {
	r.properties.Set(key, value)
}

// ID returns the run's id components, or nil when the id is missing or
// malformed.
func (r *Run) ID() []string {
	raw, ok := r.properties["id"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, part := range v {
			s, ok := part.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	return nil
}

// vars maps resource names to the paths commands see: staged resources
// resolve relative to the run directory, aliases to their absolute source.
func (r *Run) vars() map[string]string {
	out := map[string]string{}
	for _, res := range r.resources {
		if res.name == "" {
			continue
		}
		if res.aliasOnly {
			out[res.name] = res.source
		} else {
			out[res.name] = res.dest
		}
	}
	return out
}

// commandPlan is the on-disk execution plan consumed by the run dispatcher.
type commandPlan struct {
	Name           string   `json:"name"`
	Argv           []string `json:"argv"`
	TimeLimitSecs  float64  `json:"time_limit_secs,omitempty"`
	MemoryLimitMiB int64    `json:"memory_limit_mib,omitempty"`
	Dir            string   `json:"dir,omitempty"`
	ContinueOnFail bool     `json:"continue_on_fail,omitempty"`
	OutputLimit    int64    `json:"output_limit,omitempty"`
}

type runPlan struct {
	Commands []commandPlan `json:"commands"`
}

// PlanName is the run's serialized command plan.
const PlanName = "run.json"

// build materializes the run: directory, staged resources, the executable
// run script, the command plan and the static properties file.
func (r *Run) build(runDir, selfExe string, expVars map[string]string) error {
	if len(r.commands) == 0 {
		return fmt.Errorf("run %s has no commands; add at least one", runDir)
	}
	id := r.ID()
	if id == nil || len(id) == 0 {
		return fmt.Errorf("each run needs an id property (a list of strings)")
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}

	for _, res := range r.resources {
		if res.aliasOnly {
			continue
		}
		if err := stageResource(runDir, res); err != nil {
			return err
		}
	}

	vars := map[string]string{}
	for name, path := range expVars {
		vars[name] = path
	}
	for name, path := range r.vars() {
		if _, dup := expVars[name]; dup {
			return fmt.Errorf(
				"resource names cannot be shared between experiment and runs: %s", name)
		}
		vars[name] = path
	}

	plan := runPlan{}
	for _, c := range r.commands {
		argv, err := resolveArgv(c.Argv, vars)
		if err != nil {
			return fmt.Errorf("command %q: %w", c.Name, err)
		}
		plan.Commands = append(plan.Commands, commandPlan{
			Name:           c.Name,
			Argv:           argv,
			TimeLimitSecs:  c.TimeLimit.Seconds(),
			MemoryLimitMiB: c.MemoryLimit,
			Dir:            c.Dir,
			ContinueOnFail: c.ContinueOnFail,
			OutputLimit:    c.OutputLimit,
		})
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(runDir, PlanName), append(data, '\n'), 0o644); err != nil {
		return err
	}

	script := strings.Join([]string{
		"#!/bin/sh",
		`cd "$(dirname "$0")"`,
		fmt.Sprintf("exec %q --run-internal .", selfExe),
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(runDir, "run"), []byte(script), 0o755); err != nil {
		return err
	}

	return r.properties.Write(filepath.Join(runDir, fetcher.StaticPropsName))
}

// stageResource copies or links one resource into the run directory.
func stageResource(baseDir string, res resource) error {
	if _, err := os.Stat(res.source); err != nil {
		return fmt.Errorf("resource not found: %s", res.source)
	}
	dest := filepath.Join(baseDir, res.dest)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if res.symlink {
		abs, err := filepath.Abs(res.source)
		if err != nil {
			return err
		}
		// Rebuilding over an existing directory replaces previous links.
		os.Remove(dest)
		return os.Symlink(abs, dest)
	}
	return copyPath(res.source, dest)
}

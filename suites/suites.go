// Package suites loads benchmark suite definitions. A suite file maps suite
// names to task lists; each task names its input files. Experiment scripts
// bind algorithms against the returned task descriptors.
package suites

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.yaml.in/yaml/v3"
)

// Task is one benchmark instance. Files maps resource aliases (e.g. "domain",
// "task") to input file paths.
type Task struct {
	Name  string            `yaml:"name"`
	Files map[string]string `yaml:"files"`
}

type suiteFile struct {
	Suites map[string][]Task `yaml:"suites"`
}

// Load reads a suite YAML file and returns its tasks sorted by name. Task
// names are prefixed with their suite name ("gripper-prob01"). Relative file
// paths are resolved against root when root is non-empty.
func Load(path, root string) ([]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f suiteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse suite file %s: %w", path, err)
	}
	if len(f.Suites) == 0 {
		return nil, fmt.Errorf("suite file %s defines no suites", path)
	}

	seen := map[string]bool{}
	var tasks []Task
	for suite, list := range f.Suites {
		for _, t := range list {
			if t.Name == "" {
				return nil, fmt.Errorf("suite %q contains a task without a name", suite)
			}
			name := suite + "-" + t.Name
			if seen[name] {
				return nil, fmt.Errorf("duplicate task name: %s", name)
			}
			seen[name] = true

			files := make(map[string]string, len(t.Files))
			for alias, p := range t.Files {
				if root != "" && !filepath.IsAbs(p) {
					p = filepath.Join(root, p)
				}
				files[alias] = p
			}
			tasks = append(tasks, Task{Name: name, Files: files})
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

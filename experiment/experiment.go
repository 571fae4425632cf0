// Package experiment ties the toolkit together: it owns the full set of
// runs, the step pipeline (build, start, parse, fetch), the on-disk
// experiment layout and the dispatch through the chosen environment.
package experiment

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/expkit/expkit/environment"
	"github.com/expkit/expkit/fetcher"
	"github.com/expkit/expkit/parser"
	"github.com/expkit/expkit/props"
	"github.com/expkit/expkit/suites"
)

// StaticExpPropsName holds the experiment-level properties written at build
// time.
const StaticExpPropsName = "static-experiment-properties"

// RunsDirName is the subdirectory of the experiment dir holding one
// directory per run.
const RunsDirName = "runs"

// Algorithm is a reusable command template, bound to every task of the
// experiment at build time. Argv may reference task file aliases (e.g.
// "{domain}", "{task}") and experiment resources.
type Algorithm struct {
	Name        string
	Argv        []string
	TimeLimit   time.Duration
	MemoryLimit int64
}

// Task is one benchmark instance: a name plus its input files keyed by
// resource alias. Task discovery lives outside the core; any source that
// yields these descriptors works.
type Task struct {
	Name  string
	Files map[string]string
}

// Experiment owns runs, steps and the execution environment. State lives
// entirely in the generated directory tree plus the properties files; the
// Experiment object itself persists nothing.
type Experiment struct {
	// Path is the absolute experiment directory.
	Path string

	env        environment.Environment
	algorithms []Algorithm
	tasks      []Task
	runs       []*Run
	steps      []Step
	parsers    []*parser.Parser
	resources  []resource
	properties props.Properties
}

// New creates an experiment rooted at path. A nil env selects local
// execution with one worker per CPU.
func New(path string, env environment.Environment) (*Experiment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if strings.ContainsAny(abs, ":,") {
		return nil, fmt.Errorf("experiment path contains colons or commas: %s", abs)
	}
	if env == nil {
		env = environment.NewLocal(0)
	}
	return &Experiment{
		Path:       abs,
		env:        env,
		properties: props.New(),
	}, nil
}

// Name returns the directory name of the experiment path.
func (e *Experiment) Name() string {
	return filepath.Base(e.Path)
}

// EvalDir returns the default evaluation directory, where fetched results
// land.
func (e *Experiment) EvalDir() string {
	return e.Path + "-eval"
}

// SetProperty stores an experiment-level property, written to
// static-experiment-properties at build time.
func (e *Experiment) SetProperty(key string, value any) {
	e.properties.Set(key, value)
}

// AddResource stages a file or directory into the experiment directory once,
// instead of once per run. Commands reference it as {name}.
func (e *Experiment) AddResource(name, source, dest string, symlink bool) error {
	if name != "" {
		if err := checkName(name, "resource"); err != nil {
			return err
		}
		for _, res := range e.resources {
			if res.name == name {
				return fmt.Errorf("resource names must be unique: %s", name)
			}
		}
	}
	if dest == "" {
		dest = filepath.Base(source)
	}
	e.resources = append(e.resources, resource{
		name: name, source: source, dest: dest, symlink: symlink,
	})
	return nil
}

// AddAlgorithm registers a command template. Registering two algorithms with
// the same name or the same effective command is a configuration mistake
// that would silently duplicate work, so it fails immediately.
func (e *Experiment) AddAlgorithm(a Algorithm) error {
	if err := checkName(a.Name, "algorithm"); err != nil {
		return err
	}
	if len(a.Argv) == 0 {
		return fmt.Errorf("algorithm %q has an empty command", a.Name)
	}
	sig := fmt.Sprintf("%q/%d/%d", a.Argv, a.TimeLimit, a.MemoryLimit)
	for _, existing := range e.algorithms {
		if existing.Name == a.Name {
			return fmt.Errorf("algorithm names must be unique: %s", a.Name)
		}
		existingSig := fmt.Sprintf("%q/%d/%d", existing.Argv, existing.TimeLimit, existing.MemoryLimit)
		if existingSig == sig {
			return fmt.Errorf(
				"algorithms %s and %s have identical commands", existing.Name, a.Name)
		}
	}
	e.algorithms = append(e.algorithms, a)
	return nil
}

// AddTask registers a benchmark task. Task names must be unique.
func (e *Experiment) AddTask(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	for _, existing := range e.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("task names must be unique: %s", t.Name)
		}
	}
	e.tasks = append(e.tasks, t)
	return nil
}

// AddTasks registers several tasks.
func (e *Experiment) AddTasks(tasks []Task) error {
	for _, t := range tasks {
		if err := e.AddTask(t); err != nil {
			return err
		}
	}
	return nil
}

// AddSuite loads a benchmark suite file and registers all of its tasks.
// Relative file paths in the suite are resolved against root.
func (e *Experiment) AddSuite(path, root string) error {
	tasks, err := suites.Load(path, root)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := e.AddTask(Task{Name: t.Name, Files: t.Files}); err != nil {
			return err
		}
	}
	return nil
}

// AddRun schedules a hand-built run. Scripts that only use AddAlgorithm and
// AddTask never need this.
func (e *Experiment) AddRun(r *Run) {
	e.runs = append(e.runs, r)
}

// AddParser registers a parser applied to every run during the parse step.
func (e *Experiment) AddParser(p *parser.Parser) {
	e.parsers = append(e.parsers, p)
}

// expandAlgorithms creates one run per (algorithm, task) pair. Task files
// are symlinked into the run dir under their alias names.
func (e *Experiment) expandAlgorithms() ([]*Run, error) {
	var runs []*Run
	for _, algo := range e.algorithms {
		for _, task := range e.tasks {
			run := NewRun()
			run.SetProperty("id", []string{algo.Name, task.Name})
			run.SetProperty("algorithm", algo.Name)
			run.SetProperty("task", task.Name)

			aliases := make([]string, 0, len(task.Files))
			for alias := range task.Files {
				aliases = append(aliases, alias)
			}
			sort.Strings(aliases)
			// Staged under the alias name, not the source basename, so
			// commands reference {alias} and same-named sources from
			// different directories cannot collide.
			for _, alias := range aliases {
				if err := run.AddResource(alias, task.Files[alias], alias, true); err != nil {
					return nil, fmt.Errorf("task %s: %w", task.Name, err)
				}
			}

			err := run.AddCommand(Command{
				Name:        "run",
				Argv:        algo.Argv,
				TimeLimit:   algo.TimeLimit,
				MemoryLimit: algo.MemoryLimit,
			})
			if err != nil {
				return nil, err
			}
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// allRuns returns explicit runs plus the algorithm/task cross product, and
// validates run id uniqueness.
func (e *Experiment) allRuns() ([]*Run, error) {
	expanded, err := e.expandAlgorithms()
	if err != nil {
		return nil, err
	}
	runs := append(append([]*Run{}, e.runs...), expanded...)
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs have been added to the experiment")
	}
	seen := map[string]bool{}
	for _, run := range runs {
		id := run.ID()
		if id == nil {
			return nil, fmt.Errorf("each run needs an id property (a list of strings)")
		}
		key := strings.Join(id, "-")
		if seen[key] {
			return nil, fmt.Errorf("run ids must be unique: %s", key)
		}
		seen[key] = true
	}
	return runs, nil
}

// Build validates the configuration and writes the full experiment tree:
// run directories, staged resources, run scripts and the environment's
// dispatch artifact. Build never deletes existing run data, so resumed
// experiments keep their logs.
func (e *Experiment) Build() error {
	runs, err := e.allRuns()
	if err != nil {
		return err
	}
	if _, err := os.Stat(e.Path); err == nil {
		log.Printf("Warning: experiment directory %s already exists; "+
			"existing run data is kept", e.Path)
	}
	if err := os.MkdirAll(e.Path, 0o755); err != nil {
		return err
	}
	log.Printf("Building experiment %s with %d runs", e.Name(), len(runs))

	for _, res := range e.resources {
		if res.aliasOnly {
			continue
		}
		if err := stageResource(e.Path, res); err != nil {
			return err
		}
	}
	expVars := map[string]string{}
	for _, res := range e.resources {
		if res.name == "" {
			continue
		}
		if res.aliasOnly {
			expVars[res.name] = res.source
		} else {
			expVars[res.name] = filepath.Join(e.Path, res.dest)
		}
	}

	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine experiment binary: %w", err)
	}

	var runDirs []string
	for i, run := range runs {
		rel := filepath.Join(RunsDirName, strings.Join(run.ID(), "-"))
		if err := run.build(filepath.Join(e.Path, rel), selfExe, expVars); err != nil {
			return err
		}
		runDirs = append(runDirs, rel)
		if (i+1)%100 == 0 {
			log.Printf("Built run %6d/%d", i+1, len(runs))
		}
	}

	e.properties.Set("runs", len(runs))
	if err := e.properties.Write(filepath.Join(e.Path, StaticExpPropsName)); err != nil {
		return err
	}

	return e.env.WriteMainScript(&environment.Batch{
		Path:    e.Path,
		Name:    e.Name(),
		RunDirs: runDirs,
	})
}

// batchFromDisk reconstructs the batch by scanning the runs directory, so
// that start can resume without rebuilding.
func (e *Experiment) batchFromDisk() (*environment.Batch, error) {
	entries, err := os.ReadDir(filepath.Join(e.Path, RunsDirName))
	if err != nil {
		return nil, fmt.Errorf("experiment %s is not built: %w", e.Path, err)
	}
	var runDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			runDirs = append(runDirs, filepath.Join(RunsDirName, entry.Name()))
		}
	}
	sort.Strings(runDirs)
	if len(runDirs) == 0 {
		return nil, fmt.Errorf("experiment %s contains no runs", e.Path)
	}
	return &environment.Batch{Path: e.Path, Name: e.Name(), RunDirs: runDirs}, nil
}

// Start dispatches all not-yet-started runs through the environment.
func (e *Experiment) Start() error {
	batch, err := e.batchFromDisk()
	if err != nil {
		return err
	}
	return e.env.StartRuns(batch)
}

// Parse applies all registered parsers to every run directory, extending
// each run's properties file.
func (e *Experiment) Parse() error {
	batch, err := e.batchFromDisk()
	if err != nil {
		return err
	}
	log.Printf("Running %d parsers in %d run directories", len(e.parsers), len(batch.RunDirs))
	for i, rel := range batch.RunDirs {
		runDir := filepath.Join(e.Path, rel)
		propsPath := filepath.Join(runDir, props.Filename)
		p, err := props.Load(propsPath)
		if err != nil {
			p = props.New()
		}
		for _, ps := range e.parsers {
			ps.ParseDir(runDir, p)
		}
		if err := p.Write(propsPath); err != nil {
			return err
		}
		if (i+1)%100 == 0 {
			log.Printf("Parsed run %6d/%d", i+1, len(batch.RunDirs))
		}
	}
	return nil
}

// ErrUnexplainedErrors is wrapped by fetch steps that found broken runs, so
// automation can detect silently-broken batches through the exit code.
var ErrUnexplainedErrors = fmt.Errorf("unexplained errors detected")

// AddFetcher registers a fetch step that merges src (defaults to the
// experiment directory) into dest (defaults to the default eval dir).
func (e *Experiment) AddFetcher(name, src, dest string, opts fetcher.Options) error {
	if src == "" {
		src = e.Path
	}
	if dest == "" {
		dest = e.EvalDir()
	}
	if name == "" {
		name = "fetch-" + filepath.Base(strings.TrimRight(src, "/"))
	}
	return e.AddStep(name, func() error {
		res, err := fetcher.Fetch(src, dest, opts)
		if err != nil {
			return err
		}
		if res.UnexplainedErrors > 0 {
			return fmt.Errorf("%w: %d runs", ErrUnexplainedErrors, res.UnexplainedErrors)
		}
		return nil
	})
}

// AddDefaultSteps registers the standard build, start, parse and fetch
// pipeline.
func (e *Experiment) AddDefaultSteps() error {
	if err := e.AddStep("build", e.Build); err != nil {
		return err
	}
	if err := e.AddStep("start", e.Start); err != nil {
		return err
	}
	if err := e.AddStep("parse", e.Parse); err != nil {
		return err
	}
	return e.AddFetcher("fetch", "", "", fetcher.Options{Merge: true})
}

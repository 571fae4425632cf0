// Package environment provides the execution backends for experiments:
// local parallel execution and Slurm batch-job submission. An environment
// renders a dispatch artifact at build time and starts (or submits) the runs
// of a batch; the run directories themselves are the sole unit of execution
// context, so no backend-specific state leaks into run definitions.
package environment

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// DispatchOrderFile lists the relative run directories of a batch, one per
// line, in the order they should be dispatched. Both backends consume it.
const DispatchOrderFile = "dispatch-order"

// DriverLogName marks a run directory as started. Runs whose directory
// contains this file are never re-dispatched.
const DriverLogName = "driver.log"

// Batch is the environment-facing view of a built experiment.
type Batch struct {
	// Path is the absolute experiment directory.
	Path string
	// Name is the experiment name (used for job names).
	Name string
	// RunDirs are the run directories relative to Path, in build order.
	RunDirs []string
}

// Environment is the execution backend abstraction.
type Environment interface {
	// WriteMainScript renders the backend's dispatch artifact into the
	// experiment directory.
	WriteMainScript(b *Batch) error
	// StartRuns dispatches every run of the batch that has not been started
	// yet. Submission failure is fatal; individual run failures are not.
	StartRuns(b *Batch) error
}

// writeDispatchOrder stores the (optionally shuffled) run order on disk so
// that dispatch is deterministic across resumed invocations.
func writeDispatchOrder(b *Batch, shuffle bool, seed int64) error {
	order := make([]string, len(b.RunDirs))
	copy(order, b.RunDirs)
	if shuffle {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	path := filepath.Join(b.Path, DispatchOrderFile)
	return os.WriteFile(path, []byte(strings.Join(order, "\n")+"\n"), 0o644)
}

// readDispatchOrder loads the stored run order, falling back to build order
// when the artifact is missing.
func readDispatchOrder(b *Batch) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(b.Path, DispatchOrderFile))
	if os.IsNotExist(err) {
		return b.RunDirs, nil
	}
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			dirs = append(dirs, line)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("dispatch order file in %s is empty", b.Path)
	}
	return dirs, nil
}

// started reports whether the run directory already has a driver log.
func started(b *Batch, runDir string) bool {
	_, err := os.Stat(filepath.Join(b.Path, runDir, DriverLogName))
	return err == nil
}

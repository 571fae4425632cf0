package experiment

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Step is a named phase of the experiment pipeline.
type Step struct {
	Name string
	Func func() error
}

// AddStep appends a named step. Step names must be unique so they can be
// selected on the command line.
func (e *Experiment) AddStep(name string, fn func() error) error {
	if err := checkName(name, "step"); err != nil {
		return err
	}
	for _, s := range e.steps {
		if s.Name == name {
			return fmt.Errorf("step names must be unique: %s", name)
		}
	}
	e.steps = append(e.steps, Step{Name: name, Func: fn})
	return nil
}

// Steps returns the registered steps in order.
func (e *Experiment) Steps() []Step {
	return append([]Step{}, e.steps...)
}

func (e *Experiment) printSteps() {
	fmt.Println("Available steps:")
	for i, s := range e.steps {
		fmt.Printf("  %2d  %s\n", i+1, s.Name)
	}
	fmt.Println("Select steps by name, 1-based index or index range (2-4), or pass --all.")
}

// selectSteps resolves command line arguments to steps. Arguments are step
// names, 1-based indices or index ranges ("2-4"); --all selects every step.
func (e *Experiment) selectSteps(args []string) ([]Step, error) {
	var selected []Step
	for _, arg := range args {
		if arg == "--all" {
			return e.Steps(), nil
		}
		if idx, err := strconv.Atoi(arg); err == nil {
			if idx < 1 || idx > len(e.steps) {
				return nil, fmt.Errorf("step index out of range: %d", idx)
			}
			selected = append(selected, e.steps[idx-1])
			continue
		}
		if lo, hi, ok := parseStepRange(arg); ok {
			if lo < 1 || hi > len(e.steps) || lo > hi {
				return nil, fmt.Errorf("step range out of bounds: %s", arg)
			}
			selected = append(selected, e.steps[lo-1:hi]...)
			continue
		}
		found := false
		for _, s := range e.steps {
			if s.Name == arg {
				selected = append(selected, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown step: %s", arg)
		}
	}
	return selected, nil
}

// parseStepRange reads "lo-hi". Step names cannot start with a digit, so a
// leading digit with a hyphen is unambiguous.
func parseStepRange(arg string) (lo, hi int, ok bool) {
	left, right, found := strings.Cut(arg, "-")
	if !found {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(left)
	if err != nil {
		return 0, 0, false
	}
	hi, err = strconv.Atoi(right)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// RunSteps is the entry point of an experiment script. It parses os.Args,
// runs the selected steps in order and exits the process with a non-zero
// status if any step fails. When the script is re-executed inside a run
// directory it acts as the run driver instead.
func (e *Experiment) RunSteps() {
	args := os.Args[1:]
	if len(args) >= 2 && args[0] == "--run-internal" {
		if err := executeRunDir(args[1]); err != nil {
			log.Printf("Run failed: %v", err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	if len(args) == 0 {
		e.printSteps()
		return
	}
	selected, err := e.selectSteps(args)
	if err != nil {
		log.Printf("Error: %v", err)
		e.printSteps()
		os.Exit(2)
	}
	for _, step := range selected {
		log.Printf("Running step %s", step.Name)
		start := time.Now()
		if err := step.Func(); err != nil {
			log.Printf("Step %s failed after %s: %v", step.Name, time.Since(start).Round(time.Millisecond), err)
			os.Exit(1)
		}
		log.Printf("Step %s finished after %s", step.Name, time.Since(start).Round(time.Millisecond))
	}
}

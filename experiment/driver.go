package experiment

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/expkit/expkit/environment"
	"github.com/expkit/expkit/props"
	"github.com/expkit/expkit/runner"
)

// Error classifications recorded per command and for the run as a whole.
const (
	ErrorNone        = "none"
	ErrorTimeLimit   = "time-limit"
	ErrorMemoryLimit = "memory-limit"
	ErrorStartError  = "start-error"
	ErrorFailed      = "failed"
)

// executeRunDir runs the command plan of one run directory. It is invoked
// by the generated run scripts via the --run-internal flag and writes the
// driver log, per-command output files and the dynamic properties.
func executeRunDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	// Creating driver.log marks the run as started; resumed batches skip
	// directories that have one.
	driverLog, err := os.Create(filepath.Join(abs, environment.DriverLogName))
	if err != nil {
		return err
	}
	defer driverLog.Close()
	logger := log.New(driverLog, "", log.LstdFlags)

	data, err := os.ReadFile(filepath.Join(abs, PlanName))
	if err != nil {
		return writeDriverErr(abs, fmt.Errorf("cannot read command plan: %w", err))
	}
	var plan runPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return writeDriverErr(abs, fmt.Errorf("cannot parse command plan: %w", err))
	}

	propsPath := filepath.Join(abs, props.Filename)
	p, err := props.Load(propsPath)
	if err != nil {
		p = props.New()
	}

	overall := ErrorNone
	for _, cmd := range plan.Commands {
		logger.Printf("Running command %s: %q", cmd.Name, cmd.Argv)
		classification := runCommand(abs, cmd, p)
		logger.Printf("Command %s finished: %s", cmd.Name, classification)
		if classification == ErrorNone {
			continue
		}
		if overall == ErrorNone {
			overall = classification
		}
		if !cmd.ContinueOnFail {
			logger.Printf("Aborting remaining commands")
			break
		}
	}
	p.Set("error", overall)
	if err := p.Write(propsPath); err != nil {
		return writeDriverErr(abs, err)
	}
	return nil
}

// runCommand executes a single plan entry, records its outcome in the
// properties and returns the error classification.
func runCommand(runDir string, cmd commandPlan, p props.Properties) string {
	limits := runner.Limits{
		Time:   time.Duration(cmd.TimeLimitSecs * float64(time.Second)),
		Memory: cmd.MemoryLimitMiB,
	}
	dir := runDir
	if cmd.Dir != "" {
		dir = filepath.Join(runDir, cmd.Dir)
	}
	res, err := runner.Run(cmd.Argv, limits, runner.Options{
		Dir:         dir,
		Stdout:      filepath.Join(runDir, cmd.Name+".log"),
		Stderr:      filepath.Join(runDir, cmd.Name+".err"),
		OutputLimit: cmd.OutputLimit,
	})
	if err != nil {
		writeDriverErr(runDir, fmt.Errorf("command %s: %w", cmd.Name, err))
		p.Set(cmd.Name+"_returncode", -1)
		p.Set(cmd.Name+"_error", ErrorStartError)
		return ErrorStartError
	}

	p.Set(cmd.Name+"_returncode", res.ExitCode)
	if res.Signal != 0 {
		p.Set(cmd.Name+"_signal", int(res.Signal))
	}
	p.Set(cmd.Name+"_wall_time", res.WallTime.Seconds())
	if res.PeakMemory > 0 {
		p.Set(cmd.Name+"_peak_memory", res.PeakMemory)
	}
	if res.StdoutTruncated {
		p.Set(cmd.Name+"_stdout_truncated", true)
	}
	if res.StderrTruncated {
		p.Set(cmd.Name+"_stderr_truncated", true)
	}

	classification := ErrorNone
	switch {
	case res.TimeViolation:
		classification = ErrorTimeLimit
	case res.MemoryViolation:
		classification = ErrorMemoryLimit
	case res.ExitCode != 0:
		classification = ErrorFailed
	}
	p.Set(cmd.Name+"_error", classification)
	return classification
}

// writeDriverErr appends a message to driver.err and returns the error so
// callers can propagate it.
func writeDriverErr(runDir string, err error) error {
	f, ferr := os.OpenFile(
		filepath.Join(runDir, "driver.err"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if ferr != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintln(f, err.Error())
	return err
}

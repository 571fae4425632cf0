// Package fetcher walks the run directories of a finished experiment, merges
// the per-run properties into one evaluation-directory dataset and flags
// runs whose results are missing or malformed as unexplained errors.
package fetcher

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/expkit/expkit/props"
)

// StaticPropsName is the build-time properties file inside a run directory.
const StaticPropsName = "static-properties"

// Options controls how results are merged into the evaluation directory.
type Options struct {
	// Merge combines the fetched data with an existing evaluation dataset
	// instead of refusing to touch it.
	Merge bool
	// Overwrite allows a fetched run to replace an existing run with the
	// same id. Without it, duplicate ids are an error.
	Overwrite bool
}

// Result summarizes one fetch.
type Result struct {
	// Runs is the number of runs in the combined dataset.
	Runs int
	// UnexplainedErrors counts runs whose record signals an infrastructure
	// problem rather than an expected solver failure.
	UnexplainedErrors int
}

// Fetch merges the properties of srcDir (an experiment directory or an
// evaluation directory) into evalDir and writes the combined properties
// file. Per-run problems are recorded, not fatal; the caller decides what to
// do with a non-zero unexplained-error count.
func Fetch(srcDir, evalDir string, opts Options) (*Result, error) {
	if fi, err := os.Stat(srcDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%s is missing or not a directory", srcDir)
	}
	log.Printf("Fetching properties from %s to %s", srcDir, evalDir)

	combinedPath := filepath.Join(evalDir, props.Filename)
	combined := props.New()
	if existing, err := props.Load(combinedPath); err == nil {
		if !opts.Merge {
			return nil, fmt.Errorf(
				"%s already contains data; pass the merge option to combine", evalDir)
		}
		combined = existing
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	fetched, err := collect(srcDir)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(fetched))
	for id := range fetched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, dup := combined[id]; dup && !opts.Overwrite {
			return nil, fmt.Errorf("duplicate run id %q; pass the overwrite option to replace", id)
		}
		combined[id] = fetched[id]
	}

	unexplained := 0
	for id, raw := range combined {
		run, ok := raw.(map[string]any)
		if !ok {
			if p, ok2 := raw.(props.Properties); ok2 {
				run = map[string]any(p)
			} else {
				unexplained++
				continue
			}
		}
		if len(props.Properties(run).UnexplainedErrors()) > 0 {
			log.Printf("Unexplained error(s) in %s: inspect its logs", id)
			unexplained++
		}
	}

	if err := combined.Write(combinedPath); err != nil {
		return nil, err
	}
	log.Printf("Wrote properties of %d runs (%d with unexplained errors)",
		len(combined), unexplained)
	return &Result{Runs: len(combined), UnexplainedErrors: unexplained}, nil
}

// collect gathers run id -> properties from srcDir. An experiment directory
// is recognized by its runs/ subdirectory; anything else is treated as an
// evaluation directory with a combined properties file.
func collect(srcDir string) (map[string]props.Properties, error) {
	runsDir := filepath.Join(srcDir, "runs")
	if fi, err := os.Stat(runsDir); err == nil && fi.IsDir() {
		return collectRunDirs(runsDir)
	}
	src, err := props.Load(filepath.Join(srcDir, props.Filename))
	if err != nil {
		return nil, fmt.Errorf("cannot read evaluation data from %s: %w", srcDir, err)
	}
	out := make(map[string]props.Properties, len(src))
	for id, raw := range src {
		if run, ok := raw.(map[string]any); ok {
			out[id] = props.Properties(run)
		} else {
			return nil, fmt.Errorf("entry %q in %s is not a run record", id, srcDir)
		}
	}
	log.Printf("Fetched properties of %d runs from evaluation dir", len(out))
	return out, nil
}

func collectRunDirs(runsDir string) (map[string]props.Properties, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	log.Printf("Scanning %d run directories", len(names))
	out := make(map[string]props.Properties, len(names))
	for _, name := range names {
		runDir := filepath.Join(runsDir, name)
		p := fetchRunDir(runDir)
		id := runID(p, name)
		out[id] = p
	}
	return out, nil
}

// fetchRunDir assembles the full record of one run: static properties,
// dynamic properties and sanity checks on the driver logs. Problems become
// unexplained errors on the record rather than fetch failures.
func fetchRunDir(runDir string) props.Properties {
	p := props.New()

	static, err := props.Load(filepath.Join(runDir, StaticPropsName))
	if err != nil {
		p.AddUnexplainedError(fmt.Sprintf("unexplained-static-properties: %v", err))
	} else {
		p.Update(static)
	}

	dynamic, err := props.Load(filepath.Join(runDir, props.Filename))
	if err != nil {
		p.AddUnexplainedError(fmt.Sprintf("unexplained-properties: %v", err))
	} else {
		p.Update(dynamic)
	}

	if _, err := os.Stat(filepath.Join(runDir, "driver.log")); err != nil {
		p.AddUnexplainedError("driver.log is missing; probably the run was never started")
	}
	for _, logName := range []string{"driver.err", "run.err"} {
		data, err := os.ReadFile(filepath.Join(runDir, logName))
		if err == nil && len(strings.TrimSpace(string(data))) > 0 {
			p.AddUnexplainedError(fmt.Sprintf("%s: %s", logName, strings.TrimSpace(string(data))))
		}
	}

	if _, ok := p["error"]; !ok {
		p.AddUnexplainedError("unexplained-missing-error-attribute")
	}
	return p
}

// runID extracts the joined run id from a record, falling back to the run
// directory name when the id is missing or malformed.
func runID(p props.Properties, fallback string) string {
	raw, ok := p["id"]
	if !ok {
		p.AddUnexplainedError("unexplained-missing-id")
		return fallback
	}
	parts, ok := raw.([]any)
	if !ok {
		p.AddUnexplainedError("unexplained-malformed-id")
		return fallback
	}
	strs := make([]string, 0, len(parts))
	for _, part := range parts {
		s, ok := part.(string)
		if !ok {
			p.AddUnexplainedError("unexplained-malformed-id")
			return fallback
		}
		strs = append(strs, s)
	}
	return strings.Join(strs, "-")
}

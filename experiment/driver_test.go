package experiment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/expkit/expkit/environment"
	"github.com/expkit/expkit/props"
)

func writePlan(t *testing.T, dir string, plan runPlan) {
	t.Helper()
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, PlanName), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestExecuteRunDir(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, runPlan{Commands: []commandPlan{
		{Name: "run", Argv: []string{"sh", "-c", "echo solved"}},
		{Name: "validate", Argv: []string{"true"}},
	}})

	if err := executeRunDir(dir); err != nil {
		t.Fatalf("executeRunDir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, environment.DriverLogName)); err != nil {
		t.Error("driver log not written")
	}

	p, err := props.Load(filepath.Join(dir, props.Filename))
	if err != nil {
		t.Fatalf("properties not written: %v", err)
	}
	if p["error"] != ErrorNone {
		t.Errorf("error = %v, want %s", p["error"], ErrorNone)
	}
	if p["run_returncode"] != float64(0) || p["validate_returncode"] != float64(0) {
		t.Errorf("return codes missing: %v", p)
	}
	if _, ok := p["run_wall_time"]; !ok {
		t.Error("wall time missing")
	}

	data, err := os.ReadFile(filepath.Join(dir, "run.log"))
	if err != nil || string(data) != "solved\n" {
		t.Errorf("run.log = %q, err = %v", data, err)
	}
}

func TestExecuteRunDirAbortsAfterFailure(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, runPlan{Commands: []commandPlan{
		{Name: "run", Argv: []string{"false"}},
		{Name: "validate", Argv: []string{"sh", "-c", "echo reached"}},
	}})

	if err := executeRunDir(dir); err != nil {
		t.Fatalf("executeRunDir failed: %v", err)
	}
	p, err := props.Load(filepath.Join(dir, props.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if p["error"] != ErrorFailed {
		t.Errorf("error = %v, want %s", p["error"], ErrorFailed)
	}
	if p["run_returncode"] != float64(1) {
		t.Errorf("run_returncode = %v, want 1", p["run_returncode"])
	}
	if _, ok := p["validate_returncode"]; ok {
		t.Error("command after failure was executed")
	}
}

func TestExecuteRunDirContinueOnFail(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, runPlan{Commands: []commandPlan{
		{Name: "run", Argv: []string{"false"}, ContinueOnFail: true},
		{Name: "validate", Argv: []string{"true"}},
	}})

	if err := executeRunDir(dir); err != nil {
		t.Fatalf("executeRunDir failed: %v", err)
	}
	p, err := props.Load(filepath.Join(dir, props.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if p["error"] != ErrorFailed {
		t.Errorf("error = %v, want %s (first failure wins)", p["error"], ErrorFailed)
	}
	if p["validate_returncode"] != float64(0) {
		t.Error("command after tolerated failure was not executed")
	}
}

func TestExecuteRunDirStartError(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, runPlan{Commands: []commandPlan{
		{Name: "run", Argv: []string{"/no/such/solver"}},
	}})

	if err := executeRunDir(dir); err != nil {
		t.Fatalf("executeRunDir failed: %v", err)
	}
	p, err := props.Load(filepath.Join(dir, props.Filename))
	if err != nil {
		t.Fatal(err)
	}
	if p["error"] != ErrorStartError {
		t.Errorf("error = %v, want %s", p["error"], ErrorStartError)
	}
	if p["run_returncode"] != float64(-1) {
		t.Errorf("run_returncode = %v, want -1", p["run_returncode"])
	}
	data, err := os.ReadFile(filepath.Join(dir, "driver.err"))
	if err != nil || len(data) == 0 {
		t.Error("driver.err not written for start error")
	}
}

func TestExecuteRunDirMissingPlan(t *testing.T) {
	if err := executeRunDir(t.TempDir()); err == nil {
		t.Fatal("expected error for missing command plan")
	}
}

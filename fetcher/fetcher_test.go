package fetcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/expkit/expkit/props"
)

// writeRun materializes a completed run directory with static and dynamic
// properties plus the driver log marker.
func writeRun(t *testing.T, expDir, name string, id []string, extra props.Properties) {
	t.Helper()
	runDir := filepath.Join(expDir, "runs", name)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatal(err)
	}
	static := props.New()
	static.Set("id", id)
	static.Set("algorithm", id[0])
	if err := static.Write(filepath.Join(runDir, StaticPropsName)); err != nil {
		t.Fatal(err)
	}
	dynamic := props.New()
	dynamic.Set("error", "none")
	dynamic.Update(extra)
	if err := dynamic.Write(filepath.Join(runDir, props.Filename)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "driver.log"), []byte("done\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFetchExperimentDir(t *testing.T) {
	expDir := filepath.Join(t.TempDir(), "exp")
	evalDir := expDir + "-eval"
	writeRun(t, expDir, "astar-gripper", []string{"astar", "gripper"}, props.Properties{"cost": 11})
	writeRun(t, expDir, "astar-blocks", []string{"astar", "blocks"}, props.Properties{"cost": 17})

	res, err := Fetch(expDir, evalDir, Options{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Runs != 2 {
		t.Errorf("Runs = %d, want 2", res.Runs)
	}
	if res.UnexplainedErrors != 0 {
		t.Errorf("UnexplainedErrors = %d, want 0", res.UnexplainedErrors)
	}

	combined, err := props.Load(filepath.Join(evalDir, props.Filename))
	if err != nil {
		t.Fatalf("cannot load combined properties: %v", err)
	}
	run, ok := combined["astar-gripper"].(map[string]any)
	if !ok {
		t.Fatalf("astar-gripper missing from combined data: %v", combined)
	}
	if run["cost"] != float64(11) {
		t.Errorf("cost = %v, want 11", run["cost"])
	}
	if run["algorithm"] != "astar" {
		t.Errorf("static properties not merged: %v", run)
	}
}

func TestFetchFlagsBrokenRun(t *testing.T) {
	expDir := filepath.Join(t.TempDir(), "exp")
	writeRun(t, expDir, "good-run", []string{"good", "run"}, nil)
	// Run dir without properties or driver.log: never started.
	broken := filepath.Join(expDir, "runs", "broken-run")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := Fetch(expDir, expDir+"-eval", Options{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Runs != 2 {
		t.Errorf("Runs = %d, want 2", res.Runs)
	}
	if res.UnexplainedErrors != 1 {
		t.Errorf("UnexplainedErrors = %d, want 1", res.UnexplainedErrors)
	}
}

func TestFetchRefusesExistingEvalDir(t *testing.T) {
	expDir := filepath.Join(t.TempDir(), "exp")
	evalDir := expDir + "-eval"
	writeRun(t, expDir, "a-b", []string{"a", "b"}, nil)

	if _, err := Fetch(expDir, evalDir, Options{}); err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if _, err := Fetch(expDir, evalDir, Options{}); err == nil {
		t.Fatal("second fetch without merge must fail")
	}
	if _, err := Fetch(expDir, evalDir, Options{Merge: true}); err == nil {
		t.Fatal("merge without overwrite must reject duplicate ids")
	}
	if _, err := Fetch(expDir, evalDir, Options{Merge: true, Overwrite: true}); err != nil {
		t.Fatalf("merge with overwrite failed: %v", err)
	}
}

func TestFetchFromEvalDir(t *testing.T) {
	base := t.TempDir()
	expDir := filepath.Join(base, "exp")
	eval1 := filepath.Join(base, "eval1")
	eval2 := filepath.Join(base, "eval2")
	writeRun(t, expDir, "a-b", []string{"a", "b"}, nil)

	if _, err := Fetch(expDir, eval1, Options{}); err != nil {
		t.Fatalf("fetch into eval1 failed: %v", err)
	}
	res, err := Fetch(eval1, eval2, Options{})
	if err != nil {
		t.Fatalf("fetch from eval dir failed: %v", err)
	}
	if res.Runs != 1 {
		t.Errorf("Runs = %d, want 1", res.Runs)
	}
}

func TestFetchMissingSource(t *testing.T) {
	if _, err := Fetch(filepath.Join(t.TempDir(), "nope"), t.TempDir(), Options{}); err == nil {
		t.Fatal("expected error for missing source dir")
	}
}

func TestRunErrFlagsRun(t *testing.T) {
	expDir := filepath.Join(t.TempDir(), "exp")
	writeRun(t, expDir, "a-b", []string{"a", "b"}, nil)
	runDir := filepath.Join(expDir, "runs", "a-b")
	if err := os.WriteFile(filepath.Join(runDir, "run.err"), []byte("segfault\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := Fetch(expDir, expDir+"-eval", Options{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.UnexplainedErrors != 1 {
		t.Errorf("UnexplainedErrors = %d, want 1", res.UnexplainedErrors)
	}
}

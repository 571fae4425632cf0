package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/expkit/expkit/props"
)

func writeRunLog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPatternKinds(t *testing.T) {
	dir := writeRunLog(t, "Plan cost: 42\nSearch time: 1.5s\nSolved: true\nAlgorithm: astar\n")

	p := New("test")
	for _, err := range []error{
		p.AddPattern("cost", `Plan cost: (\d+)`, "", Int, true, ""),
		p.AddPattern("search_time", `Search time: ([\d.]+)s`, "", Float, true, ""),
		p.AddPattern("solved", `Solved: (\w+)`, "", Bool, true, ""),
		p.AddPattern("algorithm", `Algorithm: (\w+)`, "", String, true, ""),
	} {
		if err != nil {
			t.Fatalf("AddPattern failed: %v", err)
		}
	}

	properties := props.New()
	p.ParseDir(dir, properties)

	if properties["cost"] != 42 {
		t.Errorf("cost = %v (%T), want 42", properties["cost"], properties["cost"])
	}
	if properties["search_time"] != 1.5 {
		t.Errorf("search_time = %v, want 1.5", properties["search_time"])
	}
	if properties["solved"] != true {
		t.Errorf("solved = %v, want true", properties["solved"])
	}
	if properties["algorithm"] != "astar" {
		t.Errorf("algorithm = %v, want astar", properties["algorithm"])
	}
	if errs := properties.UnexplainedErrors(); len(errs) != 0 {
		t.Errorf("unexpected unexplained errors: %v", errs)
	}
}

func TestRequiredPatternMiss(t *testing.T) {
	dir := writeRunLog(t, "nothing interesting\n")

	p := New("test")
	if err := p.AddPattern("cost", `cost: (\d+)`, "", Int, true, ""); err != nil {
		t.Fatal(err)
	}
	if err := p.AddPattern("time", `time: (\d+)`, "", Int, false, ""); err != nil {
		t.Fatal(err)
	}

	properties := props.New()
	p.ParseDir(dir, properties)

	errs := properties.UnexplainedErrors()
	if len(errs) != 1 {
		t.Fatalf("got %d unexplained errors, want 1: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0], "cost") {
		t.Errorf("error does not name the attribute: %s", errs[0])
	}
	if _, ok := properties["time"]; ok {
		t.Error("optional miss must not set the attribute")
	}
}

func TestRequiredPatternMissingFile(t *testing.T) {
	p := New("test")
	if err := p.AddPattern("cost", `cost: (\d+)`, "absent.log", Int, true, ""); err != nil {
		t.Fatal(err)
	}
	properties := props.New()
	p.ParseDir(t.TempDir(), properties)
	if len(properties.UnexplainedErrors()) != 1 {
		t.Errorf("missing file for required pattern must record an error")
	}
}

func TestPatternFlags(t *testing.T) {
	dir := writeRunLog(t, "header\nCOST: 7\nfooter\n")

	p := New("test")
	if err := p.AddPattern("cost", `^cost: (\d+)$`, "", Int, true, "im"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddPattern("bad", `x(\d+)`, "", Int, false, "z"); err == nil {
		t.Error("unknown flag must be rejected")
	}
	if err := p.AddPattern("nogroup", `\d+`, "", Int, false, ""); err == nil {
		t.Error("pattern without capture group must be rejected")
	}

	properties := props.New()
	p.ParseDir(dir, properties)
	if properties["cost"] != 7 {
		t.Errorf("cost = %v, want 7", properties["cost"])
	}
}

func TestConversionFailure(t *testing.T) {
	dir := writeRunLog(t, "cost: notanumber\n")
	p := New("test")
	if err := p.AddPattern("cost", `cost: (\w+)`, "", Int, false, ""); err != nil {
		t.Fatal(err)
	}
	properties := props.New()
	p.ParseDir(dir, properties)
	if _, ok := properties["cost"]; ok {
		t.Error("failed conversion must not set the attribute")
	}
	if len(properties.UnexplainedErrors()) != 1 {
		t.Error("failed conversion must record an unexplained error")
	}
}

func TestFunctions(t *testing.T) {
	dir := writeRunLog(t, "memory: 100\nmemory: 300\nmemory: 200\n")

	p := New("test")
	p.AddFunction("", func(content string, properties props.Properties) {
		peak := 0
		for _, line := range strings.Split(content, "\n") {
			var v int
			if _, err := fmt.Sscanf(line, "memory: %d", &v); err == nil && v > peak {
				peak = v
			}
		}
		properties.Set("peak", peak)
	})

	properties := props.New()
	p.ParseDir(dir, properties)
	if properties["peak"] != 300 {
		t.Errorf("peak = %v, want 300", properties["peak"])
	}
}

package props

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	p := New()
	p.Set("algorithm", "astar")
	p.Set("cost", 42)
	p.Set("coverage", 1)
	if err := p.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded["algorithm"] != "astar" {
		t.Errorf("algorithm = %v, want astar", loaded["algorithm"])
	}
	// JSON numbers decode as float64.
	if loaded["cost"] != float64(42) {
		t.Errorf("cost = %v, want 42", loaded["cost"])
	}
}

func TestLoadGzipFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	p := New()
	p.Set("task", "gripper-01")
	if err := p.WriteGzip(path + ".gz"); err != nil {
		t.Fatalf("WriteGzip failed: %v", err)
	}

	// Load is given the plain path but only the .gz variant exists.
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded["task"] != "gripper-01" {
		t.Errorf("task = %v, want gripper-01", loaded["task"])
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMarshalSortsKeys(t *testing.T) {
	p := New()
	p.Set("zebra", 1)
	p.Set("apple", 2)
	p.Set("mango", 3)
	data, err := p.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	apple := bytes.Index(data, []byte("apple"))
	mango := bytes.Index(data, []byte("mango"))
	zebra := bytes.Index(data, []byte("zebra"))
	if !(apple < mango && mango < zebra) {
		t.Errorf("keys not sorted: apple=%d mango=%d zebra=%d", apple, mango, zebra)
	}
}

func TestAddUnexplainedError(t *testing.T) {
	p := New()
	p.AddUnexplainedError("missing output")
	p.AddUnexplainedError("missing output")
	p.AddUnexplainedError("bad exit code")
	got := p.UnexplainedErrors()
	if len(got) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(got), got)
	}
	if got[0] != "missing output" || got[1] != "bad exit code" {
		t.Errorf("unexpected errors: %v", got)
	}
}

func TestAddUnexplainedErrorAfterLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)
	p := New()
	p.AddUnexplainedError("first")
	if err := p.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// After a JSON round trip the list is []any, not []string.
	loaded.AddUnexplainedError("second")
	got := loaded.UnexplainedErrors()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("unexpected errors: %v", got)
	}
}

func TestUpdate(t *testing.T) {
	p := New()
	p.Set("a", 1)
	p.Set("b", 1)
	other := New()
	other.Set("b", 2)
	other.Set("c", 3)
	p.Update(other)
	if p["a"] != 1 || p["b"] != 2 || p["c"] != 3 {
		t.Errorf("unexpected merge result: %v", map[string]any(p))
	}
}

func TestWriteCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", Filename)
	p := New()
	p.Set("x", 1)
	if err := p.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}
}

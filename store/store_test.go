package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "executions.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenDriverSelection(t *testing.T) {
	s, err := Open("", filepath.Join(t.TempDir(), "executions.db"))
	if err != nil {
		t.Fatalf("empty driver must default to sqlite: %v", err)
	}
	s.Close()

	if _, err := Open("no-such-driver", filepath.Join(t.TempDir(), "x.db")); err == nil {
		t.Fatal("unknown driver must fail")
	}
}

func TestAddAndListExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []ExecutionRecord{
		{RunID: "astar-gripper", Command: "run", Status: StatusSuccess, WallTimeMS: 1200, StartedAt: 100, FinishedAt: 101},
		{RunID: "astar-gripper", Command: "validate", Status: StatusSuccess, WallTimeMS: 50, StartedAt: 102, FinishedAt: 102},
		{RunID: "astar-blocks", Command: "run", Status: StatusTimeLimit, ExitCode: -1, StartedAt: 100, FinishedAt: 130},
	}
	for _, r := range records {
		if err := s.AddExecution(ctx, r); err != nil {
			t.Fatalf("AddExecution failed: %v", err)
		}
	}

	got, err := s.ListExecutions(ctx, "astar-gripper")
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Command != "run" || got[1].Command != "validate" {
		t.Errorf("records not ordered by start time: %v", got)
	}
	if got[0].ID == "" {
		t.Error("missing ID was not generated")
	}

	all, err := s.ListExecutions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("got %d records, want 3", len(all))
	}
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, status := range []string{StatusSuccess, StatusSuccess, StatusTimeLimit} {
		err := s.AddExecution(ctx, ExecutionRecord{RunID: "r", Command: "run", Status: status})
		if err != nil {
			t.Fatal(err)
		}
	}
	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusSuccess] != 2 || counts[StatusTimeLimit] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCloseTwice(t *testing.T) {
	s, err := Open("sqlite", filepath.Join(t.TempDir(), "executions.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err == nil {
		t.Error("second Close must fail")
	}
}

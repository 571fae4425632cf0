package environment

import (
	"context"
	"log"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/expkit/expkit/store"
)

// Local runs up to Processes runs concurrently on the current machine, each
// as a subprocess executing its materialized run script.
type Local struct {
	// Processes bounds the worker pool. Zero selects runtime.NumCPU().
	Processes int
	// RandomizeOrder shuffles the dispatch order to avoid systematic bias
	// when runs are sorted by algorithm.
	RandomizeOrder bool
	// Seed makes the shuffle reproducible. Zero derives one from the clock.
	Seed int64
	// Store, when non-nil, receives one execution record per dispatched run.
	Store *store.Store
}

// NewLocal returns a local environment with randomized dispatch order.
func NewLocal(processes int) *Local {
	return &Local{Processes: processes, RandomizeOrder: true}
}

func (l *Local) processes() int {
	if l.Processes > 0 {
		return l.Processes
	}
	return runtime.NumCPU()
}

// WriteMainScript stores the dispatch order for the batch.
func (l *Local) WriteMainScript(b *Batch) error {
	seed := l.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return writeDispatchOrder(b, l.RandomizeOrder, seed)
}

// StartRuns executes all not-yet-started runs through a bounded worker pool.
// A failing run never aborts its siblings.
func (l *Local) StartRuns(b *Batch) error {
	order, err := readDispatchOrder(b)
	if err != nil {
		return err
	}

	var pending []string
	for _, dir := range order {
		if started(b, dir) {
			log.Printf("Skipping %s: already started", dir)
			continue
		}
		pending = append(pending, dir)
	}
	log.Printf("Starting %d of %d runs with %d processes",
		len(pending), len(order), l.processes())

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < l.processes(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range jobs {
				l.runOne(b, dir)
			}
		}()
	}
	for _, dir := range pending {
		jobs <- dir
	}
	close(jobs)
	wg.Wait()
	return nil
}

func (l *Local) runOne(b *Batch, runDir string) {
	absDir := filepath.Join(b.Path, runDir)
	cmd := exec.Command("./run")
	cmd.Dir = absDir

	startedAt := time.Now()
	err := cmd.Run()
	finishedAt := time.Now()

	status := store.StatusSuccess
	exitCode := 0
	if err != nil {
		status = store.StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		log.Printf("Run %s failed: %v", runDir, err)
	}

	if l.Store != nil {
		rec := store.ExecutionRecord{
			RunID:      filepath.Base(runDir),
			Command:    "run",
			Status:     status,
			ExitCode:   exitCode,
			WallTimeMS: finishedAt.Sub(startedAt).Milliseconds(),
			StartedAt:  startedAt.Unix(),
			FinishedAt: finishedAt.Unix(),
		}
		if err := l.Store.AddExecution(context.Background(), rec); err != nil {
			log.Printf("Error recording execution for %s: %v", runDir, err)
		}
	}
}

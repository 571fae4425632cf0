package environment

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"
)

// JobScriptName is the rendered sbatch script inside the experiment dir.
const JobScriptName = "slurm-array-job.sh"

var submittedJobRegexp = regexp.MustCompile(`Submitted batch job (\d+)`)

// Slurm submits the batch as a single array job. It performs no execution
// itself: concurrency is delegated entirely to the scheduler. When the run
// count exceeds MaxTasks, consecutive runs are grouped into one array task
// and executed sequentially inside it; a failing run in a group never
// prevents the following runs of the same group from being attempted.
type Slurm struct {
	// Partition and QOS must be valid names for the target cluster.
	Partition string
	QOS       string
	// TimeLimitPerTask is the wall-clock limit of one array task, in Slurm
	// time syntax ("24:00:00"). "0" means no limit.
	TimeLimitPerTask string
	// MemoryPerCPU is the allocation per core, e.g. "3872M".
	MemoryPerCPU string
	// CPUsPerTask is the number of cores per array task (default 1).
	CPUsPerTask int
	// Nice lowers the job priority by the given offset.
	Nice int
	// Email receives a mail when the job ends or fails. Empty disables mail.
	Email string
	// ExtraOptions is a free-form block of additional #SBATCH directives.
	ExtraOptions string
	// Setup is a block of shell commands run before the first run of each
	// array task (e.g. module loads).
	Setup string
	// Export lists environment variables forwarded to the compute nodes.
	Export []string
	// MaxTasks is the scheduler's array-size cap (MaxArraySize - 1 in
	// slurm.conf). Required.
	MaxTasks int
	// SubmitCommand overrides "sbatch"; used in tests.
	SubmitCommand string
	// RandomizeOrder shuffles the dispatch order, as for Local.
	RandomizeOrder bool
	Seed           int64
}

const jobTemplate = `#!/bin/bash -l
### Generated array job. One array task executes {{.RunsPerTask}} run(s).
#SBATCH --job-name={{.JobName}}
#SBATCH --output={{.LogFile}}
#SBATCH --error={{.ErrFile}}
#SBATCH --partition={{.Partition}}
#SBATCH --qos={{.QOS}}
#SBATCH --time={{.TimeLimit}}
#SBATCH --mem-per-cpu={{.MemoryPerCPU}}
#SBATCH --cpus-per-task={{.CPUsPerTask}}
#SBATCH --array=1-{{.NumTasks}}
#SBATCH --nice={{.Nice}}
#SBATCH --mail-type={{.MailType}}
#SBATCH --mail-user={{.MailUser}}
{{.ExtraOptions}}

{{.Setup}}
# sbatch spools this script, so the experiment path is embedded verbatim.
cd {{.ExpPath}}
RUNS_PER_TASK={{.RunsPerTask}}
NUM_RUNS={{.NumRuns}}
START=$(( (SLURM_ARRAY_TASK_ID - 1) * RUNS_PER_TASK + 1 ))
END=$(( SLURM_ARRAY_TASK_ID * RUNS_PER_TASK ))
if [ "$END" -gt "$NUM_RUNS" ]; then END="$NUM_RUNS"; fi
for i in $(seq "$START" "$END"); do
    dir=$(sed -n "${i}p" {{.DispatchOrder}})
    if [ -z "$dir" ]; then
        continue
    fi
    if [ -f "$dir/{{.DriverLog}}" ]; then
        echo "Skipping $dir: already started"
        continue
    fi
    "$dir/run" || echo "Run $dir failed" >&2
done
`

type jobParams struct {
	JobName       string
	LogFile       string
	ErrFile       string
	Partition     string
	QOS           string
	TimeLimit     string
	MemoryPerCPU  string
	CPUsPerTask   int
	NumTasks      int
	Nice          int
	MailType      string
	MailUser      string
	ExtraOptions  string
	Setup         string
	RunsPerTask   int
	NumRuns       int
	ExpPath       string
	DispatchOrder string
	DriverLog     string
}

// RunsPerTask returns how many consecutive runs are grouped into one array
// task for a batch of n runs.
func (s *Slurm) RunsPerTask(n int) int {
	if s.MaxTasks <= 0 || n <= s.MaxTasks {
		return 1
	}
	return (n + s.MaxTasks - 1) / s.MaxTasks
}

// NumTasks returns the array size for a batch of n runs.
func (s *Slurm) NumTasks(n int) int {
	per := s.RunsPerTask(n)
	return (n + per - 1) / per
}

// WriteMainScript renders the sbatch script and the dispatch order.
func (s *Slurm) WriteMainScript(b *Batch) error {
	if s.MaxTasks <= 0 {
		return fmt.Errorf("slurm environment needs MaxTasks > 0")
	}
	seed := s.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if err := writeDispatchOrder(b, s.RandomizeOrder, seed); err != nil {
		return err
	}

	script, err := s.RenderJobScript(b)
	if err != nil {
		return err
	}
	path := filepath.Join(b.Path, JobScriptName)
	return os.WriteFile(path, []byte(script), 0o755)
}

// RenderJobScript produces the sbatch script text for the batch.
func (s *Slurm) RenderJobScript(b *Batch) (string, error) {
	n := len(b.RunDirs)
	cpus := s.CPUsPerTask
	if cpus <= 0 {
		cpus = 1
	}
	timeLimit := s.TimeLimitPerTask
	if timeLimit == "" {
		timeLimit = "0"
	}
	mailType := "NONE"
	if s.Email != "" {
		mailType = "END,FAIL,REQUEUE,STAGE_OUT"
	}
	extra := s.ExtraOptions
	if extra == "" {
		extra = "## (no extra options)"
	}
	params := jobParams{
		JobName:       jobName(b.Name),
		LogFile:       "slurm.log",
		ErrFile:       "slurm.err",
		Partition:     s.Partition,
		QOS:           s.QOS,
		TimeLimit:     timeLimit,
		MemoryPerCPU:  s.MemoryPerCPU,
		CPUsPerTask:   cpus,
		NumTasks:      s.NumTasks(n),
		Nice:          s.Nice,
		MailType:      mailType,
		MailUser:      s.Email,
		ExtraOptions:  extra,
		Setup:         s.Setup,
		RunsPerTask:   s.RunsPerTask(n),
		NumRuns:       n,
		ExpPath:       fmt.Sprintf("%q", b.Path),
		DispatchOrder: DispatchOrderFile,
		DriverLog:     DriverLogName,
	}
	tmpl := template.Must(template.New("job").Parse(jobTemplate))
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// StartRuns submits the rendered job script. Submission failure aborts the
// pipeline since later steps depend on dispatched jobs finishing.
func (s *Slurm) StartRuns(b *Batch) error {
	if os.Getenv("SLURM_JOB_ID") != "" {
		// We are already inside a batch job: the scheduler is executing the
		// runs, so resubmitting would duplicate work.
		log.Println("Running inside a Slurm job; not resubmitting")
		return nil
	}

	submitCmd := s.SubmitCommand
	if submitCmd == "" {
		submitCmd = "sbatch"
	}
	args := []string{}
	if len(s.Export) > 0 {
		args = append(args, "--export", strings.Join(s.Export, ","))
	}
	args = append(args, JobScriptName)

	cmd := exec.Command(submitCmd, args...)
	cmd.Dir = b.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("submitting job failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	m := submittedJobRegexp.FindSubmatch(out)
	if m == nil {
		return fmt.Errorf("unexpected output from %s: %q", submitCmd, strings.TrimSpace(string(out)))
	}
	log.Printf("Submitted batch job %s (%d runs in %d tasks)",
		m[1], len(b.RunDirs), s.NumTasks(len(b.RunDirs)))
	return nil
}

// jobName derives a Slurm-safe job name from the experiment name. Names
// starting with a digit get a letter prefix.
func jobName(expName string) string {
	if expName == "" {
		return "expkit"
	}
	if expName[0] >= '0' && expName[0] <= '9' {
		return "j" + expName
	}
	return expName
}

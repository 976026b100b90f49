package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"renderq/internal/domain"
	"renderq/internal/format"
	"renderq/internal/seed"
)

// TaskState is the display state of a task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskStopped    TaskState = "stopped"
	TaskFailed     TaskState = "failed"
)

// Task is one user-level request split into sequential jobs.
type Task struct {
	ID string
	// Template is never modified after creation; jobs receive copies.
	Template      domain.RenderRequest
	TotalOutputs  int
	OutputsPerJob int
	Seeds         seed.Plan
	Format        format.Format
	Origin        string

	Jobs          []*Job
	JobsCompleted int
	Processing    bool
	Log           []string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	seq            uint64
	ended          bool
	state          TaskState
	percent        int
	lastTotalSteps int
	lastStepTime   time.Duration
	progress       Progress
}

// JobCount is the number of batches needed to cover TotalOutputs.
func (t *Task) JobCount() int {
	if t.OutputsPerJob <= 0 {
		return 0
	}
	return (t.TotalOutputs + t.OutputsPerJob - 1) / t.OutputsPerJob
}

func (t *Task) activeJob() *Job {
	if n := len(t.Jobs); n > 0 && t.Jobs[n-1].Status.Active() {
		return t.Jobs[n-1]
	}
	return nil
}

// admissible reports whether the task's next job may be submitted.
func (t *Task) admissible() bool {
	return !t.ended && len(t.Jobs) < t.JobCount() && t.activeJob() == nil
}

// fullyDone reports whether every batch succeeded and nothing is pending.
func (t *Task) fullyDone() bool {
	return t.JobsCompleted == t.JobCount() && t.activeJob() == nil
}

// outputsFor returns how many images job i requests; the last batch only
// asks for what is left instead of a full batch.
func (t *Task) outputsFor(i int) int {
	left := t.TotalOutputs - i*t.OutputsPerJob
	return max(1, min(t.OutputsPerJob, left))
}

// State derives the display state.
func (t *Task) State() TaskState {
	switch {
	case t.ended:
		return t.state
	case len(t.Jobs) == 0:
		return TaskQueued
	default:
		return TaskProcessing
	}
}

func (t *Task) end(state TaskState, now time.Time) {
	if t.ended {
		return
	}
	t.ended = true
	t.state = state
	t.Processing = false
	t.FinishedAt = now
}

func (t *Task) appendLog(line string) {
	if line = strings.TrimSpace(line); line != "" {
		t.Log = append(t.Log, line)
	}
}

// Summary is the closing line shown for an ended task.
func (t *Task) Summary() string {
	if !t.ended || t.StartedAt.IsZero() {
		return ""
	}
	elapsed := formatElapsed(t.FinishedAt.Sub(t.StartedAt))
	if t.state == TaskCompleted {
		return fmt.Sprintf("Processed %d images in %s", t.TotalOutputs, elapsed)
	}
	return "Task ended after " + elapsed
}

// ConfigLine describes the parameters a task renders with.
func (t *Task) ConfigLine() string {
	r := t.Template
	parts := []string{
		"Seed: " + strconv.FormatInt(t.Seeds.Base, 10),
		"Sampler: " + r.Sampler,
		"Inference Steps: " + strconv.Itoa(r.NumInferenceSteps),
		"Guidance Scale: " + strconv.FormatFloat(r.GuidanceScale, 'f', -1, 64),
		"Model: " + r.Model,
	}
	if r.NegativePrompt != "" {
		parts = append(parts, "Negative Prompt: "+r.NegativePrompt)
	}
	if r.InitImage != "" {
		parts = append(parts, "Prompt Strength: "+strconv.FormatFloat(r.PromptStrength, 'f', -1, 64))
	}
	if r.UseFaceCorrection != "" {
		parts = append(parts, "Fix Faces: "+r.UseFaceCorrection)
	}
	if r.UseUpscale != "" {
		parts = append(parts, "Upscale: "+r.UseUpscale)
	}
	return strings.Join(parts, ", ")
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := d.Round(time.Millisecond).Seconds()
	return strconv.FormatFloat(secs, 'f', -1, 64) + " seconds"
}

// TaskSnapshot is a read-only copy of a task for presentation.
type TaskSnapshot struct {
	ID            string        `json:"id"`
	Prompt        string        `json:"prompt"`
	Origin        string        `json:"origin,omitempty"`
	State         TaskState     `json:"state"`
	Processing    bool          `json:"processing"`
	JobCount      int           `json:"job_count"`
	JobsCompleted int           `json:"jobs_completed"`
	TotalOutputs  int           `json:"total_outputs"`
	OutputsPerJob int           `json:"outputs_per_job"`
	Seed          int64         `json:"seed"`
	RandomSeed    bool          `json:"random_seed"`
	OutputFormat  string        `json:"output_format"`
	Progress      Progress      `json:"progress"`
	Config        string        `json:"config"`
	Summary       string        `json:"summary,omitempty"`
	Log           []string      `json:"log,omitempty"`
	Jobs          []JobSnapshot `json:"jobs"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

func (t *Task) snapshot() TaskSnapshot {
	s := TaskSnapshot{
		ID:            t.ID,
		Prompt:        t.Template.Prompt,
		Origin:        t.Origin,
		State:         t.State(),
		Processing:    t.Processing,
		JobCount:      t.JobCount(),
		JobsCompleted: t.JobsCompleted,
		TotalOutputs:  t.TotalOutputs,
		OutputsPerJob: t.OutputsPerJob,
		Seed:          t.Seeds.Base,
		RandomSeed:    t.Seeds.Random,
		OutputFormat:  t.Template.OutputFormat,
		Progress:      t.progress,
		Config:        t.ConfigLine(),
		Summary:       t.Summary(),
		Log:           append([]string(nil), t.Log...),
		Jobs:          make([]JobSnapshot, 0, len(t.Jobs)),
		CreatedAt:     t.CreatedAt,
	}
	for _, j := range t.Jobs {
		s.Jobs = append(s.Jobs, j.snapshot())
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		s.StartedAt = &started
	}
	if !t.FinishedAt.IsZero() {
		finished := t.FinishedAt
		s.FinishedAt = &finished
	}
	return s
}

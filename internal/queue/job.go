package queue

import (
	"time"

	"renderq/internal/domain"
)

// Job is one remote rendering call covering a batch of outputs at a fixed
// seed. Its status only moves forward and freezes once terminal.
type Job struct {
	Index      int
	Status     domain.JobStatus
	Step       int
	TotalSteps int
	StepTime   time.Duration
	Request    domain.RenderRequest
	Result     *domain.RenderResult
	Err        error

	SubmittedAt time.Time
	FinishedAt  time.Time

	handle          Handle
	cancelRequested bool
}

// Transition describes the effect of one event on a job.
type Transition struct {
	From domain.JobStatus
	To   domain.JobStatus
	// Changed is set when the status moved.
	Changed bool
	// Progressed is set when a step update was applied.
	Progressed bool
	// Previews holds intermediate images carried by a step update.
	Previews []domain.OutputImage
	// Ignored is set for events that had no effect: late events after a
	// terminal state, backward moves and coalesced repeats.
	Ignored bool
}

// Terminal reports whether the transition entered a terminal state.
func (t Transition) Terminal() bool { return t.Changed && t.To.Terminal() }

func newJob(index int, req domain.RenderRequest, now time.Time) *Job {
	return &Job{
		Index:       index,
		Status:      domain.JobStatusPending,
		Request:     req,
		StepTime:    -1,
		SubmittedAt: now,
	}
}

// Advance applies ev to the job.
func (j *Job) Advance(ev domain.JobEvent) Transition {
	tr := Transition{From: j.Status, To: j.Status}
	if j.Status.Terminal() {
		tr.Ignored = true
		return tr
	}
	switch ev.Kind {
	case domain.EventStep:
		if ev.Step == nil {
			tr.Ignored = true
			return tr
		}
		if j.Status.Precedes(domain.JobStatusProcessing) {
			j.Status = domain.JobStatusProcessing
			tr.To = j.Status
			tr.Changed = true
		}
		if ev.Step.TotalSteps > 0 {
			j.TotalSteps = ev.Step.TotalSteps
		}
		if ev.Step.Step > j.Step {
			j.Step = ev.Step.Step
		}
		j.StepTime = ev.Step.StepTime
		tr.Progressed = true
		tr.Previews = ev.Step.Output
		return tr
	default:
		next := ev.Status
		if next == j.Status || !j.Status.Precedes(next) {
			tr.Ignored = true
			return tr
		}
		j.Status = next
		tr.To = next
		tr.Changed = true
		switch next {
		case domain.JobStatusCompleted:
			j.Result = ev.Result
			if j.TotalSteps > 0 {
				j.Step = j.TotalSteps
			}
		case domain.JobStatusFailed:
			j.Err = ev.Err
			if j.Err == nil {
				j.Err = domain.NewComputeError("")
			}
		}
		if next.Terminal() {
			j.FinishedAt = ev.At
			if j.FinishedAt.IsZero() {
				j.FinishedAt = time.Now()
			}
		}
		return tr
	}
}

// JobSnapshot is a read-only view of a job.
type JobSnapshot struct {
	Index      int                  `json:"index"`
	Status     domain.JobStatus     `json:"status"`
	Step       int                  `json:"step"`
	TotalSteps int                  `json:"total_steps"`
	Seed       int64                `json:"seed"`
	NumOutputs int                  `json:"num_outputs"`
	Images     []domain.OutputImage `json:"images,omitempty"`
	Error      string               `json:"error,omitempty"`
}

func (j *Job) snapshot() JobSnapshot {
	s := JobSnapshot{
		Index:      j.Index,
		Status:     j.Status,
		Step:       j.Step,
		TotalSteps: j.TotalSteps,
		Seed:       j.Request.Seed,
		NumOutputs: j.Request.NumOutputs,
	}
	if j.Result != nil {
		s.Images = append([]domain.OutputImage(nil), j.Result.Output...)
	}
	if j.Err != nil {
		s.Error = domain.DescribeFailure(j.Err)
	}
	return s
}

package queue

import (
	"errors"
	"testing"
	"time"

	"renderq/internal/domain"
)

func TestJobAdvanceForwardOnly(t *testing.T) {
	j := newJob(0, domain.RenderRequest{}, time.Now())

	if tr := j.Advance(domain.StatusEvent(domain.JobStatusWaiting)); !tr.Changed || tr.To != domain.JobStatusWaiting {
		t.Fatalf("waiting transition = %+v", tr)
	}
	if tr := j.Advance(domain.StatusEvent(domain.JobStatusWaiting)); !tr.Ignored {
		t.Fatalf("repeated status should be coalesced, got %+v", tr)
	}
	if tr := j.Advance(domain.StatusEvent(domain.JobStatusPending)); !tr.Ignored || j.Status != domain.JobStatusWaiting {
		t.Fatalf("backward move applied: %+v status %s", tr, j.Status)
	}
}

func TestJobStepImpliesProcessing(t *testing.T) {
	j := newJob(0, domain.RenderRequest{}, time.Now())
	tr := j.Advance(domain.StepEvent(domain.StepUpdate{Step: 3, TotalSteps: 20, StepTime: time.Second}))
	if !tr.Changed || !tr.Progressed || j.Status != domain.JobStatusProcessing {
		t.Fatalf("step transition = %+v status %s", tr, j.Status)
	}
	if j.Step != 3 || j.TotalSteps != 20 || j.StepTime != time.Second {
		t.Fatalf("job progress = %d/%d %v", j.Step, j.TotalSteps, j.StepTime)
	}
	tr = j.Advance(domain.StepEvent(domain.StepUpdate{Step: 2, TotalSteps: 20, StepTime: time.Second}))
	if tr.Changed || j.Step != 3 {
		t.Fatalf("step went backwards: %+v step %d", tr, j.Step)
	}
}

func TestJobTerminalIsFrozen(t *testing.T) {
	j := newJob(0, domain.RenderRequest{}, time.Now())
	j.Advance(domain.StepEvent(domain.StepUpdate{Step: 9, TotalSteps: 10}))
	tr := j.Advance(domain.CompletedEvent(domain.RenderResult{Status: "succeeded", Output: []domain.OutputImage{{Path: "/image/tmp/1/0"}}}))
	if !tr.Terminal() || j.Step != 10 || j.Result == nil {
		t.Fatalf("completion = %+v step %d", tr, j.Step)
	}
	for _, ev := range []domain.JobEvent{
		domain.StepEvent(domain.StepUpdate{Step: 1, TotalSteps: 10}),
		domain.FailedEvent(errors.New("late")),
		domain.StoppedEvent(),
	} {
		if tr := j.Advance(ev); !tr.Ignored {
			t.Fatalf("event after terminal applied: %+v", tr)
		}
	}
	if j.Status != domain.JobStatusCompleted || j.Err != nil {
		t.Fatalf("terminal job mutated: %s %v", j.Status, j.Err)
	}
}

func TestJobFailureKeepsError(t *testing.T) {
	j := newJob(0, domain.RenderRequest{}, time.Now())
	j.Advance(domain.FailedEvent(nil))
	var compute *domain.ComputeError
	if !errors.As(j.Err, &compute) {
		t.Fatalf("err = %v, want ComputeError", j.Err)
	}
}

func TestJobCountAndOutputs(t *testing.T) {
	task := &Task{TotalOutputs: 5, OutputsPerJob: 2}
	if got := task.JobCount(); got != 3 {
		t.Fatalf("JobCount = %d, want 3", got)
	}
	if got := task.outputsFor(2); got != 1 {
		t.Fatalf("last batch outputs = %d, want 1", got)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := map[time.Duration]string{
		0:                           "0 seconds",
		time.Second:                 "1 seconds",
		65 * time.Second:            "65 seconds",
		1500 * time.Millisecond:     "1.5 seconds",
		12345678 * time.Microsecond: "12.346 seconds",
	}
	for d, want := range tests {
		if got := formatElapsed(d); got != want {
			t.Fatalf("formatElapsed(%v) = %q, want %q", d, got, want)
		}
	}
}

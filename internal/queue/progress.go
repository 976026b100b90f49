package queue

import (
	"math"
	"time"
)

// Progress is the aggregate progress of one task across its jobs.
type Progress struct {
	CompletedSteps int `json:"completed_steps"`
	TotalSteps     int `json:"total_steps"`
	Percent        int `json:"percent"`
	// Remaining is only meaningful when HasEstimate is set.
	Remaining   time.Duration `json:"remaining_ns"`
	HasEstimate bool          `json:"has_estimate"`
}

// measure sums steps over the task's jobs. Finished jobs count in full, the
// active job counts up to its current step and jobs that have not reported a
// size yet are estimated with the size of the streaming job.
func (t *Task) measure() (completed, total int) {
	estimate := t.stepEstimate()
	unknown := t.JobCount() - len(t.Jobs)
	for _, j := range t.Jobs {
		if j.TotalSteps <= 0 {
			if j.Status.Terminal() && j.Result != nil {
				completed += estimate
				total += estimate
				continue
			}
			unknown++
			continue
		}
		total += j.TotalSteps
		if j.Status.Terminal() && j.Result != nil {
			completed += j.TotalSteps
			continue
		}
		completed += min(j.Step, j.TotalSteps)
	}
	total += unknown * estimate
	return completed, total
}

// stepEstimate is the best guess for the size of a job that has not
// reported one: the streaming job first, then the last size seen, then the
// requested step count.
func (t *Task) stepEstimate() int {
	for i := len(t.Jobs) - 1; i >= 0; i-- {
		j := t.Jobs[i]
		if j.Status.Active() && j.TotalSteps > 0 {
			return j.TotalSteps
		}
	}
	if t.lastTotalSteps > 0 {
		return t.lastTotalSteps
	}
	return max(1, t.Template.NumInferenceSteps)
}

// refreshProgress recomputes the aggregate and keeps the displayed percent
// from moving backwards.
func (t *Task) refreshProgress() Progress {
	completed, total := t.measure()
	p := Progress{CompletedSteps: completed, TotalSteps: total}
	if total > 0 {
		pct := int(math.Round(math.Min(100, 100*float64(completed)/float64(total))))
		if pct > t.percent {
			t.percent = pct
		}
	}
	if t.fullyDone() {
		t.percent = 100
	}
	p.Percent = t.percent
	if t.lastStepTime >= 0 && !t.fullyDone() {
		p.Remaining = time.Duration(max(0, total-completed)) * t.lastStepTime
		p.HasEstimate = true
	}
	t.progress = p
	return p
}

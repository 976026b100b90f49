package domain

import "time"

// JobStatus enumerates the lifecycle states of one remote rendering call.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusWaiting    JobStatus = "waiting"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusStopped    JobStatus = "stopped"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusStopped, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the job still occupies remote capacity.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusPending, JobStatusWaiting, JobStatusProcessing:
		return true
	default:
		return false
	}
}

// rank orders the non-terminal states; terminal states share the top rank.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusWaiting:
		return 1
	case JobStatusProcessing:
		return 2
	case JobStatusCompleted, JobStatusStopped, JobStatusFailed:
		return 3
	default:
		return -1
	}
}

// Precedes reports whether moving from s to next goes forward in the
// pending -> waiting -> processing -> terminal order.
func (s JobStatus) Precedes(next JobStatus) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// EventKind classifies transport events.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventStep   EventKind = "step"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
)

// StepUpdate is one streamed progress record.
type StepUpdate struct {
	Step       int
	TotalSteps int
	// StepTime is the duration of the most recent step; negative when the
	// service did not report one.
	StepTime time.Duration
	Output   []OutputImage
}

// OutputImage is one rendered image as returned by the service. Either Data
// (a data URL) or Path (a server-relative URL) is set. Seed is nil when the
// service did not report one.
type OutputImage struct {
	Data string `json:"data,omitempty"`
	Path string `json:"path,omitempty"`
	Seed *int64 `json:"seed,omitempty"`
}

// SeedOr returns the reported seed, or fallback when there is none.
func (o OutputImage) SeedOr(fallback int64) int64 {
	if o.Seed == nil {
		return fallback
	}
	return *o.Seed
}

// RenderResult is the final payload of a successful job.
type RenderResult struct {
	Status string        `json:"status"`
	Output []OutputImage `json:"output"`
}

// JobEvent is emitted by a transport for one submitted job. Status events
// carry only Status; step events carry Step; the single terminal event
// carries Status plus Result (completed) or Err (failed).
type JobEvent struct {
	Kind   EventKind
	Status JobStatus
	Step   *StepUpdate
	Result *RenderResult
	Err    error
	At     time.Time
}

// StatusEvent builds a non-terminal status event.
func StatusEvent(status JobStatus) JobEvent {
	return JobEvent{Kind: EventStatus, Status: status, At: time.Now()}
}

// StepEvent builds a progress event.
func StepEvent(update StepUpdate) JobEvent {
	return JobEvent{Kind: EventStep, Status: JobStatusProcessing, Step: &update, At: time.Now()}
}

// CompletedEvent builds the terminal success event.
func CompletedEvent(result RenderResult) JobEvent {
	return JobEvent{Kind: EventResult, Status: JobStatusCompleted, Result: &result, At: time.Now()}
}

// FailedEvent builds the terminal failure event.
func FailedEvent(err error) JobEvent {
	return JobEvent{Kind: EventError, Status: JobStatusFailed, Err: err, At: time.Now()}
}

// StoppedEvent builds the terminal cancellation event.
func StoppedEvent() JobEvent {
	return JobEvent{Kind: EventStatus, Status: JobStatusStopped, At: time.Now()}
}

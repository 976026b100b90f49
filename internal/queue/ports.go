package queue

import (
	"context"
	"time"

	"renderq/internal/domain"
	"renderq/internal/format"
)

// Transport carries jobs to the remote render service.
type Transport interface {
	// Capacity is the number of jobs the service runs at once.
	Capacity() int
	// Available reports whether the service answered its last health check.
	Available() bool
	// Submit starts one job. On success emit receives every progress event
	// and exactly one terminal event, possibly from another goroutine. When
	// Submit returns an error emit is never called.
	Submit(ctx context.Context, req domain.RenderRequest, emit func(domain.JobEvent)) (Handle, error)
}

// Handle cancels one submitted job.
type Handle interface {
	Cancel(ctx context.Context) error
}

// Delivery is what the scheduler hands to the sink: intermediate previews,
// final images or a failure.
type Delivery struct {
	TaskID   string
	JobIndex int
	Request  domain.RenderRequest
	Format   format.Format
	Images   []domain.OutputImage
	Err      error
	Live     bool
}

// Sink receives results for presentation or storage. The scheduler never
// inspects image data itself.
type Sink interface {
	Display(ctx context.Context, d Delivery) error
}

// NotificationKind names a scheduler notification.
type NotificationKind string

const (
	NoteTaskCreated NotificationKind = "task_created"
	NoteJobStatus   NotificationKind = "job_status"
	NoteProgress    NotificationKind = "progress"
	NoteTaskEnded   NotificationKind = "task_ended"
	NoteTaskRemoved NotificationKind = "task_removed"
	NoteIdle        NotificationKind = "idle"
)

// Notification is published to observers after each state change.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	TaskID   string           `json:"task_id,omitempty"`
	Job      int              `json:"job"`
	Status   domain.JobStatus `json:"status,omitempty"`
	Progress *Progress        `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	Task     *TaskSnapshot    `json:"task,omitempty"`
	Seed     *int64           `json:"seed,omitempty"`
	At       time.Time        `json:"at"`
}

// Observer receives notifications. Notify runs outside the scheduler lock on
// the goroutine that caused the change, so it should return quickly.
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Notification)

func (f ObserverFunc) Notify(n Notification) { f(n) }

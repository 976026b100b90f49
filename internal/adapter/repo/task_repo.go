package repo

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"renderq/internal/infra"
	"renderq/internal/queue"
	"renderq/internal/sqlinline"
)

// TaskRecord is one row of persisted task history.
type TaskRecord struct {
	ID           string     `json:"id"`
	Prompt       string     `json:"prompt"`
	Origin       string     `json:"origin,omitempty"`
	State        string     `json:"state"`
	TotalOutputs int        `json:"total_outputs"`
	Seed         int64      `json:"seed"`
	Summary      string     `json:"summary,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TaskHistory records task creation and completion in PostgreSQL. It is a
// scheduler observer; writes happen on a background goroutine so Notify
// never blocks the scheduler.
type TaskHistory struct {
	exec      infra.SQLExecutor
	sessionID string
	logger    zerolog.Logger
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
	notes  chan queue.Notification
	done   chan struct{}
}

// NewTaskHistory starts the writer goroutine. Call Close to drain it.
func NewTaskHistory(exec infra.SQLExecutor, sessionID string, logger zerolog.Logger) *TaskHistory {
	h := &TaskHistory{
		exec:      exec,
		sessionID: sessionID,
		logger:    logger.With().Str("component", "task_history").Logger(),
		timeout:   5 * time.Second,
		notes:     make(chan queue.Notification, 256),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

// EnsureSchema creates the history table when missing.
func (h *TaskHistory) EnsureSchema(ctx context.Context) error {
	_, err := h.exec.Exec(ctx, sqlinline.QEnsureTaskHistory)
	return err
}

// Notify implements queue.Observer.
func (h *TaskHistory) Notify(n queue.Notification) {
	if n.Task == nil || (n.Kind != queue.NoteTaskCreated && n.Kind != queue.NoteTaskEnded) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.notes <- n:
	default:
		h.logger.Warn().Str("task_id", n.TaskID).Str("kind", string(n.Kind)).Msg("task history: buffer full, dropping")
	}
}

// Close stops accepting notifications and waits for pending writes.
func (h *TaskHistory) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.notes)
	}
	h.mu.Unlock()
	<-h.done
}

func (h *TaskHistory) run() {
	defer close(h.done)
	for n := range h.notes {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		if err := h.record(ctx, n); err != nil {
			h.logger.Error().Err(err).Str("task_id", n.TaskID).Str("kind", string(n.Kind)).Msg("task history: write failed")
		}
		cancel()
	}
}

func (h *TaskHistory) record(ctx context.Context, n queue.Notification) error {
	t := n.Task
	switch n.Kind {
	case queue.NoteTaskCreated:
		_, err := h.exec.Exec(ctx, sqlinline.QInsertTask,
			t.ID,
			h.sessionID,
			t.Prompt,
			t.Origin,
			string(t.State),
			t.TotalOutputs,
			t.OutputsPerJob,
			t.Seed,
			t.RandomSeed,
			t.OutputFormat,
			t.Config,
			t.CreatedAt,
		)
		return err
	case queue.NoteTaskEnded:
		finished := n.At
		if t.FinishedAt != nil {
			finished = *t.FinishedAt
		}
		tag, err := h.exec.Exec(ctx, sqlinline.QFinishTask, t.ID, string(t.State), t.Summary, finished)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			h.logger.Debug().Str("task_id", t.ID).Msg("task history: finished task was never recorded")
		}
		return nil
	}
	return nil
}

// Recent returns up to limit tasks, newest first.
func (h *TaskHistory) Recent(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.exec.Query(ctx, sqlinline.QListRecentTasks, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Prompt,
			&rec.Origin,
			&rec.State,
			&rec.TotalOutputs,
			&rec.Seed,
			&rec.Summary,
			&rec.CreatedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ queue.Observer = (*TaskHistory)(nil)

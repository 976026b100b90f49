// Package handlers implements the render queue HTTP API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"renderq/internal/adapter/repo"
	"renderq/internal/domain"
	"renderq/internal/events"
	"renderq/internal/format"
	"renderq/internal/queue"
	"renderq/internal/transport/sdhttp"
)

// Scheduler is the queue surface the API drives.
type Scheduler interface {
	CreateTasks(ctx context.Context, spec queue.TaskSpec) (queue.CreateResult, error)
	CreateVariation(ctx context.Context, taskID string, v queue.VariationSpec) (queue.TaskSnapshot, error)
	Abort(id string) error
	Remove(id string) error
	StopAll()
	SetOrder(o queue.Order)
	Order() queue.Order
	Tasks() []queue.TaskSnapshot
	Task(id string) (queue.TaskSnapshot, error)
	Stats() queue.Stats
	LastSeed() (int64, bool)
	SessionID() string
}

// Server reports render server health and stops its work.
type Server interface {
	Status() sdhttp.Status
	StopAll(ctx context.Context) error
}

type EventSource interface {
	Since(seq int64) []events.Event
	Wait(ctx context.Context, seq int64) []events.Event
}

type ImageStore interface {
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

type History interface {
	Recent(ctx context.Context, limit int) ([]repo.TaskRecord, error)
}

// App carries the collaborators shared by every handler. Images and
// History are optional.
type App struct {
	Scheduler Scheduler
	Server    Server
	Events    EventSource
	Images    ImageStore
	History   History
	Formats   *format.Registry
	Logger    zerolog.Logger

	// RandomSeed is used when a submission neither pins a seed nor says
	// whether it wants a random one.
	RandomSeed    bool
	DefaultFormat string
	LongPoll      time.Duration
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorBody{Error: errorDetail{Code: errCode, Message: message}})
}

// fail maps domain errors onto HTTP responses.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrTaskActive):
		a.error(w, http.StatusConflict, "task_active", err.Error())
	case errors.Is(err, domain.ErrServiceUnavailable):
		a.error(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	case errors.Is(err, domain.ErrUnknownFormat):
		a.error(w, http.StatusBadRequest, "unknown_format", err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.Canceled):
		a.error(w, http.StatusRequestTimeout, "cancelled", "request cancelled")
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *App) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

// Init images arrive as data URLs, so bodies can be large.
const maxBodyBytes = 32 << 20

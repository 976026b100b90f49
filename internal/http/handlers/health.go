package handlers

import (
	"net/http"

	"renderq/internal/queue"
	"renderq/internal/transport/sdhttp"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	SessionID string        `json:"session_id"`
	Server    sdhttp.Status `json:"server"`
	Queue     queue.Stats   `json:"queue"`
	LastSeed  *int64        `json:"last_seed,omitempty"`
	Formats   []string      `json:"formats,omitempty"`
}

// Status reports server health, queue counters and the last random seed.
func (a *App) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		SessionID: a.Scheduler.SessionID(),
		Queue:     a.Scheduler.Stats(),
	}
	if a.Server != nil {
		resp.Server = a.Server.Status()
	}
	if seed, ok := a.Scheduler.LastSeed(); ok {
		resp.LastSeed = &seed
	}
	if a.Formats != nil {
		resp.Formats = a.Formats.Names()
	}
	a.json(w, http.StatusOK, resp)
}

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"renderq/internal/events"
)

const defaultLongPoll = 25 * time.Second

type eventsResponse struct {
	Events []events.Event `json:"events"`
	Last   int64          `json:"last"`
}

// ListEvents returns notifications newer than ?since=N. With ?wait=true it
// blocks until something new arrives or the long-poll window closes.
func (a *App) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64
	if raw := q.Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			a.error(w, http.StatusBadRequest, "invalid_request", "since must be a non-negative integer")
			return
		}
		since = v
	}
	wait, _ := strconv.ParseBool(q.Get("wait"))

	var out []events.Event
	if wait {
		window := a.LongPoll
		if window <= 0 {
			window = defaultLongPoll
		}
		ctx, cancel := context.WithTimeout(r.Context(), window)
		out = a.Events.Wait(ctx, since)
		cancel()
	} else {
		out = a.Events.Since(since)
	}

	last := since
	if n := len(out); n > 0 {
		last = out[n-1].Seq
	}
	if out == nil {
		out = []events.Event{}
	}
	a.json(w, http.StatusOK, eventsResponse{Events: out, Last: last})
}

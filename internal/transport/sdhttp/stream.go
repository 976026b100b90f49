package sdhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"renderq/internal/domain"
)

// streamMessage covers both step updates and the final response.
type streamMessage struct {
	Step       *int                 `json:"step"`
	TotalSteps int                  `json:"total_steps"`
	StepTime   *float64             `json:"step_time"`
	Status     string               `json:"status"`
	Output     []domain.OutputImage `json:"output"`
	Detail     string               `json:"detail"`
}

// errNotStarted marks a 425 answer: the server has queued the job but not
// started it.
var errNotStarted = errors.New("sdhttp: task not started yet")

// streamState tracks progress across reopened streams of one job.
type streamState struct {
	lastStep int
	last     string
	advanced bool
}

// follow polls the job stream until a terminal event has been emitted. A
// stream that keeps closing without new steps or a final object fails the
// job once maxStale reopens in a row brought nothing new.
func (c *Client) follow(ctx context.Context, h *renderHandle, emit func(domain.JobEvent)) {
	emit(domain.StatusEvent(domain.JobStatusWaiting))
	logger := c.log.With().Str("task", h.task).Logger()
	st := &streamState{lastStep: -1}
	stale := 0
	finish := func(ev domain.JobEvent) {
		if h.cancelled.Load() && ev.Status != domain.JobStatusStopped {
			ev = domain.StoppedEvent()
		}
		logger.Debug().Str("status", string(ev.Status)).Msg("sdhttp: job finished")
		emit(ev)
	}
	for {
		st.advanced = false
		final, err := c.readOnce(ctx, h, st, emit)
		switch {
		case final != nil:
			finish(*final)
			return
		case errors.Is(err, errNotStarted):
		case err == nil:
			// the stream closed before the final object
			if st.advanced {
				stale = 0
				break
			}
			stale++
			if stale >= c.maxStale {
				logger.Warn().Int("reopens", stale).Int("step", st.lastStep).Msg("sdhttp: stream stalled")
				finish(domain.FailedEvent(&domain.TransportReadError{Err: io.ErrUnexpectedEOF, Buffered: st.last}))
				return
			}
		default:
			finish(domain.FailedEvent(err))
			return
		}
		select {
		case <-ctx.Done():
			finish(domain.FailedEvent(ctx.Err()))
			return
		case <-time.After(c.poll):
		}
	}
}

// readOnce opens the stream once and relays its messages. It returns the
// terminal event when the final object was read. Steps already relayed by an
// earlier stream are not emitted again.
func (c *Client) readOnce(ctx context.Context, h *renderHandle, st *streamState, emit func(domain.JobEvent)) (*domain.JobEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(h.stream), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooEarly:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, errNotStarted
	default:
		return nil, fmt.Errorf("sdhttp: stream http %d: %s", resp.StatusCode, readDetail(resp.Body))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, &domain.TransportReadError{Err: err, Buffered: c.buffered(dec)}
		}
		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &domain.TransportReadError{Err: err, Buffered: string(raw)}
		}
		st.last = string(raw)
		switch {
		case msg.Step != nil:
			if *msg.Step == st.lastStep {
				continue
			}
			st.lastStep = *msg.Step
			st.advanced = true
			emit(domain.StepEvent(stepUpdate(msg)))
		case msg.Status == "succeeded":
			ev := domain.CompletedEvent(domain.RenderResult{Status: msg.Status, Output: msg.Output})
			return &ev, nil
		case msg.Status == "failed":
			ev := domain.FailedEvent(domain.NewComputeError(msg.Detail))
			return &ev, nil
		default:
			return nil, &domain.TransportReadError{Err: errors.New("unexpected stream message"), Buffered: string(raw)}
		}
	}
}

func stepUpdate(msg streamMessage) domain.StepUpdate {
	u := domain.StepUpdate{Step: *msg.Step, TotalSteps: msg.TotalSteps, StepTime: -1, Output: msg.Output}
	if msg.StepTime != nil && *msg.StepTime >= 0 {
		u.StepTime = time.Duration(*msg.StepTime * float64(time.Second))
	}
	return u
}

func (c *Client) buffered(dec *json.Decoder) string {
	raw, _ := io.ReadAll(io.LimitReader(dec.Buffered(), int64(c.maxBuffered)))
	return string(raw)
}

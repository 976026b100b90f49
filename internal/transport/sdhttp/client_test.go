package sdhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"renderq/internal/domain"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})
}

type eventLog struct {
	ch chan domain.JobEvent
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan domain.JobEvent, 64)} }

func (l *eventLog) emit(ev domain.JobEvent) { l.ch <- ev }

// untilTerminal collects events up to and including the terminal one.
func (l *eventLog) untilTerminal(t *testing.T) []domain.JobEvent {
	t.Helper()
	var out []domain.JobEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			out = append(out, ev)
			if ev.Status.Terminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal event, got %d events", len(out))
		}
	}
}

func renderHandler(stream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.RenderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"Online","queue":0,"stream":%q,"task":7}`, stream)
	}
}

func TestPingRecordsState(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, `{"detail":"Render thread is dead."}`, http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"status":"Rendering","devices":{"cuda:0":"RTX 3060","cuda:1":"RTX 3090"}}`)
	})
	c := newTestClient(t, mux)
	if c.Available() {
		t.Fatal("client available before first ping")
	}
	st, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if st.State != StateBusy || !c.Available() || c.Capacity() != 2 {
		t.Fatalf("status = %+v available=%v capacity=%d", st, c.Available(), c.Capacity())
	}
	healthy.Store(false)
	st, err = c.Ping(context.Background())
	if err == nil || st.State != StateUnavailable || c.Available() || c.Capacity() != 0 {
		t.Fatalf("unhealthy ping = %+v err=%v", st, err)
	}
	if !strings.Contains(st.Detail, "Render thread is dead") {
		t.Fatalf("detail = %q", st.Detail)
	}
}

func TestSubmitFollowsStreamToCompletion(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/render", renderHandler("/image/stream/7"))
	mux.HandleFunc("/image/stream/7", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			http.Error(w, `{"detail":"Too Early"}`, http.StatusTooEarly)
		case 2:
			_, _ = io.WriteString(w, `{"step":0,"total_steps":2,"step_time":0.5}`)
		default:
			_, _ = io.WriteString(w, `{"step":1,"total_steps":2,"step_time":0.25,"output":[{"path":"/image/tmp/7/0"}]}`+
				`{"status":"succeeded","output":[{"data":"data:image/jpeg;base64,AA==","seed":42}]}`)
		}
	})
	c := newTestClient(t, mux)
	events := newEventLog()
	if _, err := c.Submit(context.Background(), domain.RenderRequest{Prompt: "x", Seed: 42}, events.emit); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	got := events.untilTerminal(t)
	if len(got) != 4 {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Status != domain.JobStatusWaiting {
		t.Fatalf("first event = %+v, want waiting", got[0])
	}
	if got[1].Kind != domain.EventStep || got[1].Step.StepTime != 500*time.Millisecond {
		t.Fatalf("step event = %+v", got[1].Step)
	}
	if len(got[2].Step.Output) != 1 || got[2].Step.Output[0].Path != "/image/tmp/7/0" {
		t.Fatalf("preview = %+v", got[2].Step)
	}
	final := got[3]
	if final.Status != domain.JobStatusCompleted || final.Result.Output[0].SeedOr(-1) != 42 {
		t.Fatalf("final = %+v", final)
	}
}

func TestStreamFailureDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/render", renderHandler("/image/stream/7"))
	mux.HandleFunc("/image/stream/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"failed","detail":"CUDA out of memory. Tried to allocate"}`)
	})
	c := newTestClient(t, mux)
	events := newEventLog()
	if _, err := c.Submit(context.Background(), domain.RenderRequest{}, events.emit); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	got := events.untilTerminal(t)
	last := got[len(got)-1]
	var compute *domain.ComputeError
	if last.Status != domain.JobStatusFailed || !errors.As(last.Err, &compute) || !compute.OutOfMemory {
		t.Fatalf("final = %+v", last)
	}
}

func TestMalformedStreamIsReadError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/render", renderHandler("/image/stream/7"))
	mux.HandleFunc("/image/stream/7", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"step":1,"total_steps":2}<html>oops</html>`)
	})
	c := newTestClient(t, mux)
	events := newEventLog()
	if _, err := c.Submit(context.Background(), domain.RenderRequest{}, events.emit); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	got := events.untilTerminal(t)
	last := got[len(got)-1]
	var readErr *domain.TransportReadError
	if last.Status != domain.JobStatusFailed || !errors.As(last.Err, &readErr) {
		t.Fatalf("final = %+v", last)
	}
}

func TestSubmitRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/render", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"pending task limit reached"}`, http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux)
	called := false
	_, err := c.Submit(context.Background(), domain.RenderRequest{}, func(domain.JobEvent) { called = true })
	if err == nil || !strings.Contains(err.Error(), "pending task limit") {
		t.Fatalf("err = %v", err)
	}
	if called {
		t.Fatal("emit called for a rejected submission")
	}
}

func TestCancelYieldsStopped(t *testing.T) {
	stopped := make(chan string, 1)
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/render", renderHandler("/image/stream/7"))
	mux.HandleFunc("/image/stop", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { stopped <- r.URL.Query().Get("task") })
		_, _ = io.WriteString(w, `["OK"]`)
	})
	mux.HandleFunc("/image/stream/7", func(w http.ResponseWriter, r *http.Request) {
		select {
		case task := <-stopped:
			stopped <- task
			_, _ = io.WriteString(w, `{"status":"failed","detail":"Task 7 stop requested."}`)
		default:
			_, _ = io.WriteString(w, `{"step":1,"total_steps":50}`)
		}
	})
	c := newTestClient(t, mux)
	events := newEventLog()
	h, err := c.Submit(context.Background(), domain.RenderRequest{}, events.emit)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := h.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if err := h.Cancel(context.Background()); err != nil {
		t.Fatalf("second Cancel error: %v", err)
	}
	got := events.untilTerminal(t)
	if last := got[len(got)-1]; last.Status != domain.JobStatusStopped {
		t.Fatalf("final = %+v, want stopped", last)
	}
	if task := <-stopped; task != "7" {
		t.Fatalf("stop task = %q", task)
	}
}

func TestFetchResolvesRelativePath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/image/tmp/7/0", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xff, 0xd8})
	})
	c := newTestClient(t, mux)
	data, err := c.Fetch(context.Background(), "/image/tmp/7/0")
	if err != nil || len(data) != 2 {
		t.Fatalf("Fetch = %v, %v", data, err)
	}
	if _, err := c.Fetch(context.Background(), "image/tmp/missing"); err == nil {
		t.Fatal("expected error for missing image")
	}
}

func TestStalledStreamFails(t *testing.T) {
	var opens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/render", renderHandler("/image/stream/7"))
	mux.HandleFunc("/image/stream/7", func(w http.ResponseWriter, r *http.Request) {
		opens.Add(1)
		_, _ = io.WriteString(w, `{"step":3,"total_steps":10,"step_time":0.1}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, PollInterval: time.Millisecond, MaxStaleReopens: 3})
	events := newEventLog()
	if _, err := c.Submit(context.Background(), domain.RenderRequest{}, events.emit); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	got := events.untilTerminal(t)
	steps := 0
	for _, ev := range got {
		if ev.Kind == domain.EventStep {
			steps++
		}
	}
	if steps != 1 {
		t.Fatalf("step events = %d, want 1: %+v", steps, got)
	}
	last := got[len(got)-1]
	var readErr *domain.TransportReadError
	if last.Status != domain.JobStatusFailed || !errors.As(last.Err, &readErr) {
		t.Fatalf("final = %+v", last)
	}
	if !errors.Is(last.Err, io.ErrUnexpectedEOF) || !strings.Contains(readErr.Buffered, `"step":3`) {
		t.Fatalf("read error = %v", readErr)
	}
	if n := opens.Load(); n != 4 {
		t.Fatalf("stream opened %d times, want 4", n)
	}
}

func TestStreamReopenResetsOnProgress(t *testing.T) {
	var opens atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/render", renderHandler("/image/stream/7"))
	mux.HandleFunc("/image/stream/7", func(w http.ResponseWriter, r *http.Request) {
		n := opens.Add(1)
		switch {
		case n <= 3:
			_, _ = io.WriteString(w, `{"step":0,"total_steps":2}`)
		case n <= 5:
			_, _ = io.WriteString(w, `{"step":1,"total_steps":2}`)
		default:
			_, _ = io.WriteString(w, `{"status":"succeeded","output":[{"data":"data:image/jpeg;base64,AA=="}]}`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, PollInterval: time.Millisecond, MaxStaleReopens: 3})
	events := newEventLog()
	if _, err := c.Submit(context.Background(), domain.RenderRequest{}, events.emit); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	got := events.untilTerminal(t)
	if last := got[len(got)-1]; last.Status != domain.JobStatusCompleted {
		t.Fatalf("final = %+v, want completed", last)
	}
}

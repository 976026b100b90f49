package sdhttp_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"renderq/internal/queue"
	"renderq/internal/transport/sdhttp"
)

// fakeServer renders every job in two steps and reports one device.
type fakeServer struct {
	mu      sync.Mutex
	next    int
	maxOpen int
	open    int
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"Online","devices":{"cuda:0":"gpu"}}`)
	})
	mux.HandleFunc("/render", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.next++
		id := s.next
		s.open++
		if s.open > s.maxOpen {
			s.maxOpen = s.open
		}
		s.mu.Unlock()
		fmt.Fprintf(w, `{"status":"Online","queue":0,"stream":"/image/stream/%d","task":%d}`, id, id)
	})
	mux.HandleFunc("/image/stream/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"step":0,"total_steps":2,"step_time":0.01}{"step":1,"total_steps":2,"step_time":0.01}`)
		s.mu.Lock()
		s.open--
		s.mu.Unlock()
		_, _ = io.WriteString(w, `{"status":"succeeded","output":[{"data":"data:image/jpeg;base64,AA==","seed":1}]}`)
	})
	return mux
}

func TestSchedulerOverHTTP(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	client := sdhttp.NewClient(sdhttp.Options{BaseURL: srv.URL, PollInterval: 5 * time.Millisecond})
	if _, err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	idle := make(chan struct{}, 1)
	sched := queue.New(client, queue.Options{Observers: []queue.Observer{queue.ObserverFunc(func(n queue.Notification) {
		if n.Kind == queue.NoteIdle {
			idle <- struct{}{}
		}
	})}})
	defer sched.Close()

	res, err := sched.CreateTasks(context.Background(), queue.TaskSpec{Text: "a {fox,owl}", TotalOutputs: 2, OutputsPerJob: 1})
	if err != nil {
		t.Fatalf("CreateTasks error: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(res.Tasks))
	}
	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never became idle")
	}
	for _, snap := range sched.Tasks() {
		if snap.State != queue.TaskCompleted || snap.JobsCompleted != 2 {
			t.Fatalf("task %q state %s completed %d log %v", snap.Prompt, snap.State, snap.JobsCompleted, snap.Log)
		}
		if !strings.HasPrefix(snap.Summary, "Processed 2 images") {
			t.Fatalf("summary = %q", snap.Summary)
		}
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.maxOpen > 1 || fs.next != 4 {
		t.Fatalf("server saw %d renders with %d concurrently", fs.next, fs.maxOpen)
	}
}

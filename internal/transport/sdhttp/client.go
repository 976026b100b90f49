// Package sdhttp talks to a Stable Diffusion render server over HTTP.
//
// A job is submitted with POST /render and then followed on its stream URL,
// which yields concatenated JSON objects: step updates while rendering and a
// final object carrying either the images or a failure detail. The stream
// answers 425 until the server starts the job and may close before the final
// object arrives, in which case it is reopened.
package sdhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"renderq/internal/domain"
	"renderq/internal/queue"
)

// ServerState is the coarse availability of the render server.
type ServerState string

const (
	StateOnline      ServerState = "Online"
	StateBusy        ServerState = "Busy"
	StateUnavailable ServerState = "Unavailable"
)

// Status is the result of the last health check.
type Status struct {
	State     ServerState       `json:"state"`
	Detail    string            `json:"detail,omitempty"`
	Devices   map[string]string `json:"devices,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
	// MaxBuffered caps the unread stream data attached to read errors.
	MaxBuffered int
	// MaxStaleReopens is how many stream reopens in a row may bring no new
	// step before the job fails.
	MaxStaleReopens int
	Logger          *zerolog.Logger
}

// Client implements queue.Transport against one render server.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	poll         time.Duration
	maxBuffered  int
	maxStale     int
	log          zerolog.Logger

	available atomic.Bool
	capacity  atomic.Int32

	mu     sync.RWMutex
	status Status
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = "http://localhost:9000"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	// streams stay open for the whole render; only the context bounds them
	stream := &http.Client{Transport: client.Transport, Jar: client.Jar, CheckRedirect: client.CheckRedirect}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	maxBuffered := opts.MaxBuffered
	if maxBuffered <= 0 {
		maxBuffered = 4096
	}
	maxStale := opts.MaxStaleReopens
	if maxStale <= 0 {
		maxStale = 5
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	c := &Client{
		httpClient:   client,
		streamClient: stream,
		baseURL:      base,
		poll:         poll,
		maxBuffered:  maxBuffered,
		maxStale:     maxStale,
		log:          logger.With().Str("component", "sdhttp").Logger(),
		status:       Status{State: StateUnavailable, Detail: "not checked yet"},
	}
	return c
}

// Capacity is the number of render devices reported by the last ping.
func (c *Client) Capacity() int { return int(c.capacity.Load()) }

// Available reports whether the last ping succeeded.
func (c *Client) Available() bool { return c.available.Load() }

// Status returns the last health check result.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

type pingResponse struct {
	Status  string            `json:"status"`
	Devices map[string]string `json:"devices"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// Ping checks the server and records its state and device count.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	st, err := c.ping(ctx)
	st.CheckedAt = time.Now()
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	c.available.Store(st.State != StateUnavailable)
	c.capacity.Store(int32(len(st.Devices)))
	return st, err
}

func (c *Client) ping(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return Status{State: StateUnavailable, Detail: err.Error()}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{State: StateUnavailable, Detail: err.Error()}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail := readDetail(resp.Body)
		err := fmt.Errorf("sdhttp: ping http %d: %s", resp.StatusCode, detail)
		return Status{State: StateUnavailable, Detail: detail}, err
	}
	var out pingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Status{State: StateUnavailable, Detail: err.Error()}, fmt.Errorf("sdhttp: decode ping: %w", err)
	}
	return Status{State: classify(out.Status), Detail: out.Status, Devices: out.Devices}, nil
}

func classify(raw string) ServerState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "online":
		return StateOnline
	case "rendering", "loadingmodel":
		return StateBusy
	default:
		return StateUnavailable
	}
}

// Monitor pings every interval until ctx is done and calls onChange when
// the state or the device count changes.
func (c *Client) Monitor(ctx context.Context, interval time.Duration, onChange func(Status)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	prev := c.Status()
	check := func() {
		st, err := c.Ping(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Debug().Err(err).Msg("sdhttp: ping failed")
		}
		if st.State != prev.State || len(st.Devices) != len(prev.Devices) {
			c.log.Info().Str("state", string(st.State)).Int("devices", len(st.Devices)).Msg("sdhttp: server status changed")
			if onChange != nil {
				onChange(st)
			}
		}
		prev = st
	}
	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

type renderResponse struct {
	Status string      `json:"status"`
	Queue  int         `json:"queue"`
	Stream string      `json:"stream"`
	Task   json.Number `json:"task"`
}

// Submit posts the request and follows its stream in the background.
func (c *Client) Submit(ctx context.Context, r domain.RenderRequest, emit func(domain.JobEvent)) (queue.Handle, error) {
	if emit == nil {
		return nil, errors.New("sdhttp: emit callback required")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return nil, fmt.Errorf("sdhttp: render queue full: %s", readDetail(resp.Body))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("sdhttp: render http %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sdhttp: decode render response: %w", err)
	}
	if out.Stream == "" {
		return nil, errors.New("sdhttp: render response without stream url")
	}
	h := &renderHandle{client: c, task: out.Task.String(), stream: out.Stream}
	c.log.Debug().Str("task", h.task).Int("queue", out.Queue).Msg("sdhttp: job queued")
	go c.follow(ctx, h, emit)
	return h, nil
}

// StopAll asks the server to stop whatever it is rendering.
func (c *Client) StopAll(ctx context.Context) error {
	return c.stop(ctx, "")
}

func (c *Client) stop(ctx context.Context, task string) error {
	endpoint := c.baseURL + "/image/stop"
	if task != "" {
		endpoint += "?task=" + url.QueryEscape(task)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 409 means the task is already stopped or nothing is running
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("sdhttp: stop http %d: %s", resp.StatusCode, readDetail(resp.Body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Fetch downloads a server-relative image path such as /image/tmp/1/0.
func (c *Client) Fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sdhttp: fetch %s http %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func readDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e errorResponse
	if json.Unmarshal(raw, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return strings.TrimSpace(string(raw))
}

type renderHandle struct {
	client    *Client
	task      string
	stream    string
	cancelled atomic.Bool
}

// Cancel asks the server to stop the job. The stream keeps running until the
// server closes it so the terminal event is still delivered.
func (h *renderHandle) Cancel(ctx context.Context) error {
	if !h.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	return h.client.stop(ctx, h.task)
}

// Package queue schedules render tasks against the remote service.
//
// A Scheduler owns every Task by id. Each task is split into sequential jobs;
// the scheduler admits the next job of queued tasks while fewer jobs than the
// service capacity are in flight, routes transport events back to their job
// by (task, index) and aggregates progress per task.
//
// All state changes happen under one mutex. Calls into collaborators
// (transport, sink, observers) are collected while the lock is held and run
// after it is released, so a transport may deliver events synchronously.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"renderq/internal/domain"
	"renderq/internal/format"
	"renderq/internal/prompt"
	"renderq/internal/seed"
)

// Order selects the scan order over queued tasks.
type Order string

const (
	FIFO Order = "fifo"
	LIFO Order = "lifo"
)

// ParseOrder accepts "fifo" or "lifo" in any case.
func ParseOrder(s string) (Order, error) {
	switch Order(strings.ToLower(strings.TrimSpace(s))) {
	case FIFO:
		return FIFO, nil
	case LIFO:
		return LIFO, nil
	default:
		return "", fmt.Errorf("%w: queue order %q", domain.ErrInvalidRequest, s)
	}
}

// Options configures a Scheduler.
type Options struct {
	// Capacity overrides the transport capacity when positive.
	Capacity  int
	Order     Order
	SessionID string
	Formats   *format.Registry
	Seeds     seed.Source
	Sink      Sink
	Observers []Observer
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// Scheduler admits jobs onto the transport and tracks every task.
type Scheduler struct {
	transport Transport
	opts      Options
	log       zerolog.Logger
	now       func() time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	order     Order
	tasks     map[string]*Task
	inflight  map[jobKey]*Job
	seq       uint64
	busy      bool
	lastSeed  int64
	seedKnown bool
}

type jobKey struct {
	task  string
	index int
}

type effects []func()

func (e *effects) add(fn func()) { *e = append(*e, fn) }

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

// New returns a scheduler submitting to tr.
func New(tr Transport, opts Options) *Scheduler {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	order := opts.Order
	if order != LIFO {
		order = FIFO
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		transport: tr,
		opts:      opts,
		log:       logger.With().Str("component", "scheduler").Logger(),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		order:     order,
		tasks:     make(map[string]*Task),
		inflight:  make(map[jobKey]*Job),
	}
}

// Close stops every task and cancels outstanding transport calls.
func (s *Scheduler) Close() {
	s.StopAll()
	s.cancel()
}

// SessionID identifies this scheduler's requests to the service.
func (s *Scheduler) SessionID() string { return s.opts.SessionID }

// TaskSpec describes one submission. Text holds one template per line; when
// blank, Template.Prompt is expanded instead.
type TaskSpec struct {
	Text          string
	Tags          []string
	Template      domain.RenderRequest
	Seed          *int64
	RandomSeed    bool
	TotalOutputs  int
	OutputsPerJob int
	Origin        string
}

// CreateResult lists the tasks created by one submission and the template
// lines that failed to expand.
type CreateResult struct {
	Tasks  []TaskSnapshot
	Errors []*prompt.ExpansionError
}

// CreateTasks expands the submission into one task per prompt and queues
// them. It fails with domain.ErrServiceUnavailable while the service is
// down and with domain.ErrUnknownFormat for an unsupported output format.
func (s *Scheduler) CreateTasks(ctx context.Context, spec TaskSpec) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	if !s.transport.Available() {
		return CreateResult{}, domain.ErrServiceUnavailable
	}
	tmpl := spec.Template
	tmpl.Normalize()
	f, err := s.resolveFormat(tmpl.OutputFormat)
	if err != nil {
		return CreateResult{}, err
	}
	text := spec.Text
	if strings.TrimSpace(text) == "" {
		text = tmpl.Prompt
	}
	prompts, expErrs := prompt.ExpandText(text, spec.Tags)
	result := CreateResult{Errors: expErrs}
	if len(prompts) == 0 {
		return result, nil
	}

	perJob := spec.OutputsPerJob
	if perJob <= 0 {
		perJob = tmpl.NumOutputs
	}
	total := spec.TotalOutputs
	if total <= 0 {
		total = perJob
	}
	perJob = min(perJob, total)
	plan := seed.NewPlan(spec.Seed, spec.RandomSeed, total, perJob, s.opts.Seeds)

	var fx effects
	s.mu.Lock()
	for _, p := range prompts {
		req := tmpl
		req.Prompt = p
		t := s.addTask(req, total, perJob, plan, f, spec.Origin, &fx)
		result.Tasks = append(result.Tasks, t.snapshot())
	}
	s.pump(&fx)
	s.mu.Unlock()
	fx.run()
	return result, nil
}

func (s *Scheduler) resolveFormat(name string) (format.Format, error) {
	if s.opts.Formats == nil {
		return nil, nil
	}
	return s.opts.Formats.Resolve(name)
}

// addTask registers a task. Callers hold s.mu.
func (s *Scheduler) addTask(tmpl domain.RenderRequest, total, perJob int, plan seed.Plan, f format.Format, origin string, fx *effects) *Task {
	if tmpl.SessionID == "" {
		tmpl.SessionID = s.opts.SessionID
	}
	tmpl.StreamImageProgress = tmpl.StreamImageProgress && total <= domain.LivePreviewOutputLimit
	tmpl.Seed = plan.Base
	s.seq++
	t := &Task{
		ID:            uuid.NewString(),
		Template:      tmpl,
		TotalOutputs:  total,
		OutputsPerJob: perJob,
		Seeds:         plan,
		Format:        f,
		Origin:        origin,
		CreatedAt:     s.now(),
		seq:           s.seq,
		lastStepTime:  -1,
	}
	t.refreshProgress()
	s.tasks[t.ID] = t
	s.log.Info().
		Str("task_id", t.ID).
		Int("jobs", t.JobCount()).
		Int64("seed", plan.Base).
		Msg("scheduler: task created")
	snap := t.snapshot()
	s.notify(fx, Notification{Kind: NoteTaskCreated, TaskID: t.ID, Task: &snap, Message: t.ConfigLine()})
	return t
}

// VariationKind selects a follow-up rendering of a finished image.
type VariationKind string

const (
	VarySimilar  VariationKind = "similar"
	VaryUpscale  VariationKind = "upscale"
	VaryFixFaces VariationKind = "fix_faces"
	VaryContinue VariationKind = "continue"
)

// Similar variations request this many images of one output each.
const similarOutputs = 5

// VariationSpec picks the source image by its position across the task's
// finished jobs.
type VariationSpec struct {
	Kind         VariationKind
	Image        int
	UpscaleModel string
}

// CreateVariation queues a follow-up task derived from one result image.
func (s *Scheduler) CreateVariation(ctx context.Context, taskID string, v VariationSpec) (TaskSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return TaskSnapshot{}, err
	}
	if !s.transport.Available() {
		return TaskSnapshot{}, domain.ErrServiceUnavailable
	}
	var fx effects
	s.mu.Lock()
	src, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return TaskSnapshot{}, domain.ErrNotFound
	}
	req, img, err := sourceImage(src, v.Image)
	if err != nil {
		s.mu.Unlock()
		return TaskSnapshot{}, err
	}
	req.NumOutputs = 1
	total := 1
	var plan seed.Plan
	switch v.Kind {
	case VarySimilar:
		if img.Data == "" {
			s.mu.Unlock()
			return TaskSnapshot{}, fmt.Errorf("%w: image %d has no inline data to start from", domain.ErrInvalidRequest, v.Image)
		}
		req.NumInferenceSteps = domain.DefaultInferenceSteps
		req.GuidanceScale = domain.DefaultGuidanceScale
		req.PromptStrength = 0.7
		req.InitImage = img.Data
		req.Mask = ""
		total = similarOutputs
		plan = seed.NewPlan(nil, true, total, 1, s.opts.Seeds)
	case VaryUpscale, VaryFixFaces, VaryContinue:
		switch v.Kind {
		case VaryUpscale:
			req.UseUpscale = v.UpscaleModel
			if req.UseUpscale == "" {
				req.UseUpscale = domain.DefaultUpscaleModel
			}
		case VaryFixFaces:
			req.UseFaceCorrection = domain.FaceCorrectionModel
		case VaryContinue:
			req.NumInferenceSteps += 25
		}
		pinned := img.SeedOr(req.Seed)
		plan = seed.NewPlan(&pinned, false, total, 1, s.opts.Seeds)
	default:
		s.mu.Unlock()
		return TaskSnapshot{}, fmt.Errorf("%w: variation %q", domain.ErrInvalidRequest, v.Kind)
	}
	req.Normalize()
	t := s.addTask(req, total, 1, plan, src.Format, string(v.Kind)+":"+src.ID, &fx)
	snap := t.snapshot()
	s.pump(&fx)
	s.mu.Unlock()
	fx.run()
	return snap, nil
}

// sourceImage finds the n-th finished image of t and the request that produced it.
func sourceImage(t *Task, index int) (domain.RenderRequest, domain.OutputImage, error) {
	if n := index; n >= 0 {
		for _, j := range t.Jobs {
			if j.Result == nil {
				continue
			}
			if n < len(j.Result.Output) {
				return j.Request, j.Result.Output[n], nil
			}
			n -= len(j.Result.Output)
		}
	}
	return domain.RenderRequest{}, domain.OutputImage{}, fmt.Errorf("%w: image %d", domain.ErrNotFound, index)
}

func (s *Scheduler) capacity() int {
	if s.opts.Capacity > 0 {
		return s.opts.Capacity
	}
	return max(1, s.transport.Capacity())
}

// pump admits jobs while capacity allows. Callers hold s.mu.
func (s *Scheduler) pump(fx *effects) {
	limit := s.capacity()
	for _, t := range s.queued() {
		if len(s.inflight) >= limit {
			break
		}
		s.admit(t, fx)
	}
	s.checkIdle(fx)
}

// queued returns tasks waiting for their next job in scan order.
func (s *Scheduler) queued() []*Task {
	var out []*Task
	for _, t := range s.tasks {
		if t.admissible() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if s.order == LIFO {
			return out[i].seq > out[k].seq
		}
		return out[i].seq < out[k].seq
	})
	return out
}

func (s *Scheduler) admit(t *Task, fx *effects) {
	idx := len(t.Jobs)
	req := t.Template.WithSeed(t.Seeds.For(idx))
	req.NumOutputs = t.outputsFor(idx)
	now := s.now()
	job := newJob(idx, req, now)
	t.Jobs = append(t.Jobs, job)
	t.Processing = true
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	key := jobKey{task: t.ID, index: idx}
	s.inflight[key] = job
	s.busy = true
	t.refreshProgress()

	s.log.Info().
		Str("task_id", t.ID).
		Int("job", idx).
		Int64("seed", req.Seed).
		Int("outputs", req.NumOutputs).
		Msg("scheduler: job admitted")
	s.notify(fx, Notification{Kind: NoteJobStatus, TaskID: t.ID, Job: idx, Status: job.Status})

	ctx := s.ctx
	fx.add(func() {
		h, err := s.transport.Submit(ctx, req, func(ev domain.JobEvent) { s.handleEvent(key, ev) })
		if err != nil {
			s.log.Error().Err(err).Str("task_id", key.task).Int("job", key.index).Msg("scheduler: submit failed")
			s.handleEvent(key, domain.FailedEvent(err))
			return
		}
		s.attach(key, h)
	})
}

// attach records the handle of a submitted job, cancelling it right away if
// the task was stopped while the submission was in progress.
func (s *Scheduler) attach(key jobKey, h Handle) {
	s.mu.Lock()
	job, ok := s.inflight[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.handle = h
	cancel := job.cancelRequested
	s.mu.Unlock()
	if cancel {
		s.cancelHandle(key, h)
	}
}

func (s *Scheduler) cancelHandle(key jobKey, h Handle) {
	if err := h.Cancel(s.ctx); err != nil {
		s.log.Warn().Err(err).Str("task_id", key.task).Int("job", key.index).Msg("scheduler: cancel failed")
	}
}

// handleEvent routes one transport event to its job.
func (s *Scheduler) handleEvent(key jobKey, ev domain.JobEvent) {
	if ev.Status == domain.JobStatusFailed && !s.transport.Available() {
		var conn *domain.ConnectivityError
		if !errors.As(ev.Err, &conn) {
			ev.Err = &domain.ConnectivityError{Err: ev.Err}
		}
	}
	var fx effects
	s.mu.Lock()
	job, tracked := s.inflight[key]
	released := false
	if ev.Status.Terminal() && tracked {
		delete(s.inflight, key)
		released = true
	}
	if t, ok := s.tasks[key.task]; ok && tracked {
		s.apply(t, job, ev, &fx)
	}
	if released {
		s.pump(&fx)
	}
	s.mu.Unlock()
	fx.run()
}

// apply advances job with ev and updates its task. Callers hold s.mu.
func (s *Scheduler) apply(t *Task, job *Job, ev domain.JobEvent, fx *effects) {
	tr := job.Advance(ev)
	if tr.Ignored {
		return
	}
	if tr.Progressed {
		if job.TotalSteps > 0 {
			t.lastTotalSteps = job.TotalSteps
		}
		t.lastStepTime = job.StepTime
		p := t.refreshProgress()
		s.notify(fx, Notification{Kind: NoteProgress, TaskID: t.ID, Job: job.Index, Status: job.Status, Progress: &p})
		if len(tr.Previews) > 0 && s.opts.Sink != nil {
			s.deliver(fx, Delivery{TaskID: t.ID, JobIndex: job.Index, Request: job.Request, Format: t.Format, Images: tr.Previews, Live: true})
		}
	}
	if !tr.Changed {
		return
	}
	if !tr.To.Terminal() {
		s.notify(fx, Notification{Kind: NoteJobStatus, TaskID: t.ID, Job: job.Index, Status: tr.To})
		return
	}
	s.finishJob(t, job, fx)
}

func (s *Scheduler) finishJob(t *Task, job *Job, fx *effects) {
	now := s.now()
	logger := s.log.With().Str("task_id", t.ID).Int("job", job.Index).Logger()
	switch job.Status {
	case domain.JobStatusCompleted:
		t.JobsCompleted++
		if t.Seeds.Random {
			s.lastSeed = job.Request.Seed
			s.seedKnown = true
		}
		logger.Info().Int("completed", t.JobsCompleted).Int("jobs", t.JobCount()).Msg("scheduler: job completed")
		if s.opts.Sink != nil && job.Result != nil {
			s.deliver(fx, Delivery{TaskID: t.ID, JobIndex: job.Index, Request: job.Request, Format: t.Format, Images: job.Result.Output})
		}
		if t.JobsCompleted == t.JobCount() {
			t.end(TaskCompleted, now)
		}
	case domain.JobStatusStopped:
		logger.Info().Msg("scheduler: job stopped")
		t.end(TaskStopped, now)
	case domain.JobStatusFailed:
		msg := domain.DescribeFailure(job.Err)
		logger.Error().Err(job.Err).Msg("scheduler: job failed")
		t.appendLog(msg)
		if s.opts.Sink != nil {
			s.deliver(fx, Delivery{TaskID: t.ID, JobIndex: job.Index, Request: job.Request, Format: t.Format, Err: job.Err})
		}
		t.end(TaskFailed, now)
	}
	s.notify(fx, Notification{Kind: NoteJobStatus, TaskID: t.ID, Job: job.Index, Status: job.Status})
	p := t.refreshProgress()
	s.notify(fx, Notification{Kind: NoteProgress, TaskID: t.ID, Job: job.Index, Status: job.Status, Progress: &p})
	if t.ended {
		s.endNotice(t, fx)
	}
}

func (s *Scheduler) endNotice(t *Task, fx *effects) {
	summary := t.Summary()
	t.appendLog(summary)
	snap := t.snapshot()
	s.notify(fx, Notification{Kind: NoteTaskEnded, TaskID: t.ID, Status: domain.JobStatus(snap.State), Task: &snap, Message: summary})
}

func (s *Scheduler) deliver(fx *effects, d Delivery) {
	sink := s.opts.Sink
	ctx := s.ctx
	fx.add(func() {
		if err := sink.Display(ctx, d); err != nil {
			s.log.Error().Err(err).Str("task_id", d.TaskID).Int("job", d.JobIndex).Bool("live", d.Live).Msg("scheduler: sink failed")
			if d.Live {
				return
			}
			s.mu.Lock()
			if t, ok := s.tasks[d.TaskID]; ok {
				t.appendLog("Could not store results: " + err.Error())
			}
			s.mu.Unlock()
		}
	})
}

func (s *Scheduler) notify(fx *effects, n Notification) {
	if len(s.opts.Observers) == 0 {
		return
	}
	if n.At.IsZero() {
		n.At = s.now()
	}
	observers := s.opts.Observers
	fx.add(func() {
		for _, o := range observers {
			o.Notify(n)
		}
	})
}

// checkIdle fires the idle notification once when the last job drains and
// nothing is left to admit. Callers hold s.mu.
func (s *Scheduler) checkIdle(fx *effects) {
	if !s.busy || len(s.inflight) > 0 {
		return
	}
	for _, t := range s.tasks {
		if t.admissible() {
			return
		}
	}
	s.busy = false
	n := Notification{Kind: NoteIdle, Message: "all tasks finished"}
	if s.seedKnown {
		last := s.lastSeed
		n.Seed = &last
	}
	s.log.Info().Msg("scheduler: idle")
	s.notify(fx, n)
}

// Abort stops a task. Its active job, if any, is cancelled and marked
// stopped; completed jobs and their results are kept. Aborting an ended task
// is a no-op.
func (s *Scheduler) Abort(id string) error {
	var fx effects
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	s.abort(t, &fx)
	s.checkIdle(&fx)
	s.mu.Unlock()
	fx.run()
	return nil
}

func (s *Scheduler) abort(t *Task, fx *effects) {
	if t.ended {
		return
	}
	if job := t.activeJob(); job != nil {
		key := jobKey{task: t.ID, index: job.Index}
		job.Advance(domain.StoppedEvent())
		if h := job.handle; h != nil {
			fx.add(func() { s.cancelHandle(key, h) })
		} else {
			job.cancelRequested = true
		}
		s.notify(fx, Notification{Kind: NoteJobStatus, TaskID: t.ID, Job: job.Index, Status: job.Status})
	}
	s.log.Info().Str("task_id", t.ID).Int("completed", t.JobsCompleted).Msg("scheduler: task stopped")
	t.end(TaskStopped, s.now())
	t.refreshProgress()
	s.endNotice(t, fx)
}

// StopAll aborts every task that has not ended, queued ones included.
func (s *Scheduler) StopAll() {
	var fx effects
	s.mu.Lock()
	for _, t := range s.sorted() {
		s.abort(t, &fx)
	}
	s.checkIdle(&fx)
	s.mu.Unlock()
	fx.run()
}

// Remove forgets a task. A task that is still processing must be aborted
// first; its draining job keeps holding capacity until the transport
// reports it terminal.
func (s *Scheduler) Remove(id string) error {
	var fx effects
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if t.Processing {
		s.mu.Unlock()
		return domain.ErrTaskActive
	}
	if !t.ended {
		t.end(TaskStopped, s.now())
	}
	delete(s.tasks, id)
	s.log.Info().Str("task_id", id).Msg("scheduler: task removed")
	s.notify(&fx, Notification{Kind: NoteTaskRemoved, TaskID: id})
	s.checkIdle(&fx)
	s.mu.Unlock()
	fx.run()
	return nil
}

// SetOrder switches between FIFO and LIFO admission.
func (s *Scheduler) SetOrder(o Order) {
	var fx effects
	s.mu.Lock()
	if o == LIFO {
		s.order = LIFO
	} else {
		s.order = FIFO
	}
	s.pump(&fx)
	s.mu.Unlock()
	fx.run()
}

// Order returns the current admission order.
func (s *Scheduler) Order() Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order
}

// Kick re-runs admission, for example after the service capacity changed.
func (s *Scheduler) Kick() {
	var fx effects
	s.mu.Lock()
	s.pump(&fx)
	s.mu.Unlock()
	fx.run()
}

// Tasks returns snapshots of every task in submission order.
func (s *Scheduler) Tasks() []TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sorted()
	out := make([]TaskSnapshot, 0, len(sorted))
	for _, t := range sorted {
		out = append(out, t.snapshot())
	}
	return out
}

func (s *Scheduler) sorted() []*Task {
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].seq < out[k].seq })
	return out
}

// Task returns the snapshot of one task.
func (s *Scheduler) Task(id string) (TaskSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskSnapshot{}, domain.ErrNotFound
	}
	return t.snapshot(), nil
}

// Stats summarises the scheduler state.
type Stats struct {
	Active   int   `json:"active"`
	Queued   int   `json:"queued"`
	Tasks    int   `json:"tasks"`
	Capacity int   `json:"capacity"`
	Order    Order `json:"order"`
}

// Stats reports in-flight and queued counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Active: len(s.inflight), Tasks: len(s.tasks), Capacity: s.capacity(), Order: s.order}
	for _, t := range s.tasks {
		if t.admissible() {
			st.Queued++
		}
	}
	return st
}

// LastSeed returns the seed of the most recently completed job of a task
// whose seed was drawn at random. It lets a caller continue from the final
// seed actually used.
func (s *Scheduler) LastSeed() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeed, s.seedKnown
}

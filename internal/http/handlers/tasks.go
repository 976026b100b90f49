package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"renderq/internal/domain"
	"renderq/internal/prompt"
	"renderq/internal/queue"
)

type createTasksRequest struct {
	// Text holds one template per line. When blank, Template.Prompt is used.
	Text          string               `json:"text"`
	Tags          []string             `json:"tags"`
	Template      domain.RenderRequest `json:"template"`
	Seed          *int64               `json:"seed"`
	RandomSeed    *bool                `json:"random_seed"`
	TotalOutputs  int                  `json:"total_outputs"`
	OutputsPerJob int                  `json:"outputs_per_job"`
	Origin        string               `json:"origin"`
}

type expansionErrorDTO struct {
	Line     int    `json:"line,omitempty"`
	Template string `json:"template"`
	Offset   int    `json:"offset"`
	Message  string `json:"message"`
}

type createTasksResponse struct {
	Tasks  []queue.TaskSnapshot `json:"tasks"`
	Errors []expansionErrorDTO  `json:"errors,omitempty"`
}

func toErrorDTOs(errs []*prompt.ExpansionError) []expansionErrorDTO {
	out := make([]expansionErrorDTO, 0, len(errs))
	for _, e := range errs {
		out = append(out, expansionErrorDTO{Line: e.Line, Template: e.Template, Offset: e.Offset, Message: e.Error()})
	}
	return out
}

// CreateTasks expands the submitted prompt text and queues one task per
// prompt. Lines that fail to expand are reported alongside the tasks that
// were created; when every line fails the request is rejected.
func (a *App) CreateTasks(w http.ResponseWriter, r *http.Request) {
	var req createTasksRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.Template.OutputFormat == "" {
		req.Template.OutputFormat = a.DefaultFormat
	}
	random := a.RandomSeed && req.Seed == nil
	if req.RandomSeed != nil {
		random = *req.RandomSeed
	}
	if req.TotalOutputs < 0 || req.OutputsPerJob < 0 {
		a.error(w, http.StatusBadRequest, "invalid_request", "output counts must not be negative")
		return
	}

	res, err := a.Scheduler.CreateTasks(r.Context(), queue.TaskSpec{
		Text:          req.Text,
		Tags:          req.Tags,
		Template:      req.Template,
		Seed:          req.Seed,
		RandomSeed:    random,
		TotalOutputs:  req.TotalOutputs,
		OutputsPerJob: req.OutputsPerJob,
		Origin:        strings.TrimSpace(req.Origin),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if len(res.Tasks) == 0 && len(res.Errors) > 0 {
		a.json(w, http.StatusBadRequest, errorBody{Error: errorDetail{
			Code:    "invalid_template",
			Message: res.Errors[0].Error(),
			Details: toErrorDTOs(res.Errors),
		}})
		return
	}
	resp := createTasksResponse{Tasks: res.Tasks}
	if len(res.Errors) > 0 {
		resp.Errors = toErrorDTOs(res.Errors)
	}
	a.json(w, http.StatusCreated, resp)
}

func (a *App) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := a.Scheduler.Tasks()
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.State) == state {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	a.json(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *App) GetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := a.Scheduler.Task(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, snap)
}

// StopTask aborts one task and returns its final snapshot.
func (a *App) StopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Scheduler.Abort(id); err != nil {
		a.fail(w, r, err)
		return
	}
	snap, err := a.Scheduler.Task(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, snap)
}

// RemoveTask forgets a task. A processing task answers 409 until stopped.
func (a *App) RemoveTask(w http.ResponseWriter, r *http.Request) {
	if err := a.Scheduler.Remove(chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopAll aborts every task locally, then asks the server to stop.
func (a *App) StopAll(w http.ResponseWriter, r *http.Request) {
	a.Scheduler.StopAll()
	resp := map[string]any{"status": "stopped"}
	if a.Server != nil {
		if err := a.Server.StopAll(r.Context()); err != nil {
			a.Logger.Warn().Err(err).Msg("http: server stop failed")
			resp["server_error"] = err.Error()
		}
	}
	a.json(w, http.StatusAccepted, resp)
}

type variationRequest struct {
	Kind         queue.VariationKind `json:"kind"`
	Image        int                 `json:"image"`
	UpscaleModel string              `json:"upscale_model"`
}

func (a *App) CreateVariation(w http.ResponseWriter, r *http.Request) {
	var req variationRequest
	if !a.decode(w, r, &req) {
		return
	}
	snap, err := a.Scheduler.CreateVariation(r.Context(), chi.URLParam(r, "id"), queue.VariationSpec{
		Kind:         req.Kind,
		Image:        req.Image,
		UpscaleModel: req.UpscaleModel,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusCreated, snap)
}

type orderRequest struct {
	Order string `json:"order"`
}

func (a *App) SetOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !a.decode(w, r, &req) {
		return
	}
	o, err := queue.ParseOrder(req.Order)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Scheduler.SetOrder(o)
	a.json(w, http.StatusOK, map[string]queue.Order{"order": a.Scheduler.Order()})
}

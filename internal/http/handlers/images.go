package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"renderq/internal/storage"
	"renderq/pkg/zip"
)

// ListImages lists the stored result images of a task.
func (a *App) ListImages(w http.ResponseWriter, r *http.Request) {
	if a.Images == nil {
		a.error(w, http.StatusNotFound, "not_found", "image storage disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Scheduler.Task(id); err != nil {
		a.fail(w, r, err)
		return
	}
	keys, err := a.Images.List(r.Context(), path.Join(storage.ImagePrefix, id))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	a.json(w, http.StatusOK, map[string]any{"task_id": id, "images": keys})
}

// GetImage serves one stored image by key.
func (a *App) GetImage(w http.ResponseWriter, r *http.Request) {
	if a.Images == nil {
		a.error(w, http.StatusNotFound, "not_found", "image storage disabled")
		return
	}
	key := path.Join(storage.ImagePrefix, chi.URLParam(r, "*"))
	if !strings.HasPrefix(key, storage.ImagePrefix+"/") {
		a.error(w, http.StatusNotFound, "not_found", "image not found")
		return
	}
	data, err := a.Images.Read(r.Context(), key)
	if errors.Is(err, fs.ErrNotExist) {
		a.error(w, http.StatusNotFound, "not_found", "image not found")
		return
	}
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	contentType := "application/octet-stream"
	if a.Formats != nil {
		if f, err := a.Formats.Resolve(strings.TrimPrefix(path.Ext(key), ".")); err == nil {
			contentType = f.MIMEType()
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ArchiveImages downloads every stored image of a task as one zip.
func (a *App) ArchiveImages(w http.ResponseWriter, r *http.Request) {
	if a.Images == nil {
		a.error(w, http.StatusNotFound, "not_found", "image storage disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.Scheduler.Task(id); err != nil {
		a.fail(w, r, err)
		return
	}
	keys, err := a.Images.List(r.Context(), path.Join(storage.ImagePrefix, id))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if len(keys) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "task has no stored images")
		return
	}
	files := make([]zip.File, 0, len(keys))
	for _, key := range keys {
		data, err := a.Images.Read(r.Context(), key)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		files = append(files, zip.File{Name: path.Base(key), Data: data})
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
	w.WriteHeader(http.StatusOK)
	if err := zip.Write(w, files); err != nil {
		a.Logger.Error().Err(err).Str("task_id", id).Msg("http: archive failed")
	}
}

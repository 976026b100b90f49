// Package sink stores and fans out render results handed over by the
// scheduler.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"renderq/internal/queue"
	"renderq/internal/storage"
)

// Fetcher downloads images the service returned by path instead of inline.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Store persists image bytes by key.
type Store interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// StorageSink writes final images to a Store. Live previews and failures
// are not persisted.
type StorageSink struct {
	store   Store
	fetcher Fetcher
	log     zerolog.Logger

	mu    sync.RWMutex
	saved map[string][]string
}

// NewStorageSink returns a sink writing to store. fetcher may be nil when
// the service always returns inline data.
func NewStorageSink(store Store, fetcher Fetcher, logger zerolog.Logger) *StorageSink {
	return &StorageSink{
		store:   store,
		fetcher: fetcher,
		log:     logger.With().Str("component", "sink").Logger(),
		saved:   make(map[string][]string),
	}
}

func (s *StorageSink) Display(ctx context.Context, d queue.Delivery) error {
	if d.Live || d.Err != nil || len(d.Images) == 0 {
		return nil
	}
	if d.Format == nil {
		return errors.New("sink: delivery without output format")
	}
	var errs []error
	for i, img := range d.Images {
		seed := img.SeedOr(d.Request.Seed + int64(i))
		data, err := s.imageBytes(ctx, d, img.Data, img.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("image %d: %w", i, err))
			continue
		}
		key, err := s.store.Write(ctx, storage.ImageKey(d.TaskID, seed, i, d.Format.Extension()), data)
		if err != nil {
			errs = append(errs, fmt.Errorf("image %d: %w", i, err))
			continue
		}
		s.mu.Lock()
		s.saved[d.TaskID] = append(s.saved[d.TaskID], key)
		s.mu.Unlock()
		s.log.Debug().Str("task_id", d.TaskID).Str("key", key).Msg("sink: image stored")
	}
	return errors.Join(errs...)
}

func (s *StorageSink) imageBytes(ctx context.Context, d queue.Delivery, data, path string) ([]byte, error) {
	switch {
	case data != "":
		return d.Format.Decode(data)
	case path != "" && s.fetcher != nil:
		return s.fetcher.Fetch(ctx, path)
	default:
		return nil, errors.New("no image data")
	}
}

// Saved lists the keys stored for a task in write order.
func (s *StorageSink) Saved(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.saved[taskID]...)
}

// Multi hands every delivery to each sink in order and joins their errors.
type Multi []queue.Sink

func (m Multi) Display(ctx context.Context, d queue.Delivery) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Display(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

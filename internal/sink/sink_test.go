package sink

import (
	"context"
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"renderq/internal/domain"
	"renderq/internal/format"
	"renderq/internal/queue"
	"renderq/internal/storage"
)

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(_ context.Context, path string) ([]byte, error) {
	if data, ok := f[path]; ok {
		return data, nil
	}
	return nil, errors.New("not found")
}

func jpegFormat(t *testing.T) format.Format {
	t.Helper()
	f, err := format.NewRegistry().Resolve("jpeg")
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestStorageSinkPersistsFinalImages(t *testing.T) {
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewStorageSink(store, fakeFetcher{"/image/tmp/1/1": []byte("fetched")}, zerolog.Nop())
	ten := int64(10)
	d := queue.Delivery{
		TaskID:  "t1",
		Request: domain.RenderRequest{Seed: 10},
		Format:  jpegFormat(t),
		Images: []domain.OutputImage{
			{Data: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("inline")), Seed: &ten},
			{Path: "/image/tmp/1/1"},
		},
	}
	if err := s.Display(context.Background(), d); err != nil {
		t.Fatalf("Display: %v", err)
	}
	want := []string{"generated/t1/10-00.jpeg", "generated/t1/11-01.jpeg"}
	if got := s.Saved("t1"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Saved = %v, want %v", got, want)
	}
	data, err := store.Read(context.Background(), want[1])
	if err != nil || string(data) != "fetched" {
		t.Fatalf("Read = %q, %v", data, err)
	}
}

func TestStorageSinkSkipsPreviewsAndFailures(t *testing.T) {
	store, _ := storage.NewFileStore(t.TempDir())
	s := NewStorageSink(store, nil, zerolog.Nop())
	img := []domain.OutputImage{{Data: "data:image/jpeg;base64,AA=="}}
	for _, d := range []queue.Delivery{
		{TaskID: "t", Images: img, Live: true, Format: jpegFormat(t)},
		{TaskID: "t", Err: errors.New("boom"), Format: jpegFormat(t)},
	} {
		if err := s.Display(context.Background(), d); err != nil {
			t.Fatalf("Display: %v", err)
		}
	}
	if got := s.Saved("t"); len(got) != 0 {
		t.Fatalf("Saved = %v, want none", got)
	}
}

func TestStorageSinkReportsBadImages(t *testing.T) {
	store, _ := storage.NewFileStore(t.TempDir())
	s := NewStorageSink(store, nil, zerolog.Nop())
	err := s.Display(context.Background(), queue.Delivery{
		TaskID: "t",
		Format: jpegFormat(t),
		Images: []domain.OutputImage{{Path: "/image/tmp/1/0"}, {Data: "data:image/jpeg;base64,AA=="}},
	})
	if err == nil || !strings.Contains(err.Error(), "image 0") {
		t.Fatalf("err = %v", err)
	}
	if got := s.Saved("t"); len(got) != 1 {
		t.Fatalf("Saved = %v, want the one good image", got)
	}
}

type countingSink struct {
	n   int
	err error
}

func (c *countingSink) Display(context.Context, queue.Delivery) error {
	c.n++
	return c.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{err: errors.New("b failed")}
	err := Multi{a, nil, b}.Display(context.Background(), queue.Delivery{})
	if a.n != 1 || b.n != 1 {
		t.Fatalf("calls = %d/%d", a.n, b.n)
	}
	if err == nil || !strings.Contains(err.Error(), "b failed") {
		t.Fatalf("err = %v", err)
	}
}

func TestStorageSinkKeepsSeedZero(t *testing.T) {
	store, _ := storage.NewFileStore(t.TempDir())
	s := NewStorageSink(store, nil, zerolog.Nop())
	zero := int64(0)
	err := s.Display(context.Background(), queue.Delivery{
		TaskID:  "t",
		Request: domain.RenderRequest{Seed: 7},
		Format:  jpegFormat(t),
		Images:  []domain.OutputImage{{Data: "data:image/jpeg;base64,AA==", Seed: &zero}},
	})
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if got := s.Saved("t"); !reflect.DeepEqual(got, []string{"generated/t/0-00.jpeg"}) {
		t.Fatalf("Saved = %v", got)
	}
}

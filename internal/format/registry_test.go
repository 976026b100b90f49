package format

import (
	"encoding/base64"
	"errors"
	"reflect"
	"testing"

	"renderq/internal/domain"
)

func TestResolveBuiltins(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"jpeg", "JPG", " png ", "webp"} {
		f, err := r.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q) error: %v", name, err)
		}
		if f.Extension() == "" || f.MIMEType() == "" {
			t.Fatalf("Resolve(%q) returned incomplete format %+v", name, f)
		}
	}
	if got := r.Names(); !reflect.DeepEqual(got, []string{"jpeg", "png", "webp"}) {
		t.Fatalf("Names() = %v", got)
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := NewRegistry().Resolve("tiff")
	if !errors.Is(err, domain.ErrUnknownFormat) {
		t.Fatalf("err = %v, want ErrUnknownFormat", err)
	}
}

func TestDecodeDataURL(t *testing.T) {
	f, _ := NewRegistry().Resolve("png")
	raw := []byte{0x89, 'P', 'N', 'G'}
	got, err := f.Decode("data:image/png;base64," + base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if !reflect.DeepEqual(got, raw) {
		t.Fatalf("Decode = %v, want %v", got, raw)
	}
}

func TestDecodeRejectsMismatch(t *testing.T) {
	f, _ := NewRegistry().Resolve("png")
	if _, err := f.Decode("data:image/jpeg;base64,AAAA"); err == nil {
		t.Fatal("expected media type mismatch error")
	}
	if _, err := f.Decode("/image/tmp/1.png"); err == nil {
		t.Fatal("expected error for non data url")
	}
	if _, err := f.Decode("data:image/png,plain"); err == nil {
		t.Fatal("expected error for non base64 data url")
	}
}

func TestRegisterCustomFormat(t *testing.T) {
	r := &Registry{}
	r.Register("Raw", func() Format { return imageFormat{name: "raw", ext: "bin", mime: "application/octet-stream"} })
	f, err := r.Resolve("raw")
	if err != nil || f.Extension() != "bin" {
		t.Fatalf("Resolve(raw) = %v, %v", f, err)
	}
}

// Package format maps output-format tags to their encodings.
package format

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"renderq/internal/domain"
)

// Format describes one image encoding the service can return.
type Format interface {
	Name() string
	Extension() string
	MIMEType() string
	// Decode turns a data URL returned by the service into raw image bytes.
	Decode(dataURL string) ([]byte, error)
}

// Constructor builds a Format.
type Constructor func() Format

// Registry resolves format tags. The zero value is empty; use NewRegistry
// for the built-in formats.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry holding jpeg, png and webp.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register("jpeg", func() Format { return imageFormat{name: "jpeg", ext: "jpeg", mime: "image/jpeg"} })
	r.Register("png", func() Format { return imageFormat{name: "png", ext: "png", mime: "image/png"} })
	r.Register("webp", func() Format { return imageFormat{name: "webp", ext: "webp", mime: "image/webp"} })
	return r
}

// Register adds or replaces the constructor for name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctors == nil {
		r.ctors = make(map[string]Constructor)
	}
	r.ctors[normalize(name)] = ctor
}

// Resolve returns the format registered under name. "jpg" is accepted as an
// alias of "jpeg". Unknown names fail with domain.ErrUnknownFormat.
func (r *Registry) Resolve(name string) (Format, error) {
	key := normalize(name)
	if key == "jpg" {
		key = "jpeg"
	}
	r.mu.RLock()
	ctor, ok := r.ctors[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownFormat, name)
	}
	return ctor(), nil
}

// Names lists registered format tags in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type imageFormat struct {
	name string
	ext  string
	mime string
}

func (f imageFormat) Name() string      { return f.name }
func (f imageFormat) Extension() string { return f.ext }
func (f imageFormat) MIMEType() string  { return f.mime }

func (f imageFormat) Decode(dataURL string) ([]byte, error) {
	mime, payload, err := SplitDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	if mime != "" && mime != f.mime {
		return nil, fmt.Errorf("format %s: unexpected media type %q", f.name, mime)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("format %s: decode payload: %w", f.name, err)
	}
	return data, nil
}

// SplitDataURL splits "data:<mime>;base64,<payload>" into its media type and
// base64 payload.
func SplitDataURL(dataURL string) (mime, payload string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return "", "", fmt.Errorf("not a data url")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("data url without payload")
	}
	mime, enc, ok := strings.Cut(header, ";")
	if !ok || enc != "base64" {
		return "", "", fmt.Errorf("data url is not base64 encoded")
	}
	return strings.ToLower(mime), payload, nil
}

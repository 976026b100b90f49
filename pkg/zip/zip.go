// Package zip bundles rendered images into a single archive download.
package zip

import (
	"archive/zip"
	"fmt"
	"io"
	"time"
)

type File struct {
	Name    string
	Data    []byte
	ModTime time.Time
}

// Write streams files into a zip archive on w. Images are already
// compressed, so entries are stored rather than deflated.
func Write(w io.Writer, files []File) error {
	zw := zip.NewWriter(w)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Store, Modified: f.ModTime}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("zip: add %s: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Data); err != nil {
			return fmt.Errorf("zip: write %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

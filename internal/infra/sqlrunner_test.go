package infra

import (
	"context"
	"testing"
)

func TestExtractMarker(t *testing.T) {
	query := `
--sql 0b7a4f6c-2d1e-4c55-9b0e-3f7f6a1d2c90
SELECT 1`
	marker, body, err := extractMarker(query)
	if err != nil {
		t.Fatalf("extractMarker error: %v", err)
	}
	if marker != "0b7a4f6c-2d1e-4c55-9b0e-3f7f6a1d2c90" || body != "SELECT 1" {
		t.Fatalf("got marker %q body %q", marker, body)
	}
}

func TestExtractMarkerRejects(t *testing.T) {
	for _, query := range []string{
		"",
		"SELECT 1",
		"--sql not-a-uuid\nSELECT 1",
		"--sql 0b7a4f6c-2d1e-4c55-9b0e-3f7f6a1d2c90",
	} {
		if _, _, err := extractMarker(query); err == nil {
			t.Fatalf("extractMarker(%q) accepted", query)
		}
	}
}

func TestQueryRowWithoutMarkerFailsOnScan(t *testing.T) {
	r := &SQLRunner{Logger: NopLogger()}
	var n int
	if err := r.QueryRow(context.Background(), "SELECT 1").Scan(&n); err == nil {
		t.Fatal("expected marker error from Scan")
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGo(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("package q\n\n"+body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRunAcceptsMarkedQueries(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "const QA = `--sql 11111111-2222-4333-8444-555555555555\nselect 1;\n`\n\nconst Label = \"not sql\"\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 0 {
		t.Fatalf("exit = %d: %s", code, stderr.String())
	}
}

func TestRunReportsMissingMarker(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "const QA = `\nupdate t set x = 1;\n`\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "missing or invalid") || !strings.Contains(stderr.String(), "QA") {
		t.Fatalf("unexpected report: %s", stderr.String())
	}
}

func TestRunReportsDuplicateMarker(t *testing.T) {
	dir := t.TempDir()
	marker := "--sql 11111111-2222-4333-8444-555555555555"
	writeGo(t, dir, "a.go", "const QA = `"+marker+"\nselect 1;\n`\n")
	writeGo(t, dir, "b.go", "const QB = `"+marker+"\nselect 2;\n`\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "already used") {
		t.Fatalf("unexpected report: %s", stderr.String())
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"renderq/internal/domain"
	"renderq/internal/queue"
)

func TestParseFlagsDefaults(t *testing.T) {
	o, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if o.file != "-" || !o.randomSeed || o.outputs != 1 || o.steps != domain.DefaultInferenceSteps {
		t.Fatalf("unexpected defaults: %+v", o)
	}
}

func TestParseFlagsRejectsBadCounts(t *testing.T) {
	if _, err := parseFlags([]string{"-outputs", "0"}); err == nil {
		t.Fatal("expected error for zero outputs")
	}
}

func TestSpecFromFlags(t *testing.T) {
	o, err := parseFlags([]string{"-seed", "42", "-outputs", "4", "-per-job", "2", "-tags", "oil painting, ,4k", "-fix-faces"})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	spec := o.spec("a cat\na dog", "png")
	if spec.Seed == nil || *spec.Seed != 42 || spec.RandomSeed {
		t.Fatalf("seed not pinned: %+v", spec)
	}
	if spec.TotalOutputs != 4 || spec.OutputsPerJob != 2 || spec.Template.NumOutputs != 2 {
		t.Fatalf("unexpected counts: %+v", spec)
	}
	if len(spec.Tags) != 2 || spec.Tags[0] != "oil painting" || spec.Tags[1] != "4k" {
		t.Fatalf("tags = %q", spec.Tags)
	}
	if spec.Template.OutputFormat != "png" || spec.Template.UseFaceCorrection != domain.FaceCorrectionModel {
		t.Fatalf("unexpected template: %+v", spec.Template)
	}
}

func TestReadPromptsFromStdin(t *testing.T) {
	text, err := readPrompts("-", strings.NewReader("a\nb\n"))
	if err != nil || text != "a\nb\n" {
		t.Fatalf("readPrompts = %q, %v", text, err)
	}
}

type savedKeys map[string][]string

func (s savedKeys) Saved(id string) []string { return s[id] }

func TestReportExitCode(t *testing.T) {
	var buf bytes.Buffer
	tasks := []queue.TaskSnapshot{
		{ID: "a", Prompt: "cat", State: queue.TaskCompleted, Summary: "Processed 1 images in 2 seconds"},
		{ID: "b", Prompt: "dog", State: queue.TaskFailed, Summary: "Task ended after 1 seconds"},
	}
	code := report(&buf, tasks, savedKeys{"a": {"generated/a/1-00.jpeg"}})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	out := buf.String()
	if !strings.Contains(out, "generated/a/1-00.jpeg") || !strings.Contains(out, "failed\tdog") {
		t.Fatalf("unexpected report:\n%s", out)
	}
}

func TestJobFileFillsUnsetFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	body := `prompts: |
  a {red,blue} boat
tags: [sunset, "4k"]
seed: 7
outputs: 3
steps: 30
fix_faces: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write job file: %v", err)
	}
	o, err := parseFlags([]string{"-job", path, "-steps", "20"})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if o.steps != 20 {
		t.Fatalf("steps = %d, explicit flag must win", o.steps)
	}
	if o.outputs != 3 || o.seed != 7 || o.randomSeed || !o.faceFix || o.tags != "sunset,4k" {
		t.Fatalf("job file not applied: %+v", o)
	}
	if !strings.Contains(o.inline, "a {red,blue} boat") {
		t.Fatalf("inline prompts = %q", o.inline)
	}
}

func TestJobFileErrors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := parseFlags([]string{"-job", empty}); err == nil {
		t.Fatal("expected error for empty job file")
	}
	if _, err := parseFlags([]string{"-job", filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatal("expected error for missing job file")
	}
}

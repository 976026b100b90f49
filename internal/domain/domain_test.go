package domain

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNormalizeDefaults(t *testing.T) {
	r := RenderRequest{Prompt: "  cat ", Mask: "m", PromptStrength: 0.5, OutputFormat: " PNG "}
	r.Normalize()
	if r.Prompt != "cat" || r.NumOutputs != 1 || r.NumInferenceSteps != DefaultInferenceSteps {
		t.Fatalf("defaults not applied: %+v", r)
	}
	if r.Width != DefaultDimension || r.Height != DefaultDimension || r.Model != DefaultModel {
		t.Fatalf("dimension or model defaults missing: %+v", r)
	}
	if r.Sampler != DefaultSampler || r.Mask != "" || r.PromptStrength != 0 {
		t.Fatalf("text-to-image must drop mask and strength: %+v", r)
	}
	if r.OutputFormat != "png" || !r.StreamProgress {
		t.Fatalf("format %q stream %v", r.OutputFormat, r.StreamProgress)
	}
}

func TestNormalizeInitImageForcesSampler(t *testing.T) {
	r := RenderRequest{InitImage: "data:image/png;base64,AA==", Sampler: "plms", PromptStrength: 1.5}
	r.Normalize()
	if r.Sampler != InitImageSampler || r.PromptStrength != DefaultPromptStrength {
		t.Fatalf("sampler %q strength %v", r.Sampler, r.PromptStrength)
	}
}

func TestWithSeedLeavesReceiver(t *testing.T) {
	r := RenderRequest{Seed: 1}
	c := r.WithSeed(9)
	if r.Seed != 1 || c.Seed != 9 {
		t.Fatalf("seeds = %d, %d", r.Seed, c.Seed)
	}
}

func TestStatusOrdering(t *testing.T) {
	if !JobStatusPending.Precedes(JobStatusProcessing) || JobStatusProcessing.Precedes(JobStatusWaiting) {
		t.Fatal("unexpected ordering")
	}
	if JobStatusCompleted.Precedes(JobStatusFailed) {
		t.Fatal("terminal states must not move")
	}
	if !JobStatusStopped.Terminal() || JobStatusWaiting.Terminal() || !JobStatusWaiting.Active() {
		t.Fatal("terminal/active classification wrong")
	}
}

func TestDescribeFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "compute", err: NewComputeError("bad prompt"), want: "bad prompt"},
		{name: "out of memory", err: NewComputeError("CUDA out of memory"), want: "768x768"},
		{name: "connectivity", err: &ConnectivityError{Err: io.EOF}, want: "still starting up"},
		{name: "read", err: &TransportReadError{Err: io.ErrUnexpectedEOF, Buffered: `{"step"`}, want: `buffered data: {"step"`},
		{name: "other", err: errors.New("boom"), want: "Unexpected error: boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DescribeFailure(tc.err); !strings.Contains(got, tc.want) {
				t.Fatalf("DescribeFailure = %q, want substring %q", got, tc.want)
			}
		})
	}
	if DescribeFailure(nil) != "" {
		t.Fatal("nil error must describe as empty")
	}
}

func TestConnectivityErrorUnwraps(t *testing.T) {
	err := &ConnectivityError{Err: ErrServiceUnavailable}
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatal("errors.Is through ConnectivityError failed")
	}
}

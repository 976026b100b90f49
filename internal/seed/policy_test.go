package seed

import "testing"

func fixed(v int64) Source { return SourceFunc(func() int64 { return v }) }

func TestRandomPlanOffsetsEveryJob(t *testing.T) {
	p := NewPlan(nil, true, 10, 5, fixed(1234))
	if !p.Random {
		t.Fatal("expected random plan")
	}
	if got := p.For(0); got != 1234 {
		t.Fatalf("job 0 seed = %d, want 1234", got)
	}
	if got := p.For(1); got != 1239 {
		t.Fatalf("job 1 seed = %d, want 1239", got)
	}
	if got := p.Last(2); got != 1239 {
		t.Fatalf("last seed = %d, want 1239", got)
	}
}

func TestPinnedSeedSingleOutputIsUnchanged(t *testing.T) {
	s := int64(42)
	p := NewPlan(&s, false, 1, 1, fixed(7))
	if p.Random {
		t.Fatal("pinned plan must not be random")
	}
	for i := 0; i < 3; i++ {
		if got := p.For(i); got != 42 {
			t.Fatalf("job %d seed = %d, want 42", i, got)
		}
	}
}

func TestPinnedSeedMultipleOutputsOffsets(t *testing.T) {
	s := int64(100)
	p := NewPlan(&s, false, 6, 2, nil)
	want := []int64{100, 102, 104}
	for i, w := range want {
		if got := p.For(i); got != w {
			t.Fatalf("job %d seed = %d, want %d", i, got, w)
		}
	}
}

func TestMissingSeedIsDrawn(t *testing.T) {
	p := NewPlan(nil, false, 1, 1, fixed(9))
	if !p.Random || p.Base != 9 {
		t.Fatalf("plan = %+v, want drawn base 9", p)
	}
}

func TestDefaultSourceRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := DefaultSource.Seed()
		if v < 0 || v >= MaxRandom {
			t.Fatalf("seed %d out of range", v)
		}
	}
}

func TestZeroOutputsPerJobClamped(t *testing.T) {
	p := NewPlan(nil, true, 3, 0, fixed(0))
	if p.OutputsPerJob != 1 || p.For(2) != 2 {
		t.Fatalf("plan = %+v", p)
	}
}

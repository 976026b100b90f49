// Package seed derives the seed stamped on each job of a task.
package seed

import (
	"math/rand/v2"
)

// MaxRandom is the exclusive upper bound of randomly drawn seeds.
const MaxRandom = 10_000_000

// Source draws a random seed in [0, MaxRandom).
type Source interface {
	Seed() int64
}

// SourceFunc adapts a function to Source.
type SourceFunc func() int64

func (f SourceFunc) Seed() int64 { return f() }

// DefaultSource draws from the process-wide generator.
var DefaultSource Source = SourceFunc(func() int64 { return rand.Int64N(MaxRandom) })

// Plan is the seed plan of one task, fixed at task creation.
type Plan struct {
	// Base is the seed of job 0.
	Base int64
	// Random reports whether Base was drawn rather than supplied.
	Random bool
	// Offset reports whether later jobs advance the seed.
	Offset        bool
	OutputsPerJob int
}

// NewPlan builds the plan for a task. When random is set or explicit is nil a
// seed is drawn from src. Job seeds are offset whenever the seed was drawn
// or more than one output is requested, so outputs of the same task never
// share a seed. A pinned seed for a single output is used as-is.
func NewPlan(explicit *int64, random bool, totalOutputs, outputsPerJob int, src Source) Plan {
	if outputsPerJob <= 0 {
		outputsPerJob = 1
	}
	p := Plan{OutputsPerJob: outputsPerJob}
	if random || explicit == nil {
		if src == nil {
			src = DefaultSource
		}
		p.Base = src.Seed()
		p.Random = true
	} else {
		p.Base = *explicit
	}
	p.Offset = p.Random || totalOutputs > 1
	return p
}

// For returns the seed for job i (0-indexed).
func (p Plan) For(i int) int64 {
	if !p.Offset || i <= 0 {
		return p.Base
	}
	return p.Base + int64(i)*int64(p.OutputsPerJob)
}

// Last returns the seed of the final job of a task with jobCount jobs.
func (p Plan) Last(jobCount int) int64 {
	return p.For(jobCount - 1)
}

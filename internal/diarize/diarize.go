// Package diarize assigns speaker labels to an aggregated transcript.
package diarize

import (
	"context"

	"github.com/minutesd/minutesd/internal/aggregate"
)

// Refiner revises speaker labels across a whole session's segments.
// It runs once at finalization, after all chunks are transcribed, so
// it sees the full conversation rather than isolated chunks. A failed
// refinement is non-fatal; the transcript keeps its per-chunk labels.
type Refiner interface {
	Refine(ctx context.Context, segments []aggregate.Segment) ([]aggregate.Segment, error)
}

// Noop leaves segments untouched.
type Noop struct{}

func (Noop) Refine(_ context.Context, segments []aggregate.Segment) ([]aggregate.Segment, error) {
	return segments, nil
}

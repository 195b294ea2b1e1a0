package diarize

import (
	"context"

	"github.com/minutesd/minutesd/internal/aggregate"
)

// defaultGapThreshold is the inter-segment silence, in seconds, taken
// as a probable speaker change.
const defaultGapThreshold = 1.5

// Gap is a heuristic refiner: it alternates between two speaker labels
// whenever the silence between consecutive segments exceeds a
// threshold. Segments that already carry a label are left alone.
type Gap struct {
	// Threshold in seconds; zero uses defaultGapThreshold.
	Threshold float64
}

func (g Gap) Refine(_ context.Context, segments []aggregate.Segment) ([]aggregate.Segment, error) {
	if len(segments) == 0 {
		return segments, nil
	}
	for _, s := range segments {
		if s.Speaker != "" {
			return segments, nil
		}
	}

	thresh := g.Threshold
	if thresh == 0 {
		thresh = defaultGapThreshold
	}

	out := make([]aggregate.Segment, len(segments))
	copy(out, segments)

	speaker := "Speaker 1"
	out[0].Speaker = speaker
	for i := 1; i < len(out); i++ {
		// A missing chunk in the sequence is silence the timing can't
		// show, since offsets only accumulate over surviving chunks.
		seqGap := out[i].Seq > out[i-1].Seq+1
		if seqGap || out[i].StartSec-out[i-1].EndSec > thresh {
			if speaker == "Speaker 1" {
				speaker = "Speaker 2"
			} else {
				speaker = "Speaker 1"
			}
		}
		out[i].Speaker = speaker
	}
	return out, nil
}

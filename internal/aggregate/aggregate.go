// Package aggregate builds one ordered transcript from a session's chunks.
// The computation is pure and repeatable: the same chunk set always yields
// the same result, so it can run on early completion and again at
// finalization.
package aggregate

import (
	"sort"
	"strings"

	"github.com/minutesd/minutesd/internal/store"
)

// Segment is one chunk's contribution to the transcript with derived timing.
type Segment struct {
	Seq      int     `json:"seq"`
	StartSec float64 `json:"startSec"`
	EndSec   float64 `json:"endSec"`
	Speaker  string  `json:"speaker,omitempty"`
	Text     string  `json:"text"`
}

// Result is the assembled transcript and its derived stats.
type Result struct {
	Text        string    `json:"text"`
	Segments    []Segment `json:"segments"`
	WordCount   int       `json:"wordCount"`
	Speakers    []string  `json:"speakers"`
	DurationSec float64   `json:"durationSec"`
}

// Build assembles the transcript from chunks in transcribed status.
// Ordering is by sequence number only; arrival and completion order are
// irrelevant. Missing or failed sequence numbers are skipped, never waited
// on. Offsets are running sums of nominal chunk durations in sequence order.
func Build(chunks []store.Chunk) Result {
	usable := make([]store.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Status != store.ChunkTranscribed || c.Text == nil {
			continue
		}
		usable = append(usable, c)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i].Seq < usable[j].Seq })

	var (
		parts    []string
		segments []Segment
		words    int
		offset   float64
		speakers []string
		seen     = map[string]bool{}
	)

	for _, c := range usable {
		text := normalize(*c.Text)
		end := offset + c.DurationSec

		if text != "" {
			parts = append(parts, text)
			words += len(strings.Fields(text))
		}

		seg := Segment{Seq: c.Seq, StartSec: offset, EndSec: end, Text: text}
		if c.Speaker != nil && *c.Speaker != "" {
			seg.Speaker = *c.Speaker
			if !seen[*c.Speaker] {
				seen[*c.Speaker] = true
				speakers = append(speakers, *c.Speaker)
			}
		}
		segments = append(segments, seg)
		offset = end
	}

	return Result{
		Text:        strings.Join(parts, " "),
		Segments:    segments,
		WordCount:   words,
		Speakers:    speakers,
		DurationSec: offset,
	}
}

// normalize collapses all runs of whitespace to single spaces.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

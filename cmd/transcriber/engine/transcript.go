package engine

import "time"

// Segment is a single piece of recognized text, timestamped relative to the
// start of the audio buffer that produced it.
type Segment struct {
	Text    string
	StartMs int64
	EndMs   int64
	Tokens  []int32
}

// Transcript is an ordered sequence of Segments returned by the model for a
// single transcription request, together with the request's audio duration
// and the wall-clock time of sample 0 of that audio (spec §3 "Transcript
// entity").
type Transcript struct {
	Segments       []Segment
	AudioDuration  time.Duration
	StartTimestamp time.Time
}

// IsEmpty reports whether the transcript carries no segments.
func (t Transcript) IsEmpty() bool {
	return len(t.Segments) == 0
}

// Text concatenates every segment's text, space separated.
func (t Transcript) Text() string {
	var out string
	for i, s := range t.Segments {
		if i > 0 {
			out += " "
		}
		out += s.Text
	}
	return out
}

// SplitAtEndTime splits the transcript into a finalized half (every segment
// whose end time, measured from StartTimestamp, falls on or before cutoff)
// and a tentative half (the rest). When final is true every segment is
// considered finalized regardless of cutoff — this is the explicit
// final-request gate spec.md §9 OQ2 prefers over a far-future sentinel.
//
// The two halves' AudioDuration always sum to the original transcript's
// AudioDuration (spec §3; Slice.HandleTranscriptionResponse checks it).
func (t Transcript) SplitAtEndTime(cutoff time.Time, final bool) (finalized, tentative Transcript) {
	finalized.StartTimestamp = t.StartTimestamp
	tentative.StartTimestamp = t.StartTimestamp

	if final {
		finalized.Segments = t.Segments
		finalized.AudioDuration = t.AudioDuration
		return finalized, tentative
	}

	cutoffMs := cutoff.Sub(t.StartTimestamp).Milliseconds()

	splitAt := len(t.Segments)
	for i, s := range t.Segments {
		if s.EndMs > cutoffMs {
			splitAt = i
			break
		}
	}

	finalized.Segments = t.Segments[:splitAt]
	tentative.Segments = t.Segments[splitAt:]

	// The audio timeline is split at cutoff itself, not at a segment
	// boundary: silence between the last finalized segment and cutoff still
	// belongs to the finalized (about to be discarded) portion of the
	// buffer, and the two halves must always sum to the original duration
	// regardless of where segments happen to fall.
	clampedMs := cutoffMs
	if clampedMs < 0 {
		clampedMs = 0
	}
	totalMs := t.AudioDuration.Milliseconds()
	if clampedMs > totalMs {
		clampedMs = totalMs
	}

	finalized.AudioDuration = time.Duration(clampedMs) * time.Millisecond
	tentative.AudioDuration = t.AudioDuration - finalized.AudioDuration

	return finalized, tentative
}

package engine

import "time"

// MediaClock is the 48kHz wrap-around sample counter carried on incoming
// audio (the RTC/media clock of spec §3). It wraps every ~24.8 hours, so all
// arithmetic on it must go through Delta rather than a signed comparison.
type MediaClock uint32

const (
	// RTCSamplesPerMs is the number of MediaClock ticks per millisecond.
	RTCSamplesPerMs MediaClock = 48

	// WhisperSamplesPerMs is the number of internal mono samples per
	// millisecond once audio has been resampled to 16kHz.
	WhisperSamplesPerMs = 16
)

// Delta returns the number of ticks, interpreted as an unsigned forward
// offset, to get from a to b. It is the one directed-delta primitive all
// wrap-aware comparisons in this package are built on (spec §9).
func Delta(a, b MediaClock) uint32 {
	return uint32(b - a)
}

// Within reports whether ts lies in the half-open window
// [start, start+window), tolerating exactly one wraparound.
func Within(start, ts MediaClock, window uint32) bool {
	return Delta(start, ts) < window
}

// MillisToClock converts a millisecond duration to MediaClock ticks.
func MillisToClock(ms int64) MediaClock {
	return MediaClock(ms) * RTCSamplesPerMs
}

// DurationToClock converts a time.Duration to MediaClock ticks.
func DurationToClock(d time.Duration) MediaClock {
	return MillisToClock(d.Milliseconds())
}

// samplesToDuration converts a count of 16kHz mono samples to a duration.
func samplesToDuration(numSamples int) time.Duration {
	return time.Duration(numSamples/WhisperSamplesPerMs) * time.Millisecond
}

// durationToSamples converts a duration to a count of 16kHz mono samples.
func durationToSamples(d time.Duration) int {
	return int(d.Milliseconds()) * WhisperSamplesPerMs
}

// indexDelta returns the number of 16kHz samples spanned going from ts1 to
// ts2 on the media clock.
func indexDelta(ts1, ts2 MediaClock) int {
	delta := Delta(ts1, ts2)
	return int(delta) * WhisperSamplesPerMs / int(RTCSamplesPerMs)
}

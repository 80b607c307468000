package engine

import (
	"log/slog"
	"time"
)

// discordAudioMaxValueTwoSamples is the normalization constant for the
// resample step: the largest possible sum of a stereo int16 frame's two
// channels.
const discordAudioMaxValueTwoSamples = float32(32767) * 2

// bitrateConversionRatio is how many 48kHz stereo frames correspond to one
// 16kHz mono output sample (spec §3 "Conversion ratio").
const bitrateConversionRatio = 3

// requestInfo is the bookkeeping for the one outstanding transcription
// request a slice may have in flight (spec §3 "last_request").
type requestInfo struct {
	startWall                time.Time
	originalDuration         time.Duration
	audioTrimmedSinceRequest time.Duration
	inProgress               bool
	requestedAt              time.Time
	finalRequest             bool
}

func (r *requestInfo) effectiveDuration() time.Duration {
	return r.originalDuration - r.audioTrimmedSinceRequest
}

// sliceStart marks sample index 0 of a Slice's audio buffer on both clocks.
type sliceStart struct {
	mediaTS MediaClock
	wall    time.Time
}

// Slice is the per-speaker rolling audio buffer and its transcription
// bookkeeping (spec §3 "Slice entity", §4.1). It is owned exclusively by
// whichever goroutine drives the Buffer Manager; nothing in this type is
// safe for concurrent use, by design (spec §5: "Each Slice is owned solely
// by the buffer manager task").
type Slice struct {
	cfg Config

	audio      []float32
	start      *sliceStart
	finalized  bool
	lastReq    *requestInfo
	tentative  *Transcript
	sliceID    uint64
}

// NewSlice creates an empty slice for the given stable identifier (spec §3
// "slice_id"). The identifier survives Clear.
func NewSlice(sliceID uint64, cfg Config) *Slice {
	capSamples := int(cfg.AudioToRecord.Seconds()) * 1000 * WhisperSamplesPerMs
	return &Slice{
		cfg:     cfg,
		audio:   make([]float32, 0, capSamples),
		sliceID: sliceID,
	}
}

// SliceID returns the stable identifier passed to NewSlice.
func (s *Slice) SliceID() uint64 {
	return s.sliceID
}

// BufferDuration is invariant I1: audio.len()/16 ms.
func (s *Slice) BufferDuration() time.Duration {
	return samplesToDuration(len(s.audio))
}

// Clear resets a slice to the pristine state, preserving slice_id (spec §3
// "Lifecycle").
func (s *Slice) Clear() {
	slog.Debug("clearing audio slice", slog.Uint64("slice_id", s.sliceID))
	s.audio = s.audio[:0]
	s.finalized = false
	s.lastReq = nil
	s.start = nil
	s.tentative = nil
}

// FitsWithinThisSlice reports whether ts lies within the admissible window
// of this slice (spec §4.1 "fits_within_this_slice"). An empty slice admits
// any timestamp.
func (s *Slice) FitsWithinThisSlice(ts MediaClock) bool {
	if s.start == nil {
		return true
	}

	currentEnd := s.start.mediaTS + DurationToClock(s.BufferDuration())
	window := uint32(DurationToClock(s.cfg.AudioToRecord))
	fits := Within(s.start.mediaTS, ts, uint32(currentEnd-s.start.mediaTS)+window)

	if !fits {
		slog.Debug("timestamp does not fit within slice",
			slog.Uint64("slice_id", s.sliceID),
			slog.Uint64("ts", uint64(ts)),
			slog.Uint64("start", uint64(s.start.mediaTS)))
	}
	return fits
}

// AddAudio appends decoded stereo 48kHz PCM at media timestamp ts (spec
// §4.1 "add_audio"). Frames that fall outside the admissible window are
// dropped, as are malformed ones; this never implicitly starts a new slice.
func (s *Slice) AddAudio(ts MediaClock, pcm []int16) error {
	if len(pcm)%(bitrateConversionRatio*2) != 0 {
		slog.Warn("malformed pcm frame, dropping",
			slog.Uint64("slice_id", s.sliceID), slog.Int("len", len(pcm)))
		return ErrMalformedFrame
	}

	if !s.FitsWithinThisSlice(ts) {
		slog.Debug("trying to add audio to inactive slice, dropping audio",
			slog.Uint64("slice_id", s.sliceID))
		return ErrOutOfWindowAudio
	}
	s.finalized = false

	var startIndex int
	if s.start != nil {
		startIndex = indexDelta(s.start.mediaTS, ts)
	} else {
		s.start = &sliceStart{mediaTS: ts, wall: time.Now()}
		startIndex = 0
	}

	s.resample(startIndex, pcm)
	return nil
}

// resample converts pcm (48kHz stereo int16) into s.audio[startIndex:] as
// 16kHz mono float32, zero-padding any gap and growing the buffer as
// needed. This is spec §4.1's "Write the resampled/downmixed samples".
func (s *Slice) resample(startIndex int, pcm []int16) {
	outLen := len(pcm) / (bitrateConversionRatio * 2)
	endIndex := startIndex + outLen

	if endIndex > len(s.audio) {
		grown := make([]float32, endIndex)
		copy(grown, s.audio)
		s.audio = grown
	}

	dest := s.audio[startIndex:endIndex]
	frameStride := bitrateConversionRatio * 2
	for i := range dest {
		frame := pcm[i*frameStride : i*frameStride+frameStride]
		// Sum the first stereo frame of every group of
		// bitrateConversionRatio frames (decimation + downmix); the
		// remaining frames in the group are discarded by design, the
		// same tradeoff the reference implementation makes.
		sum := float32(frame[0]) + float32(frame[1])
		dest[i] = sum / discordAudioMaxValueTwoSamples
	}
}

// isReadyForTranscription implements spec §4.1's readiness rules for
// make_transcription_request.
func (s *Slice) isReadyForTranscription(userIdle bool) bool {
	if s.start == nil {
		return false
	}
	if s.finalized {
		return true
	}
	if s.lastReq != nil && s.lastReq.inProgress {
		if !userIdle {
			return false
		}
		// userIdle relaxes invariant I3 for exactly this one case.
		return true
	}
	if userIdle {
		return true
	}

	currentPeriod := s.BufferDuration().Milliseconds() / s.cfg.AutoTranscriptionPeriod.Milliseconds()
	var lastPeriod int64
	if s.lastReq != nil {
		lastPeriod = s.lastReq.effectiveDuration().Milliseconds() / s.cfg.AutoTranscriptionPeriod.Milliseconds()
	}
	return lastPeriod != currentPeriod
}

// MakeTranscriptionRequest produces a snapshot to hand to the Dispatcher.
// It returns a nil request and a nil error if the slice simply isn't ready
// yet, or ErrDuplicateRequest if the snapshot would duplicate the
// outstanding request (spec §4.1 "make_transcription_request").
func (s *Slice) MakeTranscriptionRequest(userIdle bool) (*TranscriptionRequest, error) {
	if !s.isReadyForTranscription(userIdle) {
		return nil, nil
	}
	if s.start == nil {
		return nil, nil
	}

	duration := s.BufferDuration()
	startWall := s.start.wall

	newReq := &requestInfo{
		startWall:        startWall,
		originalDuration: duration,
		inProgress:       true,
		requestedAt:      time.Now(),
		finalRequest:     s.finalized,
	}

	if s.lastReq != nil && s.lastReq.startWall.Equal(newReq.startWall) && s.lastReq.originalDuration == newReq.originalDuration {
		slog.Debug("discarding duplicate transcription request", slog.Uint64("slice_id", s.sliceID))
		if newReq.finalRequest {
			s.lastReq.finalRequest = true
		}
		return nil, ErrDuplicateRequest
	}

	slog.Debug("requesting transcription",
		slog.Uint64("slice_id", s.sliceID), slog.Int64("duration_ms", duration.Milliseconds()))

	s.lastReq = newReq

	return &TranscriptionRequest{
		SliceID:   s.sliceID,
		StartWall: startWall,
		Duration:  duration,
		Audio:     EncodeAudio(s.audio),
		Final:     newReq.finalRequest,
	}, nil
}

// DiscardAudio removes the first d of audio, advancing start on both
// clocks (spec §4.1 "discard_audio", invariant I5).
func (s *Slice) DiscardAudio(d time.Duration) {
	if d <= 0 {
		return
	}

	discardSamples := durationToSamples(d)
	if discardSamples >= len(s.audio) {
		s.Clear()
		return
	}

	slog.Debug("discarding audio",
		slog.Uint64("slice_id", s.sliceID),
		slog.Int64("discard_ms", d.Milliseconds()),
		slog.Int64("buffer_ms", s.BufferDuration().Milliseconds()))

	remaining := len(s.audio) - discardSamples
	copy(s.audio, s.audio[discardSamples:])
	s.audio = s.audio[:remaining]

	if s.start != nil {
		s.start = &sliceStart{
			mediaTS: s.start.mediaTS + DurationToClock(d),
			wall:    s.start.wall.Add(d),
		}
	}

	if s.lastReq != nil {
		s.lastReq.audioTrimmedSinceRequest += d
	}
}

// Finalize marks the slice finalized (spec §4.1 "finalize"). If a tentative
// transcript exists whose audio duration exactly matches the current
// buffer, it is consumed, the slice cleared, and the transcript returned;
// otherwise nil is returned and the caller relies on the next response to
// close the gap.
func (s *Slice) Finalize() *Transcript {
	s.finalized = true

	slog.Debug("finalizing slice", slog.Uint64("slice_id", s.sliceID),
		slog.Int64("buffer_ms", s.BufferDuration().Milliseconds()))

	if s.tentative == nil {
		return nil
	}

	tentative := *s.tentative
	s.tentative = nil

	if tentative.AudioDuration != s.BufferDuration() {
		slog.Debug("tentative transcript duration mismatch at finalize, dropping",
			slog.Uint64("slice_id", s.sliceID),
			slog.Int64("tentative_ms", tentative.AudioDuration.Milliseconds()),
			slog.Int64("buffer_ms", s.BufferDuration().Milliseconds()))
		return nil
	}

	s.Clear()

	return &tentative
}

// HandleTranscriptionResponse reconciles a returning transcript against the
// outstanding request (spec §4.1 "handle_transcription_response",
// invariant I6). It returns ErrStaleResponse if there is no outstanding
// request to reconcile against, or the response doesn't match the one
// issued.
func (s *Slice) HandleTranscriptionResponse(resp TranscriptionResponse) (*Transcript, error) {
	if s.lastReq == nil {
		slog.Debug("ignoring transcription response with no outstanding request",
			slog.Uint64("slice_id", s.sliceID))
		return nil, ErrStaleResponse
	}
	if !s.lastReq.startWall.Equal(resp.StartTimestamp) || s.lastReq.originalDuration != resp.AudioDuration {
		slog.Debug("ignoring stale transcription response",
			slog.Uint64("slice_id", s.sliceID),
			slog.Time("got_start", resp.StartTimestamp), slog.Time("want_start", s.lastReq.startWall),
			slog.Int64("got_ms", resp.AudioDuration.Milliseconds()), slog.Int64("want_ms", s.lastReq.originalDuration.Milliseconds()))
		return nil, ErrStaleResponse
	}

	s.lastReq.inProgress = false

	var cutoff time.Time
	if !s.lastReq.finalRequest {
		cutoff = s.lastReq.requestedAt.Add(-s.cfg.FinalizeCutoff)
	}

	transcript := Transcript{
		Segments:       resp.Segments,
		AudioDuration:  resp.AudioDuration,
		StartTimestamp: resp.StartTimestamp,
	}
	finalTranscript, tentativeTranscript := transcript.SplitAtEndTime(cutoff, s.lastReq.finalRequest)

	if finalTranscript.AudioDuration+tentativeTranscript.AudioDuration != resp.AudioDuration {
		slog.Error("split_at_end_time duration mismatch, dropping response",
			slog.Uint64("slice_id", s.sliceID))
		return nil, ErrStaleResponse
	}

	slog.Debug("have transcription",
		slog.Uint64("slice_id", s.sliceID),
		slog.Int("final_segments", len(finalTranscript.Segments)),
		slog.Int64("final_ms", finalTranscript.AudioDuration.Milliseconds()),
		slog.Int("tentative_segments", len(tentativeTranscript.Segments)),
		slog.Int64("tentative_ms", tentativeTranscript.AudioDuration.Milliseconds()))

	s.DiscardAudio(finalTranscript.AudioDuration)

	if s.BufferDuration() == tentativeTranscript.AudioDuration {
		s.tentative = &tentativeTranscript
	} else {
		s.tentative = nil
	}

	if finalTranscript.IsEmpty() {
		return nil, nil
	}
	return &finalTranscript, nil
}

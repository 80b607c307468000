package engine

import (
	"context"
	"time"
)

// SpeakerID identifies one participant's audio stream. It is opaque to the
// engine; the call package maps it from a session/track ID.
type SpeakerID uint64

// AudioFrame is the inbound audio frame contract of spec §6: decoded,
// not-yet-resampled stereo PCM at 48kHz, tagged with its media clock
// timestamp. Decoding Opus into this shape is the decoder task's job (spec
// §1, out of core scope); the engine only ever sees this struct.
type AudioFrame struct {
	SpeakerID SpeakerID
	MediaTS   MediaClock
	PCM       []int16 // interleaved stereo, 16-bit signed, 48kHz
}

// TranscriptionRequest is the outbound request contract of spec §6: a
// snapshot of one slice's buffer, handed to the Dispatcher.
type TranscriptionRequest struct {
	SliceID   uint64
	StartWall time.Time
	Duration  time.Duration
	Audio     []byte // little-endian float32 mono 16kHz, see EncodeAudio
	Final     bool
}

// TranscriptionResponse is the inbound response contract of spec §6.
type TranscriptionResponse struct {
	SliceID        uint64
	StartTimestamp time.Time
	AudioDuration  time.Duration
	Segments       []Segment
}

// FinalizedEvent is the outbound event surfaced to the application once a
// slice yields stable text (spec §6 "Outbound finalized event").
type FinalizedEvent struct {
	SpeakerID  SpeakerID
	StartWall  time.Time
	Transcript Transcript
}

// Model is the speech-to-text model runtime collaborator (spec §1, "the
// speech-to-text model runtime" — out of core scope, specified here only by
// its interface). The Dispatcher is the sole caller; the model is assumed
// non-reentrant, hence one call in flight at a time.
type Model interface {
	Transcribe(ctx context.Context, audio []byte, sampleRate int, tokensToKeep int) ([]Segment, error)
}

// EncodeAudio serializes mono float32 samples at 16kHz into the explicit
// little-endian wire format named in spec §9 ("Unsafe byte aliasing of float
// buffer"), in place of reinterpreting the float slice's memory as bytes.
func EncodeAudio(samples []float32) []byte {
	out := make([]byte, 0, len(samples)*4)
	var buf [4]byte
	for _, s := range samples {
		putFloat32LE(buf[:], s)
		out = append(out, buf[:]...)
	}
	return out
}

// DecodeAudio is the inverse of EncodeAudio, used by Model adapters and by
// tests constructing fixtures.
func DecodeAudio(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = float32FromLE(data[i*4 : i*4+4])
	}
	return out
}

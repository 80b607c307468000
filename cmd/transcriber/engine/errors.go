package engine

import "errors"

// Error taxonomy of spec §7. None of these ever escapes the core: Slice and
// TranscriptionDispatcher return or wrap them, but every call site in
// BufferManager logs and continues rather than propagating further, exactly
// as the table mandates. They exist as sentinel values so tests can assert
// on "which edge fired" with errors.Is, not so callers propagate them.
var (
	ErrOutOfWindowAudio  = errors.New("audio timestamp outside admissible window")
	ErrStaleResponse     = errors.New("transcription response does not match outstanding request")
	ErrDuplicateRequest  = errors.New("transcription snapshot identical to last request")
	ErrMalformedFrame    = errors.New("pcm frame length not a multiple of 12 bytes")
	ErrModelFailure      = errors.New("model worker reported failure")
	ErrShutdownRequested = errors.New("shutdown signal observed")
)

package engine

import "time"

// Tunables of spec §6. Compile-time defaults, overridable per Config value
// (the Buffer Manager owns one Config and hands it to every Slice it
// creates, mirroring config.CallTranscriberConfig's own default pattern).
const (
	AudioToRecordSecondsDefault  = 30
	AutoTranscriptionPeriodMsDefault = 5000
	FinalizeCutoffMsDefault      = 1000
	VADSilenceMsDefault          = 2000
	DiscardUserAudioAfterMinDefault = 10
	MinAudioThresholdMsDefault   = 500
	TokensToKeepDefault          = 1024
)

// Config carries every tunable named in spec §6, split from VAD's own
// silence window (VADSilenceMs) per spec §9 OQ1.
type Config struct {
	// AudioToRecord is how much rolling audio a slice keeps, and also the
	// slack window past the buffer's current end that an incoming
	// timestamp is allowed to land in (AUDIO_TO_RECORD_WINDOW of spec §4.1).
	AudioToRecord time.Duration

	// AutoTranscriptionPeriod is the period boundary whose crossing
	// triggers an incremental transcription request.
	AutoTranscriptionPeriod time.Duration

	// FinalizeCutoff is how far back from a request's issue time segments
	// must end to be considered stable (spec §4.1 step 3).
	FinalizeCutoff time.Duration

	// VADSilence is the Voice Activity Monitor's own idle window, split
	// from FinalizeCutoff per spec §9 OQ1: it governs when a speaker is
	// declared silent, not which segments of a response are trustworthy.
	VADSilence time.Duration

	// DiscardUserAudioAfter is the idle duration after which the Buffer
	// Manager evicts a speaker's slice entirely (spec §4.2).
	DiscardUserAudioAfter time.Duration

	// MinAudioThreshold is the shortest buffer duration the Buffer Manager
	// will bother dispatching (spec §6).
	MinAudioThreshold time.Duration

	// TokensToKeep is the context-window hint forwarded to the model.
	TokensToKeep int
}

// DefaultConfig returns the tunables named in spec §6 at their stated
// defaults.
func DefaultConfig() Config {
	return Config{
		AudioToRecord:           AudioToRecordSecondsDefault * time.Second,
		AutoTranscriptionPeriod: AutoTranscriptionPeriodMsDefault * time.Millisecond,
		FinalizeCutoff:          FinalizeCutoffMsDefault * time.Millisecond,
		VADSilence:              VADSilenceMsDefault * time.Millisecond,
		DiscardUserAudioAfter:   DiscardUserAudioAfterMinDefault * time.Minute,
		MinAudioThreshold:       MinAudioThresholdMsDefault * time.Millisecond,
		TokensToKeep:            TokensToKeepDefault,
	}
}

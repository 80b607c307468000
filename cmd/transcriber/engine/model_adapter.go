package engine

import (
	"context"

	"github.com/mattermost/calls-voice-engine/cmd/transcriber/transcribe"
)

// TranscriberModel adapts the existing whisper.cpp/Azure transcribe.Transcriber
// collaborators (whichever one the caller configured) to the Model
// interface the Dispatcher depends on. transcribe.Transcriber takes no
// tokensToKeep, neither per call nor in its construction config, so this
// adapter carries it only to satisfy Model's signature and ignores it.
type TranscriberModel struct {
	Transcriber transcribe.Transcriber
}

func (m TranscriberModel) Transcribe(_ context.Context, audio []byte, _ int, _ int) ([]Segment, error) {
	samples := DecodeAudio(audio)

	raw, _, err := m.Transcriber.Transcribe(samples)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(raw))
	for _, s := range raw {
		segments = append(segments, Segment{
			Text:    s.Text,
			StartMs: s.StartTS,
			EndMs:   s.EndTS,
		})
	}
	return segments, nil
}

package call

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mattermost/calls-voice-engine/cmd/transcriber/apis/whisper.cpp"
	"github.com/mattermost/calls-voice-engine/cmd/transcriber/config"
	"github.com/mattermost/calls-voice-engine/cmd/transcriber/engine"
	"github.com/mattermost/calls-voice-engine/cmd/transcriber/opus"
	"github.com/mattermost/calls-voice-engine/cmd/transcriber/transcribe"

	"github.com/mattermost/mattermost-plugin-calls/server/public"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// pktPayloadChBuffer caps how much raw Opus backs up per track waiting to
	// be decoded before we start dropping packets rather than let a stalled
	// consumer grow memory without bound.
	pktPayloadChBuffer = trackInAudioRate / trackInFrameSize * 12

	// engineEventsChBuffer is shared by every track feeding the buffer
	// manager; 512 events of 20ms frames is about ten seconds of audio in
	// total, split across however many speakers are talking.
	engineEventsChBuffer = 512

	// engineTickInterval drives the buffer manager's periodic sweep for
	// period-crossing transcription requests (spec'd as a tick, not a timer
	// per speaker: one sweep covers every tracked speaker).
	engineTickInterval = 500 * time.Millisecond
)

// rtpAudioPacket carries one track's raw Opus payload together with the RTP
// timestamp it arrived with; the timestamp becomes the frame's position on
// the media clock once decoded.
type rtpAudioPacket struct {
	timestamp uint32
	payload   []byte
}

// speakerIDForSession derives a stable SpeakerID from a call session ID.
// Session IDs are already unique per participant for the lifetime of the
// call, so hashing them is enough; we don't need a second identity scheme.
func speakerIDForSession(sessionID string) engine.SpeakerID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	return engine.SpeakerID(h.Sum64())
}

// speakerInfo is what the buffer manager's finalized events need translated
// back into a websocket caption message.
type speakerInfo struct {
	sessionID string
	user      *model.User
}

// engineEvent is posted onto Transcriber.engineEvents and applied by the
// single goroutine that owns the buffer manager (runEngine). Every other
// goroutine (per-track ingestion, the dispatcher, the voice activity
// monitor, the tick loop) only ever produces events; none of them touch the
// buffer manager directly.
type engineEvent interface {
	applyTo(bm *engine.BufferManager)
}

type audioEvent engine.AudioFrame

func (e audioEvent) applyTo(bm *engine.BufferManager) {
	bm.HandleAudio(engine.AudioFrame(e))
}

type silenceEvent struct {
	speaker engine.SpeakerID
	silent  bool
}

func (e silenceEvent) applyTo(bm *engine.BufferManager) {
	bm.HandleSilenceEdge(e.speaker, e.silent)
}

type tickEvent struct {
	speaker  engine.SpeakerID
	userIdle bool
}

func (e tickEvent) applyTo(bm *engine.BufferManager) {
	bm.Tick(e.speaker, e.userIdle)
}

type responseEvent struct {
	speaker engine.SpeakerID
	resp    engine.TranscriptionResponse
}

func (e responseEvent) applyTo(bm *engine.BufferManager) {
	bm.HandleResponse(e.speaker, e.resp)
}

// vadSink adapts the Voice Activity Monitor's silence-edge callback into an
// engineEvent post, keeping the buffer manager single-owner.
type vadSink struct {
	trackID string
	events  chan<- engineEvent
}

func (v vadSink) HandleSilenceEdge(speaker engine.SpeakerID, silent bool) {
	select {
	case v.events <- silenceEvent{speaker: speaker, silent: silent}:
	default:
		slog.Warn("dropping silence edge event, engine queue full", slog.Uint64("speaker_id", uint64(speaker)))
	}
}

// dispatchSink adapts the Transcription Dispatcher's response callback the
// same way.
type dispatchSink struct {
	events chan<- engineEvent
}

func (d dispatchSink) HandleResponse(speaker engine.SpeakerID, resp engine.TranscriptionResponse) {
	select {
	case d.events <- responseEvent{speaker: speaker, resp: resp}:
	default:
		slog.Warn("dropping transcription response event, engine queue full", slog.Uint64("speaker_id", uint64(speaker)))
	}
}

// startLiveCaptionsEngine builds the buffer manager, voice activity monitor
// and transcription dispatcher and starts the goroutines that drive them.
// Called once per Transcriber, not once per track.
func (t *Transcriber) startLiveCaptionsEngine(ctx context.Context) error {
	mdl, transcriber, err := t.newEngineModel()
	if err != nil {
		return fmt.Errorf("failed to create live captions transcriber: %w", err)
	}
	t.engineTranscriber = transcriber
	t.engineEvents = make(chan engineEvent, engineEventsChBuffer)
	t.engineSpeakers = make(map[engine.SpeakerID]speakerInfo)

	reg := prometheus.DefaultRegisterer
	cfg := t.cfg.EngineConfig()

	t.engineDispatcher = engine.NewTranscriptionDispatcher(mdl, trackOutAudioRate, cfg.TokensToKeep, dispatchSink{events: t.engineEvents}, reg)
	t.engineBufferManager = engine.NewBufferManager(cfg, t.engineDispatcher, reg, t.onFinalizedTranscript)
	t.engineVAD = engine.NewVoiceActivityMonitor(cfg.VADSilence, vadSink{events: t.engineEvents}, nil)

	go t.runEngine(ctx)
	go t.engineDispatcher.Run(ctx)
	go t.engineVAD.Run(ctx)
	go t.runEngineTicker(ctx)

	return nil
}

// runEngine is the sole goroutine allowed to call methods on
// engineBufferManager, per its single-owner contract.
func (t *Transcriber) runEngine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.engineBufferManager.Shutdown(ctx)
			return
		case ev := <-t.engineEvents:
			ev.applyTo(t.engineBufferManager)
		}
	}
}

// runEngineTicker sweeps every tracked speaker on a fixed interval so
// period-crossing transcription requests (spec's auto_transcription_period)
// fire even for a speaker who never goes silent.
func (t *Transcriber) runEngineTicker(ctx context.Context) {
	ticker := time.NewTicker(engineTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, speaker := range t.engineBufferManager.Speakers() {
				select {
				case t.engineEvents <- tickEvent{speaker: speaker, userIdle: false}:
				default:
					slog.Warn("dropping tick event, engine queue full", slog.Uint64("speaker_id", uint64(speaker)))
				}
			}
		}
	}
}

// registerSpeaker records which session/user a speaker ID maps back to, so
// a finalized transcript can be routed to the right websocket session.
func (t *Transcriber) registerSpeaker(speaker engine.SpeakerID, sessionID string, user *model.User) {
	t.engineMu.Lock()
	defer t.engineMu.Unlock()
	t.engineSpeakers[speaker] = speakerInfo{sessionID: sessionID, user: user}
}

func (t *Transcriber) speakerInfo(speaker engine.SpeakerID) (speakerInfo, bool) {
	t.engineMu.Lock()
	defer t.engineMu.Unlock()
	info, ok := t.engineSpeakers[speaker]
	return info, ok
}

func (t *Transcriber) unregisterSpeaker(speaker engine.SpeakerID) {
	t.engineMu.Lock()
	defer t.engineMu.Unlock()
	delete(t.engineSpeakers, speaker)
}

// onFinalizedTranscript is the buffer manager's onFinalized callback. It
// runs on the runEngine goroutine, so it must not block on anything slow.
func (t *Transcriber) onFinalizedTranscript(event engine.FinalizedEvent) {
	if event.Transcript.IsEmpty() {
		return
	}

	info, ok := t.speakerInfo(event.SpeakerID)
	if !ok {
		slog.Debug("dropping finalized transcript for unknown speaker",
			slog.Uint64("speaker_id", uint64(event.SpeakerID)))
		return
	}

	if err := t.client.SendWs(wsEvCaption, public.CaptionMsg{
		SessionID:     info.sessionID,
		UserID:        info.user.Id,
		Text:          event.Transcript.Text(),
		NewAudioLenMs: float64(event.Transcript.AudioDuration.Milliseconds()),
	}, false); err != nil {
		slog.Error("onFinalizedTranscript: error sending ws captions", slog.String("err", err.Error()))
	}
}

// processLiveCaptionsForTrack decodes one track's Opus payloads into 48KHz
// mono PCM, duplicates each sample across both stereo channels (the real
// tracks are mono; the engine's resample math is grounded in a stereo input
// and folds L+R back down, so L=R=sample reproduces it exactly), and feeds
// the result into the shared buffer manager.
func (t *Transcriber) processLiveCaptionsForTrack(ctx trackContext, pkts <-chan rtpAudioPacket) {
	opusDec, err := opus.NewDecoder(trackInAudioRate, trackAudioChannels)
	if err != nil {
		slog.Error("processLiveCaptionsForTrack: failed to create opus decoder for live captions",
			slog.String("err", err.Error()), slog.String("trackID", ctx.trackID))
		return
	}
	defer func() {
		if err := opusDec.Destroy(); err != nil {
			slog.Error("processLiveCaptionsForTrack: failed to destroy decoder", slog.String("err", err.Error()),
				slog.String("trackID", ctx.trackID))
		}
		slog.Debug("processLiveCaptionsForTrack: finished processing live captions",
			slog.String("trackID", ctx.trackID))
	}()

	speaker := speakerIDForSession(ctx.sessionID)
	t.registerSpeaker(speaker, ctx.sessionID, ctx.user)
	defer t.engineVAD.Forget(speaker)
	defer t.unregisterSpeaker(speaker)

	pcmBuf := make([]int16, trackInFrameSize)

	for pkt := range pkts {
		n, err := opusDec.DecodeInt16(pkt.payload, pcmBuf)
		if err != nil {
			slog.Error("processLiveCaptionsForTrack: failed to decode audio data",
				slog.String("err", err.Error()), slog.String("trackID", ctx.trackID))
			continue
		}

		frame := make([]int16, n*2)
		for i, s := range pcmBuf[:n] {
			frame[2*i] = s
			frame[2*i+1] = s
		}

		t.engineVAD.NoteAudio(speaker)

		select {
		case t.engineEvents <- audioEvent(engine.AudioFrame{
			SpeakerID: speaker,
			MediaTS:   engine.MediaClock(pkt.timestamp),
			PCM:       frame,
		}):
		default:
			if err := t.client.SendWs(wsEvMetric, public.MetricMsg{
				SessionID:  ctx.sessionID,
				MetricName: public.MetricLiveCaptionsTranscriberBufFull,
			}, false); err != nil {
				slog.Error("processLiveCaptionsForTrack: error sending wsEvMetric MetricLiveCaptionsTranscriberBufFull",
					slog.String("err", err.Error()),
					slog.String("trackID", ctx.trackID))
			}
		}
	}
}

// newEngineModel builds the Model the transcription dispatcher drives,
// wrapping whichever transcribe.Transcriber backend is configured. Live
// captioning only supports whisper.cpp today: Azure's speech SDK is tuned
// for the full-track, end-of-call transcription path in tracks.go, not
// repeated low-latency incremental calls.
func (t *Transcriber) newEngineModel() (engine.Model, transcribe.Transcriber, error) {
	switch t.cfg.TranscribeAPI {
	case config.TranscribeAPIWhisperCPP:
		tr, err := whisper.NewContext(whisper.Config{
			ModelFile:  filepath.Join(getModelsDir(), fmt.Sprintf("ggml-%s.bin", string(t.cfg.LiveCaptionsModelSize))),
			NumThreads: t.cfg.LiveCaptionsNumThreadsPerTranscriber,
		})
		if err != nil {
			return nil, nil, err
		}
		return engine.TranscriberModel{Transcriber: tr}, tr, nil
	default:
		return nil, nil, fmt.Errorf("live captions transcribe API %q not implemented", t.cfg.TranscribeAPI)
	}
}

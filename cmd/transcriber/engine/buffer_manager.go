package engine

import (
	"context"
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// bufferManagerMetrics holds one counter per observable event, registered
// on the caller's registerer so callers can fold it into their existing
// /metrics endpoint.
type bufferManagerMetrics struct {
	slicesEvicted   prometheus.Counter
	framesDropped   prometheus.Counter
	requestsIssued  prometheus.Counter
	finalizedEvents prometheus.Counter
}

func newBufferManagerMetrics(reg prometheus.Registerer) *bufferManagerMetrics {
	factory := promauto.With(reg)
	return &bufferManagerMetrics{
		slicesEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transcriber",
			Subsystem: "buffer_manager",
			Name:      "slices_evicted_total",
			Help:      "Number of speaker slices evicted for prolonged silence.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transcriber",
			Subsystem: "buffer_manager",
			Name:      "frames_dropped_total",
			Help:      "Number of audio frames dropped as out-of-window or malformed.",
		}),
		requestsIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transcriber",
			Subsystem: "buffer_manager",
			Name:      "transcription_requests_total",
			Help:      "Number of transcription requests dispatched.",
		}),
		finalizedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transcriber",
			Subsystem: "buffer_manager",
			Name:      "finalized_events_total",
			Help:      "Number of finalized transcript events emitted.",
		}),
	}
}

// Dispatch is the narrow collaborator the Buffer Manager hands requests to.
// TranscriptionDispatcher satisfies it; tests can fake it directly.
type Dispatch interface {
	Submit(speaker SpeakerID, req TranscriptionRequest)
}

// BufferManager owns every speaker's Slice and is the sole mutator of any
// of them (spec §4.2, §5 "buffer manager task"). It is driven by a single
// goroutine; none of its methods are safe to call concurrently.
type BufferManager struct {
	cfg      Config
	dispatch Dispatch
	metrics  *bufferManagerMetrics

	slices *expirable.LRU[SpeakerID, *Slice]

	onFinalized func(FinalizedEvent)
}

// NewBufferManager constructs a BufferManager. onFinalized is invoked
// synchronously whenever a slice yields stable text; reg may be nil, in
// which case a private registry is used so metrics are still valid but not
// exported anywhere.
func NewBufferManager(cfg Config, dispatch Dispatch, reg prometheus.Registerer, onFinalized func(FinalizedEvent)) *BufferManager {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	bm := &BufferManager{
		cfg:         cfg,
		dispatch:    dispatch,
		metrics:     newBufferManagerMetrics(reg),
		onFinalized: onFinalized,
	}

	bm.slices = expirable.NewLRU[SpeakerID, *Slice](0, func(speaker SpeakerID, _ *Slice) {
		slog.Debug("evicting idle speaker slice", slog.Uint64("speaker_id", uint64(speaker)))
		bm.metrics.slicesEvicted.Inc()
	}, cfg.DiscardUserAudioAfter)

	return bm
}

// sliceFor returns the speaker's slice, creating one on first sight. The
// slice_id is the speaker ID itself, so a speaker's slice_id is stable
// across Clear (spec §3) and stays the same when the LRU evicts and
// re-admits them. Each call renews the speaker's eviction deadline.
func (b *BufferManager) sliceFor(speaker SpeakerID) *Slice {
	if s, ok := b.slices.Get(speaker); ok {
		b.slices.Add(speaker, s)
		return s
	}
	s := NewSlice(uint64(speaker), b.cfg)
	b.slices.Add(speaker, s)
	return s
}

// HandleAudio routes one decoded frame to its speaker's slice (spec §4.2
// "audio_added").
func (b *BufferManager) HandleAudio(frame AudioFrame) {
	s := b.sliceFor(frame.SpeakerID)
	if err := s.AddAudio(frame.MediaTS, frame.PCM); err != nil {
		slog.Debug("audio frame dropped", slog.Uint64("speaker_id", uint64(frame.SpeakerID)),
			slog.String("err", err.Error()))
		b.metrics.framesDropped.Inc()
	}
}

// HandleSilenceEdge is called by the Voice Activity Monitor when a speaker
// crosses from speaking to silent (spec §4.3 "silence_started" ->
// finalize), or vice versa, in which case it is a no-op here: the next
// AddAudio call naturally un-finalizes the slice.
func (b *BufferManager) HandleSilenceEdge(speaker SpeakerID, silent bool) {
	s, ok := b.slices.Get(speaker)
	if !ok || !silent {
		return
	}

	transcript := s.Finalize()
	b.maybeDispatch(speaker, s, true)

	if transcript != nil {
		b.emitFinalized(speaker, *transcript)
	}
}

// Tick drives the periodic sweep the Buffer Manager task performs: for
// every active slice, ask if it's ready for an incremental transcription
// request and submit one if so (spec §4.1 "auto_transcription_period").
// userIdle carries the Voice Activity Monitor's verdict for that speaker.
func (b *BufferManager) Tick(speaker SpeakerID, userIdle bool) {
	s, ok := b.slices.Get(speaker)
	if !ok {
		return
	}
	b.maybeDispatch(speaker, s, userIdle)
}

// Speakers returns every speaker currently tracked, for callers driving a
// periodic sweep without threading voice-activity state through for every
// one of them (spec §4.1's own "tick" case: period crossing alone, distinct
// from the idle-relaxation path HandleSilenceEdge already covers).
func (b *BufferManager) Speakers() []SpeakerID {
	return b.slices.Keys()
}

func (b *BufferManager) maybeDispatch(speaker SpeakerID, s *Slice, userIdle bool) {
	if s.BufferDuration() < b.cfg.MinAudioThreshold && !s.finalized {
		return
	}

	req, err := s.MakeTranscriptionRequest(userIdle)
	if err != nil {
		slog.Debug("transcription request suppressed", slog.Uint64("speaker_id", uint64(speaker)),
			slog.String("err", err.Error()))
		return
	}
	if req == nil {
		return
	}

	b.metrics.requestsIssued.Inc()
	b.dispatch.Submit(speaker, *req)
}

// HandleResponse reconciles a model response against the issuing speaker's
// slice and surfaces any finalized transcript (spec §4.1
// "handle_transcription_response").
func (b *BufferManager) HandleResponse(speaker SpeakerID, resp TranscriptionResponse) {
	s, ok := b.slices.Get(speaker)
	if !ok {
		slog.Debug("transcription response for unknown/evicted speaker",
			slog.Uint64("speaker_id", uint64(speaker)))
		return
	}

	transcript, err := s.HandleTranscriptionResponse(resp)
	if err != nil {
		slog.Debug("transcription response rejected", slog.Uint64("speaker_id", uint64(speaker)),
			slog.String("err", err.Error()))
	}
	if transcript != nil {
		b.emitFinalized(speaker, *transcript)
	}
}

func (b *BufferManager) emitFinalized(speaker SpeakerID, transcript Transcript) {
	b.metrics.finalizedEvents.Inc()
	if b.onFinalized == nil {
		return
	}
	b.onFinalized(FinalizedEvent{
		SpeakerID:  speaker,
		StartWall:  transcript.StartTimestamp,
		Transcript: transcript,
	})
}

// Shutdown finalizes every outstanding slice and emits whatever transcript
// falls out, mirroring ErrShutdownRequested's "drain, don't discard"
// handling (spec §7).
func (b *BufferManager) Shutdown(ctx context.Context) {
	slog.Debug("buffer manager draining for shutdown", slog.String("err", ErrShutdownRequested.Error()))
	for _, speaker := range b.slices.Keys() {
		s, ok := b.slices.Get(speaker)
		if !ok {
			continue
		}
		if transcript := s.Finalize(); transcript != nil {
			b.emitFinalized(speaker, *transcript)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

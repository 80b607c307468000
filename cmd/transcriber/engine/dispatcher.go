package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResponseSink is where the Dispatcher delivers a model's answer, keyed by
// the speaker the originating slice belongs to. BufferManager.HandleResponse
// satisfies it.
type ResponseSink interface {
	HandleResponse(speaker SpeakerID, resp TranscriptionResponse)
}

// dispatchJob pairs a request with the speaker it belongs to, since
// TranscriptionRequest itself only carries a slice ID.
type dispatchJob struct {
	speaker SpeakerID
	req     TranscriptionRequest
}

type dispatcherMetrics struct {
	queueDepth      prometheus.Gauge
	modelFailures   prometheus.Counter
	modelLatency    prometheus.Histogram
}

func newDispatcherMetrics(reg prometheus.Registerer) *dispatcherMetrics {
	factory := promauto.With(reg)
	return &dispatcherMetrics{
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "transcriber",
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Number of transcription requests queued for the model worker.",
		}),
		modelFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "transcriber",
			Subsystem: "dispatcher",
			Name:      "model_failures_total",
			Help:      "Number of model calls that returned an error.",
		}),
		modelLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "transcriber",
			Subsystem: "dispatcher",
			Name:      "model_latency_seconds",
			Help:      "Latency of a single model transcription call.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// TranscriptionDispatcher serializes every transcription request onto a
// single model worker (spec §4.4 "Transcription Dispatcher", "the model is
// assumed non-reentrant, hence one call in flight at a time"). It is the
// engine-side mirror of the reference task loop's whisper worker: a FIFO
// inbound queue drained by exactly one goroutine. The queue holds at most
// 256 pending requests; Submit blocks while it is full.
type TranscriptionDispatcher struct {
	model        Model
	sampleRate   int
	tokensToKeep int
	sink         ResponseSink
	metrics      *dispatcherMetrics

	jobs chan dispatchJob
}

// NewTranscriptionDispatcher builds a dispatcher around model, delivering
// every response to sink. reg may be nil.
func NewTranscriptionDispatcher(model Model, sampleRate, tokensToKeep int, sink ResponseSink, reg prometheus.Registerer) *TranscriptionDispatcher {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &TranscriptionDispatcher{
		model:        model,
		sampleRate:   sampleRate,
		tokensToKeep: tokensToKeep,
		sink:         sink,
		metrics:      newDispatcherMetrics(reg),
		jobs:         make(chan dispatchJob, 256),
	}
}

// Submit queues a request on behalf of speaker, satisfying Dispatch.
func (d *TranscriptionDispatcher) Submit(speaker SpeakerID, req TranscriptionRequest) {
	d.metrics.queueDepth.Inc()
	d.jobs <- dispatchJob{speaker: speaker, req: req}
}

// Run drains the job queue until ctx is canceled, calling the model exactly
// once at a time (spec §5 "single shutdown signal observed at every
// receive").
func (d *TranscriptionDispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("dispatcher stopping", slog.String("err", ErrShutdownRequested.Error()))
			return
		case job := <-d.jobs:
			d.metrics.queueDepth.Dec()
			d.process(ctx, job)
		}
	}
}

func (d *TranscriptionDispatcher) process(ctx context.Context, job dispatchJob) {
	start := time.Now()

	segments, err := d.model.Transcribe(ctx, job.req.Audio, d.sampleRate, d.tokensToKeep)
	d.metrics.modelLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.metrics.modelFailures.Inc()
		slog.Error("model worker reported failure",
			slog.Uint64("speaker_id", uint64(job.speaker)),
			slog.Uint64("slice_id", job.req.SliceID),
			slog.String("err", fmt.Errorf("%w: %v", ErrModelFailure, err).Error()))
		return
	}

	slog.Debug("model returned transcription",
		slog.Uint64("speaker_id", uint64(job.speaker)),
		slog.Uint64("slice_id", job.req.SliceID),
		slog.Int("num_segments", len(segments)),
		slog.Int("num_samples", len(job.req.Audio)/4))

	d.sink.HandleResponse(job.speaker, TranscriptionResponse{
		SliceID:        job.req.SliceID,
		StartTimestamp: job.req.StartWall,
		AudioDuration:  job.req.Duration,
		Segments:       segments,
	})
}

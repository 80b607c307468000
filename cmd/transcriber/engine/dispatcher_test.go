package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	segments []Segment
	err      error
}

func (m fakeModel) Transcribe(_ context.Context, _ []byte, _ int, _ int) ([]Segment, error) {
	return m.segments, m.err
}

type fakeResponseSink struct {
	mu        sync.Mutex
	responses []TranscriptionResponse
}

func (f *fakeResponseSink) HandleResponse(_ SpeakerID, resp TranscriptionResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
}

func (f *fakeResponseSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

func TestTranscriptionDispatcher_DeliversResponse(t *testing.T) {
	model := fakeModel{segments: []Segment{{Text: "hello", StartMs: 0, EndMs: 500}}}
	sink := &fakeResponseSink{}
	d := NewTranscriptionDispatcher(model, 16000, 1024, sink, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(1, TranscriptionRequest{SliceID: 1, Duration: 500 * time.Millisecond})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
}

func TestTranscriptionDispatcher_ModelFailureDoesNotDeliver(t *testing.T) {
	model := fakeModel{err: errors.New("boom")}
	sink := &fakeResponseSink{}
	d := NewTranscriptionDispatcher(model, 16000, 1024, sink, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Submit(1, TranscriptionRequest{SliceID: 1})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.count())
}

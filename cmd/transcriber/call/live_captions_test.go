package call

import (
	"testing"
	"time"

	"github.com/mattermost/calls-voice-engine/cmd/transcriber/engine"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSpeakerIDForSession(t *testing.T) {
	a := speakerIDForSession("8w8jorhr7j83uqr6y1st894hqe")
	b := speakerIDForSession("8w8jorhr7j83uqr6y1st894hqe")
	c := speakerIDForSession("udzdsg7dwidbzcidx5khrf8nee")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

type fakeDispatch struct {
	submitted []engine.TranscriptionRequest
}

func (f *fakeDispatch) Submit(_ engine.SpeakerID, req engine.TranscriptionRequest) {
	f.submitted = append(f.submitted, req)
}

func TestEngineEventApplyTo(t *testing.T) {
	var finalized []engine.FinalizedEvent
	dispatch := &fakeDispatch{}
	bm := engine.NewBufferManager(engine.DefaultConfig(), dispatch, prometheus.NewRegistry(), func(ev engine.FinalizedEvent) {
		finalized = append(finalized, ev)
	})

	speaker := engine.SpeakerID(42)
	pcm := make([]int16, 960*2) // 20ms of stereo @ 48kHz

	var ev engineEvent = audioEvent(engine.AudioFrame{SpeakerID: speaker, MediaTS: 0, PCM: pcm})
	ev.applyTo(bm)

	ev = silenceEvent{speaker: speaker, silent: true}
	ev.applyTo(bm)

	ev = tickEvent{speaker: speaker, userIdle: false}
	ev.applyTo(bm)

	ev = responseEvent{speaker: speaker, resp: engine.TranscriptionResponse{SliceID: uint64(speaker)}}
	ev.applyTo(bm)

	// None of the above should have panicked; the silence edge finalizes a
	// slice that has no tentative transcript yet, so nothing is emitted.
	require.Empty(t, finalized)
}

func TestVadSinkDropsWhenFull(t *testing.T) {
	events := make(chan engineEvent, 1)
	sink := vadSink{trackID: "track1", events: events}

	sink.HandleSilenceEdge(1, true)
	require.Len(t, events, 1)

	// Queue is now full; the second post must not block.
	done := make(chan struct{})
	go func() {
		sink.HandleSilenceEdge(2, true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleSilenceEdge blocked on a full channel")
	}

	require.Len(t, events, 1)
}

func TestDispatchSinkDropsWhenFull(t *testing.T) {
	events := make(chan engineEvent, 1)
	sink := dispatchSink{events: events}

	sink.HandleResponse(1, engine.TranscriptionResponse{})
	require.Len(t, events, 1)

	done := make(chan struct{})
	go func() {
		sink.HandleResponse(2, engine.TranscriptionResponse{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleResponse blocked on a full channel")
	}

	require.Len(t, events, 1)
}

func TestSpeakerRegistration(t *testing.T) {
	tr := &Transcriber{engineSpeakers: make(map[engine.SpeakerID]speakerInfo)}

	speaker := speakerIDForSession("8w8jorhr7j83uqr6y1st894hqe")
	user := &model.User{Id: "udzdsg7dwidbzcidx5khrf8nee"}

	_, ok := tr.speakerInfo(speaker)
	require.False(t, ok)

	tr.registerSpeaker(speaker, "8w8jorhr7j83uqr6y1st894hqe", user)

	info, ok := tr.speakerInfo(speaker)
	require.True(t, ok)
	require.Equal(t, "8w8jorhr7j83uqr6y1st894hqe", info.sessionID)
	require.Equal(t, user, info.user)

	tr.unregisterSpeaker(speaker)
	_, ok = tr.speakerInfo(speaker)
	require.False(t, ok)
}

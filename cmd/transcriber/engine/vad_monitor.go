package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SilenceSink receives exactly one silent=true notification per speaker per
// silence stretch (spec §4.3 "fires once per edge"); no notification is sent
// when the speaker resumes. The Buffer Manager implements it via
// HandleSilenceEdge.
type SilenceSink interface {
	HandleSilenceEdge(speaker SpeakerID, silent bool)
}

// speakerActivity is the Voice Activity Monitor's bookkeeping for one
// speaker: the wall-clock time audio was last observed, and whether the
// silent edge has already fired for the current silence stretch.
type speakerActivity struct {
	lastAudio    time.Time
	silenceFired bool
}

// VoiceActivityMonitor is the timestamp/timeout-based silence-edge detector
// of spec §4.3 — distinct from any ML voice-activity model the surrounding
// application may also run for unrelated cleanup purposes. It reschedules a
// single timer to the nearest outstanding deadline rather than polling on a
// fixed tick, the same pattern the reference task loop uses for its
// internal wakeups.
type VoiceActivityMonitor struct {
	mu      sync.Mutex
	silence time.Duration
	sink    SilenceSink
	now     func() time.Time

	activity map[SpeakerID]*speakerActivity

	wake chan struct{}
}

// NewVoiceActivityMonitor builds a monitor that fires silence edges to sink
// after silence of the given duration. nowFn defaults to time.Now when nil;
// tests supply a controllable clock.
func NewVoiceActivityMonitor(silence time.Duration, sink SilenceSink, nowFn func() time.Time) *VoiceActivityMonitor {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &VoiceActivityMonitor{
		silence:  silence,
		sink:     sink,
		now:      nowFn,
		activity: make(map[SpeakerID]*speakerActivity),
		wake:     make(chan struct{}, 1),
	}
}

// NoteAudio records that speaker produced audio right now, clearing any
// fired silence edge so a subsequent silence stretch can fire again (spec
// §4.3 "audio resets the speaking edge").
func (m *VoiceActivityMonitor) NoteAudio(speaker SpeakerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.activity[speaker]
	if !ok {
		a = &speakerActivity{}
		m.activity[speaker] = a
	}
	wasSilentEdge := a.silenceFired
	a.lastAudio = m.now()
	a.silenceFired = false

	if wasSilentEdge {
		slog.Debug("speaker resumed speaking", slog.Uint64("speaker_id", uint64(speaker)))
	}

	m.nudge()
}

// Forget drops a speaker entirely, e.g. on track removal or eviction.
func (m *VoiceActivityMonitor) Forget(speaker SpeakerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activity, speaker)
}

func (m *VoiceActivityMonitor) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// nextDeadline returns the time of the earliest still-unfired silence edge
// across all tracked speakers, or the zero Time if none are outstanding.
func (m *VoiceActivityMonitor) nextDeadline() time.Time {
	var earliest time.Time
	for _, a := range m.activity {
		if a.silenceFired {
			continue
		}
		deadline := a.lastAudio.Add(m.silence)
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	return earliest
}

// sweep fires the silence edge for every speaker whose deadline has passed,
// and reports the next deadline to sleep until.
func (m *VoiceActivityMonitor) sweep() time.Time {
	m.mu.Lock()

	now := m.now()
	var fired []SpeakerID
	for speaker, a := range m.activity {
		if a.silenceFired {
			continue
		}
		if !now.Before(a.lastAudio.Add(m.silence)) {
			a.silenceFired = true
			fired = append(fired, speaker)
		}
	}
	next := m.nextDeadline()

	m.mu.Unlock()

	for _, speaker := range fired {
		slog.Debug("speaker went silent", slog.Uint64("speaker_id", uint64(speaker)))
		m.sink.HandleSilenceEdge(speaker, true)
	}

	return next
}

// Run drives the monitor until ctx is canceled (spec §5 "single shutdown
// signal observed at every receive"). It sleeps until the nearest deadline,
// waking early whenever NoteAudio registers a new speaker or changes the
// nearest deadline.
func (m *VoiceActivityMonitor) Run(ctx context.Context) {
	for {
		next := m.sweep()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !next.IsZero() {
			d := next.Sub(m.now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitepulse/sitepulse/internal/scan"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *captureSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func validEvent(stage Stage) Event {
	evt := Event{
		ScanID: "scan-1",
		Stage:  stage,
		URL:    "https://example.com",
		TS:     time.Unix(1700000000, 0).UTC(),
	}
	switch stage {
	case StageTaskStart, StageTaskDone, StageTaskError:
		evt.TaskType = scan.TaskTech
	}
	return evt
}

func TestHubDeliversEventsToSinks(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(validEvent(StageScanCreated))
	hub.Emit(validEvent(StageTaskDone))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{MaxBatchWait: 10 * time.Millisecond}, sink)

	hub.Emit(Event{Stage: StageScanDone})                                 // no scan id
	hub.Emit(Event{ScanID: "scan-1", Stage: "BOGUS", TS: time.Now()})     // unknown stage
	hub.Emit(Event{ScanID: "scan-1", Stage: StageTaskDone, TS: time.Now()}) // task event without type
	hub.Emit(validEvent(StageScanDone))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCloseFlushesBufferedEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	// Long batch wait so flushing happens on close, not the timer.
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(validEvent(StageTaskDone))
	}
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.snapshot(), 5)
}

func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StageScanDone))
	require.Empty(t, sink.snapshot())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validEvent(StageScanCreated).Validate())
	require.NoError(t, validEvent(StageTaskError).Validate())

	evt := validEvent(StageTaskDone)
	evt.TaskType = ""
	require.Error(t, evt.Validate())

	evt = validEvent(StageScanDone)
	evt.TS = time.Time{}
	require.Error(t, evt.Validate())

	evt = validEvent(StageScanDone)
	evt.Dur = -time.Second
	require.Error(t, evt.Validate())
}

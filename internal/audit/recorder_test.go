package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/observability"
)

type memoryEventStore struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *memoryEventStore) Save(_ context.Context, event Event) error {
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryEventStore) saved() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestRecorderPersistsEvents(t *testing.T) {
	store := &memoryEventStore{}
	recorder := NewRecorder(store, observability.NewLoggerTo(&bytes.Buffer{}), 16)

	recorder.Log(EventLoginSucceeded, Fields{
		AccountID: "acct-1",
		Email:     "user@example.com",
		Extras:    map[string]any{"reason": "test"},
	})
	recorder.Log(EventLoginFailed, Fields{AccountID: "acct-1"})
	recorder.Close()

	events := store.saved()
	require.Len(t, events, 2)
	assert.Equal(t, EventLoginSucceeded, events[0].Type)
	assert.Equal(t, "acct-1", events[0].AccountID)
	assert.NotEmpty(t, events[0].ID)
	assert.False(t, events[0].OccurredAt.IsZero())
	assert.Equal(t, EventLoginFailed, events[1].Type)
	assert.Zero(t, recorder.Dropped())
}

func TestRecorderDropsWhenQueueIsFull(t *testing.T) {
	block := make(chan struct{})
	store := &memoryEventStore{block: block}
	recorder := NewRecorder(store, observability.NewLoggerTo(&bytes.Buffer{}), 2)

	// The writer is stuck on the first event; two more fill the buffer and
	// everything after that is dropped, never blocking the caller.
	for i := 0; i < 10; i++ {
		recorder.Log(EventLoginFailed, Fields{AccountID: "acct-1"})
	}
	assert.Positive(t, recorder.Dropped())

	close(block)
	recorder.Close()
	assert.NotEmpty(t, store.saved())
}

func TestRecorderSurvivesStoreFailures(t *testing.T) {
	var buf bytes.Buffer
	store := &memoryEventStore{err: errors.New("connection refused")}
	recorder := NewRecorder(store, observability.NewLoggerTo(&buf), 16)

	recorder.Log(EventLoginSucceeded, Fields{AccountID: "acct-1"})
	recorder.Close()

	assert.Contains(t, buf.String(), "audit_event_write_failed")
}

func TestCaptureSinkOrdersTypes(t *testing.T) {
	sink := NewCaptureSink()
	sink.Log(EventLoginFailed, Fields{})
	sink.Log(EventAccountLocked, Fields{})

	assert.Equal(t, []EventType{EventLoginFailed, EventAccountLocked}, sink.TypesSeen())
	assert.Len(t, sink.Events(), 2)
}

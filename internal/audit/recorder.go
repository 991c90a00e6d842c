package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"authgate/internal/observability"
)

// Store persists audit events.
type Store interface {
	Save(ctx context.Context, event Event) error
}

// Recorder is the asynchronous Sink used in production. Events are queued on
// a buffered channel and written by a single background goroutine, so the
// security path never waits on the audit store. When the queue is full the
// event is dropped and counted.
type Recorder struct {
	store  Store
	logger *observability.Logger

	events    chan Event
	done      chan struct{}
	dropped   atomic.Int64
	closeOnce sync.Once
}

const defaultBuffer = 1024

func NewRecorder(store Store, logger *observability.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	r := &Recorder{
		store:  store,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()

	return r
}

func (r *Recorder) Log(eventType EventType, fields Fields) {
	event := Event{
		Type:       eventType,
		AccountID:  fields.AccountID,
		TenantID:   fields.TenantID,
		Email:      fields.Email,
		IP:         fields.IP,
		Device:     fields.Device,
		Extras:     fields.Extras,
		OccurredAt: time.Now().UTC(),
	}
	if id, err := uuid.NewV7(); err == nil {
		event.ID = id.String()
	} else {
		event.ID = uuid.NewString()
	}

	select {
	case r.events <- event:
	default:
		dropped := r.dropped.Add(1)
		r.logger.Warn("audit_event_dropped", map[string]any{
			"event_type":    string(eventType),
			"dropped_total": dropped,
		})
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting events, drains the queue and waits for the writer
// to finish.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.events)
	})
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for event := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Save(ctx, event); err != nil {
			r.logger.Error("audit_event_write_failed", map[string]any{
				"event_type": string(event.Type),
				"error":      err.Error(),
			})
		}
		cancel()
	}
}

// CaptureSink is a synchronous in-memory Sink for tests and embedding.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

func NewCaptureSink() *CaptureSink {
	return &CaptureSink{}
}

func (s *CaptureSink) Log(eventType EventType, fields Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		Type:       eventType,
		AccountID:  fields.AccountID,
		TenantID:   fields.TenantID,
		Email:      fields.Email,
		IP:         fields.IP,
		Device:     fields.Device,
		Extras:     fields.Extras,
		OccurredAt: time.Now().UTC(),
	})
}

// Events returns a copy of everything logged so far.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// TypesSeen returns the event types in the order they were logged.
func (s *CaptureSink) TypesSeen() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, event.Type)
	}
	return out
}

// Package audit records who did what, asynchronously. Emission never blocks
// a mutation and a failing sink never fails a write.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// Store is the persistence surface the sink writes to.
type Store interface {
	InsertAuditEvent(ctx context.Context, ev model.AuditEvent) error
}

// Sink drains audit events to the store from a buffered channel. When the
// buffer is full the event is dropped and counted; mutations stay fast.
type Sink struct {
	store  Store
	events chan model.AuditEvent

	mu      sync.Mutex
	dropped int64

	done chan struct{}
	once sync.Once
}

// NewSink starts the drain goroutine. bufferSize <= 0 falls back to 256.
func NewSink(store Store, bufferSize int) *Sink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &Sink{
		store:  store,
		events: make(chan model.AuditEvent, bufferSize),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *Sink) drain() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.InsertAuditEvent(ctx, ev); err != nil {
			zap.L().Warn("audit event write failed",
				zap.String("event", ev.EventName),
				zap.String("resource_id", ev.ResourceID),
				zap.Error(err))
		}
		cancel()
	}
}

// Emit queues an audit event. It returns immediately; on a full buffer the
// event is dropped with a warning.
func (s *Sink) Emit(eventName, resourceType, resourceID, actor string) {
	ev := model.AuditEvent{
		ID:           uuid.NewString(),
		EventName:    eventName,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Timestamp:    time.Now().UTC(),
	}
	select {
	case s.events <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		zap.L().Warn("audit buffer full, event dropped",
			zap.String("event", eventName),
			zap.Int64("dropped_total", n))
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting events and waits for queued events to flush.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.events)
	})
	<-s.done
}

package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cordum/barkit/core/infra/logging"
)

// Event levels.
const (
	LevelInfo  = "INFO"
	LevelError = "ERROR"
)

// Event is one audit record emitted while installing an archive.
type Event struct {
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	Object    string    `json:"object"`
	Result    string    `json:"result"`
	BoxName   string    `json:"box_name"`
	ArchiveID string    `json:"archive_id"`
	Time      time.Time `json:"time"`
}

// Sink receives audit events. Emit must not block the install for long.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Emit(_ context.Context, ev Event) error {
	kv := []any{"type", ev.Type, "object", ev.Object, "box", ev.BoxName, "archive_id", ev.ArchiveID, "result", ev.Result}
	if ev.Level == LevelError {
		logging.Error("audit", "install event", kv...)
		return nil
	}
	logging.Info("audit", "install event", kv...)
	return nil
}

// Publisher sends a JSON message on a subject; msgID deduplicates redeliveries.
type Publisher interface {
	Publish(subject, msgID string, v any) error
}

// BusSink publishes events on a message bus subject.
type BusSink struct {
	Publisher Publisher
	Subject   string
}

func (s BusSink) Emit(_ context.Context, ev Event) error {
	if s.Publisher == nil {
		return nil
	}
	msgID := fmt.Sprintf("%s:%s:%s:%d", ev.ArchiveID, ev.Type, ev.Object, ev.Time.UnixNano())
	if err := s.Publisher.Publish(s.Subject, msgID, ev); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}

// MemorySink keeps events in order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Types returns the recorded event types.
func (s *MemorySink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// MultiSink fans an event out to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

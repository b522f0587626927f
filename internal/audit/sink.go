package audit

import (
	"sync"

	"github.com/parentshield/parentshield/internal/observability"
)

// Sink accepts audit events.
type Sink interface {
	// Record accepts an event. Implementations must not block the
	// request path for long; Record is called synchronously.
	Record(event *Event)
}

// LoggerSink writes audit events to the structured logger.
type LoggerSink struct {
	logger observability.Logger
}

// NewLoggerSink creates a sink backed by the given logger.
func NewLoggerSink(logger observability.Logger) *LoggerSink {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LoggerSink{logger: logger}
}

// Record implements Sink.
func (s *LoggerSink) Record(event *Event) {
	fields := []observability.Field{
		observability.String("event_id", event.ID),
		observability.String("kind", string(event.Kind)),
		observability.String("severity", string(event.Severity)),
	}
	if event.Address != "" {
		fields = append(fields, observability.String("address", event.Address))
	}
	if event.Method != "" {
		fields = append(fields, observability.String("method", event.Method))
	}
	if event.Path != "" {
		fields = append(fields, observability.String("path", event.Path))
	}
	if event.Subject != "" {
		fields = append(fields, observability.String("subject", event.Subject))
	}
	if event.Detail != "" {
		fields = append(fields, observability.String("detail", event.Detail))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, observability.Any("metadata", event.Metadata))
	}

	switch event.Severity {
	case SeverityCritical:
		s.logger.Error("security event", fields...)
	case SeverityWarning:
		s.logger.Warn("security event", fields...)
	default:
		s.logger.Info("security event", fields...)
	}
}

// MemorySink retains events in memory. Intended for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemorySink creates a new in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements Sink.
func (s *MemorySink) Record(event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByKind returns recorded events of the given kind.
func (s *MemorySink) ByKind(kind Kind) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// NopSink discards all events.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(event *Event) {}

// Ensure implementations satisfy Sink.
var (
	_ Sink = (*LoggerSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = NopSink{}
)

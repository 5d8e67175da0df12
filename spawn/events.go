// ABOUTME: Typed lifecycle events emitted by a spawner run, with a pluggable Sink interface.
// ABOUTME: Provides a zap-backed sink for logging and an in-memory sink for tests.
package spawn

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies the kind of spawner lifecycle event.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventPipeCreated   EventType = "pipe.created"
	EventSocketCreated EventType = "socket.created"
	EventNodeSpawned   EventType = "node.spawned"
	EventNodeExited    EventType = "node.exited"
	EventNodeSignaled  EventType = "node.signaled"
	EventFDsClosed     EventType = "fds.closed"
	EventRunCompleted  EventType = "run.completed"
)

// Event is a single lifecycle event within a spawner run.
type Event struct {
	Type      EventType
	Timestamp time.Time
	RunID     string
	Pid       int      // node events
	Command   []string // node events
	Name      string   // pipe/socket events
	Code      int      // exit events; signal number for node.signaled
	Detail    string
}

// Sink receives spawner lifecycle events.
type Sink interface {
	Emit(Event)
}

// ZapSink logs every event through a zap logger.
type ZapSink struct {
	log *zap.Logger
}

// Compile-time check that ZapSink implements Sink.
var _ Sink = (*ZapSink)(nil)

// NewZapSink creates a Sink that logs events at info level, signal deaths
// at warn.
func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

// Emit logs the event with its structured fields.
func (s *ZapSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("run_id", e.RunID),
	}
	if e.Pid != 0 {
		fields = append(fields, zap.Int("pid", e.Pid))
	}
	if e.Command != nil {
		fields = append(fields, zap.Strings("command", e.Command))
	}
	if e.Name != "" {
		fields = append(fields, zap.String("name", e.Name))
	}
	if e.Type == EventNodeExited || e.Type == EventNodeSignaled {
		fields = append(fields, zap.Int("code", e.Code))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}

	if e.Type == EventNodeSignaled {
		s.log.Warn(string(e.Type), fields...)
		return
	}
	s.log.Info(string(e.Type), fields...)
}

// MemorySink records events in order for later inspection. Safe for
// concurrent use.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Compile-time check that MemorySink implements Sink.
var _ Sink = (*MemorySink)(nil)

// Emit appends the event to the in-memory record.
func (s *MemorySink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of the recorded events in emission order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

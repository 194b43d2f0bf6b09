package training

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"customvision/internal/model"
)

const eventBuffer = 64

// EventType names a progress event.
type EventType string

const (
	EventEpoch EventType = "epoch"
	EventLog   EventType = "log"
	EventDone  EventType = "done"
)

// Event is one progress notification of a training session.
type Event struct {
	Type      EventType             `json:"type"`
	SessionID string                `json:"sessionId"`
	Epoch     int                   `json:"epoch,omitempty"`
	Epochs    int                   `json:"epochs,omitempty"`
	Percent   float64               `json:"percent"`
	Loss      float64               `json:"loss,omitempty"`
	Accuracy  float64               `json:"accuracy,omitempty"`
	Line      string                `json:"line,omitempty"`
	Result    *model.TrainingResult `json:"result,omitempty"`
}

// LogSink is an append-only, ordered list of log lines.
type LogSink struct {
	mu    sync.RWMutex
	lines []string
}

// Append adds a line at the end.
func (l *LogSink) Append(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

// Lines returns a copy of every line in order.
func (l *LogSink) Lines() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.lines...)
}

// Session is one running or finished training job.
type Session struct {
	id     string
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	logs   LogSink

	percent atomic.Int64 // whole percent
	dropped atomic.Int64
	result  model.TrainingResult
}

func newSession(id string, cancel context.CancelFunc) *Session {
	return &Session{
		id:     id,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Events delivers progress events. The channel is closed when the session ends.
// Events are dropped rather than blocking training when nobody drains it.
func (s *Session) Events() <-chan Event { return s.events }

// Dropped returns the number of events discarded because the channel was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Cancel requests the session to stop at the next epoch boundary.
func (s *Session) Cancel() { s.cancel() }

// Done is closed when the session has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its result.
func (s *Session) Wait() model.TrainingResult {
	<-s.done
	return s.result
}

// Result returns the result and true once the session has finished.
func (s *Session) Result() (model.TrainingResult, bool) {
	select {
	case <-s.done:
		return s.result, true
	default:
		return model.TrainingResult{}, false
	}
}

// Percent returns the completed share of epochs, 0-100.
func (s *Session) Percent() int { return int(s.percent.Load()) }

// Logs returns every log line emitted so far.
func (s *Session) Logs() []string { return s.logs.Lines() }

func (s *Session) emit(e Event) {
	e.SessionID = s.id
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	s.logs.Append(line)
	s.emit(Event{Type: EventLog, Percent: float64(s.Percent()), Line: line})
}

func (s *Session) finish(result model.TrainingResult) {
	s.result = result
	s.emit(Event{Type: EventDone, Percent: float64(s.Percent()), Result: &result})
	close(s.events)
	close(s.done)
}

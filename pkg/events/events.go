// Package events models the progress stream orchestrators emit (C7 in the
// design) as a typed Go channel with two variants, Log and Complete. The
// transport layer (internal/deployapi) encodes it to SSE frames for the
// single HTTP request that started the run.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Level is the severity of a Log event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is the tagged union emitted on a Stream: exactly one of Log or
// Complete is non-nil.
type Event struct {
	Log      *LogEvent      `json:"log,omitempty"`
	Complete *CompleteEvent `json:"complete,omitempty"`
}

// LogEvent is a single human-readable progress line.
type LogEvent struct {
	Message string `json:"message"`
	Level   Level  `json:"level"`
}

// CompleteEvent is the terminal event of a stream. Emitted exactly once.
type CompleteEvent struct {
	Success      bool   `json:"success"`
	DeploymentID string `json:"deployment_id"`
	Error        string `json:"error,omitempty"`
}

// Stream is the orchestrator-facing side of a progress channel. It
// enforces that at most one Complete event is ever sent and that no Log
// event follows it.
type Stream struct {
	ch chan Event

	mu        sync.Mutex
	completed bool
}

// NewStream creates a Stream with the given channel buffer size.
func NewStream(buffer int) *Stream {
	return &Stream{ch: make(chan Event, buffer)}
}

// Events returns the read side of the stream, for transports to range over.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Log emits a progress line, formatted with a leading [HH:MM:SS] timestamp
// as specified by the wire contract. A no-op once Complete has been called.
func (s *Stream) Log(level Level, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}

	message := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	s.ch <- Event{Log: &LogEvent{Message: message, Level: level}}
}

// Forward re-emits an already-built Event (e.g. one read off another
// Stream) as-is, without adding a timestamp. Used by Orchestrator.run to
// relay events from the internal stream a work function writes to, onto
// the stream actually handed back to the caller. A no-op once Complete
// has been called; forwarding a Complete event closes the channel
// exactly like calling Complete would.
func (s *Stream) Forward(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}

	s.ch <- e
	if e.Complete != nil {
		s.completed = true
		close(s.ch)
	}
}

// Complete emits the single terminal event and closes the channel. Calling
// it more than once is a no-op after the first call.
func (s *Stream) Complete(success bool, deploymentID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true

	s.ch <- Event{Complete: &CompleteEvent{Success: success, DeploymentID: deploymentID, Error: errMsg}}
	close(s.ch)
}

// EncodeSSE renders an Event in Server-Sent Events wire format:
// "event: <name>\ndata: <json>\n\n".
func EncodeSSE(e Event) ([]byte, error) {
	var name string
	var payload any

	switch {
	case e.Log != nil:
		name = "log"
		payload = e.Log
	case e.Complete != nil:
		name = "complete"
		payload = e.Complete
	default:
		return nil, fmt.Errorf("event has neither log nor complete set")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding event payload: %w", err)
	}

	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
	return []byte(frame), nil
}

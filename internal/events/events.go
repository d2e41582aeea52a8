// Package events defines the discrete notifications the engine emits for
// presentation code. The engine never touches a presentation tree; anything
// that renders subscribes here.
package events

import (
	"time"

	"VoiceChat/internal/session"
)

type Event interface {
	GetId() string
}

// Notifier receives engine events. Implementations must not block for long;
// they are called from the engine loop.
type Notifier interface {
	Notify(ev Event)
}

type SessionCreated struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

func (e *SessionCreated) GetId() string { return "session.created" }

type SessionSelected struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

func (e *SessionSelected) GetId() string { return "session.selected" }

type MessageAppended struct {
	SessionID string          `json:"session_id"`
	Message   session.Message `json:"message"`
}

func (e *MessageAppended) GetId() string { return "message.appended" }

// LiveTextChanged carries the current recognition hypothesis for a typing indicator.
type LiveTextChanged struct {
	Text string `json:"text"`
}

func (e *LiveTextChanged) GetId() string { return "transcript.live" }

type UtteranceCommitted struct {
	ResultIndex int    `json:"result_index"`
	Text        string `json:"text"`
}

func (e *UtteranceCommitted) GetId() string { return "transcript.committed" }

type CaptureStarted struct{}

func (e *CaptureStarted) GetId() string { return "capture.started" }

type CaptureStopped struct{}

func (e *CaptureStopped) GetId() string { return "capture.stopped" }

type CaptureUnsupported struct {
	Error string `json:"error"`
}

func (e *CaptureUnsupported) GetId() string { return "capture.unsupported" }

type RequestStarted struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

func (e *RequestStarted) GetId() string { return "request.started" }

type RequestRetrying struct {
	SessionID string        `json:"session_id"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
}

func (e *RequestRetrying) GetId() string { return "request.retrying" }

type RequestResolved struct {
	SessionID string `json:"session_id"`
	Fallback  bool   `json:"fallback"`
	Attempts  int    `json:"attempts"`
}

func (e *RequestResolved) GetId() string { return "request.resolved" }

type SpeechStarted struct {
	Text string `json:"text"`
}

func (e *SpeechStarted) GetId() string { return "speech.started" }

type SpeechEnded struct {
	Text string `json:"text"`
}

func (e *SpeechEnded) GetId() string { return "speech.ended" }

type SpeechUnsupported struct {
	Error string `json:"error"`
}

func (e *SpeechUnsupported) GetId() string { return "speech.unsupported" }

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}

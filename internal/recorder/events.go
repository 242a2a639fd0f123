package recorder

import "time"

// EventType tags broadcast events. Delivery is best-effort and
// fire-and-forget: no observer acknowledgment is awaited.
type EventType string

const (
	EventStateChanged     EventType = "stateChanged"
	EventRecordingStarted EventType = "recordingStarted"
	EventRecordingPaused  EventType = "recordingPaused"
	EventRecordingResumed EventType = "recordingResumed"
	EventRecordingStopped EventType = "recordingStopped"
	EventExportStarted    EventType = "exportStarted"
	EventError            EventType = "error"
	EventStateRecovered   EventType = "stateRecovered"
)

// Event is the tagged union broadcast to observers. Only the fields
// relevant to Type are populated.
type Event struct {
	Type          EventType        `json:"type"`
	From          State            `json:"fromState,omitempty"`
	To            State            `json:"toState,omitempty"`
	SessionID     string           `json:"sessionId,omitempty"`
	PauseDuration time.Duration    `json:"pauseDuration,omitempty"`
	RequestCount  int              `json:"requestCount,omitempty"`
	Err           *TransitionError `json:"error,omitempty"`
	At            time.Time        `json:"at"`
}

// EventSink receives broadcast events. Sinks must not block; a slow
// sink stalls the transition that emitted the event.
type EventSink func(Event)

package protocol

import "fmt"

// Event identifies a step of the bidirectional synthesis life-cycle.
type Event int32

const (
	EventNone Event = 0

	// Client connection events.
	EventStartConnection  Event = 1
	EventFinishConnection Event = 2

	// Server connection events.
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52

	// Client session events.
	EventStartSession  Event = 100
	EventCancelSession Event = 101
	EventFinishSession Event = 102

	// Server session events.
	EventSessionStarted  Event = 150
	EventSessionCanceled Event = 151
	EventSessionFinished Event = 152
	EventSessionFailed   Event = 153
	EventUsageResponse   Event = 154

	// Client task events.
	EventTaskRequest Event = 200

	// Server task events.
	EventTTSSentenceStart Event = 350
	EventTTSSentenceEnd   Event = 351
	EventTTSResponse      Event = 352
)

var eventNames = map[Event]string{
	EventNone:               "none",
	EventStartConnection:    "start_connection",
	EventFinishConnection:   "finish_connection",
	EventConnectionStarted:  "connection_started",
	EventConnectionFailed:   "connection_failed",
	EventConnectionFinished: "connection_finished",
	EventStartSession:       "start_session",
	EventCancelSession:      "cancel_session",
	EventFinishSession:      "finish_session",
	EventSessionStarted:     "session_started",
	EventSessionCanceled:    "session_canceled",
	EventSessionFinished:    "session_finished",
	EventSessionFailed:      "session_failed",
	EventUsageResponse:      "usage_response",
	EventTaskRequest:        "task_request",
	EventTTSSentenceStart:   "tts_sentence_start",
	EventTTSSentenceEnd:     "tts_sentence_end",
	EventTTSResponse:        "tts_response",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int32(e))
}

// connectionScoped events are not tied to a session and carry no session id.
func (e Event) connectionScoped() bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

// carriesConnectID reports whether the server attaches its connection id.
func (e Event) carriesConnectID() bool {
	switch e {
	case EventConnectionStarted, EventConnectionFailed, EventConnectionFinished:
		return true
	}
	return false
}

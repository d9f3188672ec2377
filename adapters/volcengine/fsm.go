package volcengine

import (
	"fmt"

	"github.com/CaoMeiYouRen/momei-speech/internal/protocol"
)

// synthesisState is a step of the bidirectional synthesis life-cycle
type synthesisState int

const (
	stateIdle synthesisState = iota
	stateConnectionStarting
	stateSessionStarting
	stateSynthesizing
	stateSessionFinishing
	stateConnectionFinishing
	stateDone
	stateFailed
)

var stateNames = map[synthesisState]string{
	stateIdle:                "idle",
	stateConnectionStarting:  "connection_starting",
	stateSessionStarting:     "session_starting",
	stateSynthesizing:        "synthesizing",
	stateSessionFinishing:    "session_finishing",
	stateConnectionFinishing: "connection_finishing",
	stateDone:                "done",
	stateFailed:              "failed",
}

func (s synthesisState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitionKey pairs the current state with a server event
type transitionKey struct {
	from  synthesisState
	event protocol.Event
}

// transitions lists every server event a state accepts. Events 51 and 153
// are handled before the table is consulted since they fail any state.
var transitions = map[transitionKey]synthesisState{
	{stateConnectionStarting, protocol.EventConnectionStarted}: stateSessionStarting,
	{stateSessionStarting, protocol.EventSessionStarted}:       stateSynthesizing,

	// Synthesizing only lasts while 200 and 102 are written, before the next
	// frame is read, so every session event arrives in SessionFinishing.
	{stateSessionFinishing, protocol.EventTTSSentenceStart}: stateSessionFinishing,
	{stateSessionFinishing, protocol.EventTTSSentenceEnd}:   stateSessionFinishing,
	{stateSessionFinishing, protocol.EventTTSResponse}:      stateSessionFinishing,
	{stateSessionFinishing, protocol.EventUsageResponse}:    stateSessionFinishing,
	{stateSessionFinishing, protocol.EventSessionFinished}:  stateConnectionFinishing,

	{stateConnectionFinishing, protocol.EventUsageResponse}:      stateConnectionFinishing,
	{stateConnectionFinishing, protocol.EventConnectionFinished}: stateDone,
}

// InvalidTransitionError is returned for a server event the current state
// does not accept
type InvalidTransitionError struct {
	From  string
	Event protocol.Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("unexpected event %s in state %s", e.Event, e.From)
}

// synthesisFSM tracks the life-cycle of one synthesis session. It is only
// touched from the socket read goroutine.
type synthesisFSM struct {
	state synthesisState
}

func (m *synthesisFSM) State() synthesisState {
	return m.state
}

// start moves Idle to ConnectionStarting once event 1 is on the wire
func (m *synthesisFSM) start() error {
	if m.state != stateIdle {
		return &InvalidTransitionError{From: m.state.String(), Event: protocol.EventStartConnection}
	}
	m.state = stateConnectionStarting
	return nil
}

// finishing records that event 102 was sent
func (m *synthesisFSM) finishing() {
	if m.state == stateSynthesizing {
		m.state = stateSessionFinishing
	}
}

// fail moves to Failed from any state
func (m *synthesisFSM) fail() {
	m.state = stateFailed
}

// acceptsAudio reports whether audio frames are expected in this state
func (m *synthesisFSM) acceptsAudio() bool {
	return m.state == stateSessionFinishing
}

// advance applies a server event and returns the new state
func (m *synthesisFSM) advance(event protocol.Event) (synthesisState, error) {
	next, ok := transitions[transitionKey{m.state, event}]
	if !ok {
		err := &InvalidTransitionError{From: m.state.String(), Event: event}
		m.state = stateFailed
		return m.state, err
	}
	m.state = next
	return next, nil
}

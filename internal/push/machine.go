package push

import "fmt"

const (
	DefaultMaxAttempts = 10
)

// State is the connection state of the push listener.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectPending
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectPending:
		return "reconnect_pending"
	case StateGivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives the state machine.
type Event int

const (
	// EventAuthenticated means a user identity became available.
	EventAuthenticated Event = iota
	EventOpened
	// EventClosed covers normal closes, read errors and failed dials.
	EventClosed
	EventTimerFired
	EventLoggedOut
	EventTeardown
)

func (e Event) String() string {
	switch e {
	case EventAuthenticated:
		return "authenticated"
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventTimerFired:
		return "timer_fired"
	case EventLoggedOut:
		return "logged_out"
	case EventTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Action is the side effect the runner must perform after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionDial drops any current connection and pending timer, then dials.
	ActionDial
	ActionScheduleReconnect
	// ActionClose drops the current connection and pending timer.
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionDial:
		return "dial"
	case ActionScheduleReconnect:
		return "schedule_reconnect"
	case ActionClose:
		return "close"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Machine is the reconnection state. Attempts counts reconnects since the
// last successful open; it never exceeds MaxAttempts.
type Machine struct {
	State       State
	Attempts    int
	MaxAttempts int
}

func NewMachine(maxAttempts int) Machine {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return Machine{State: StateDisconnected, MaxAttempts: maxAttempts}
}

// Next returns the machine after ev and the action to carry out. Events that
// do not apply to the current state leave it unchanged with ActionNone.
func (m Machine) Next(ev Event) (Machine, Action) {
	switch ev {
	case EventAuthenticated:
		m.State = StateConnecting
		m.Attempts = 0
		return m, ActionDial

	case EventOpened:
		if m.State != StateConnecting {
			return m, ActionNone
		}
		m.State = StateConnected
		m.Attempts = 0
		return m, ActionNone

	case EventClosed:
		if m.State != StateConnecting && m.State != StateConnected {
			return m, ActionNone
		}
		if m.Attempts < m.MaxAttempts {
			m.State = StateReconnectPending
			return m, ActionScheduleReconnect
		}
		m.State = StateGivenUp
		return m, ActionNone

	case EventTimerFired:
		if m.State != StateReconnectPending {
			return m, ActionNone
		}
		m.Attempts++
		m.State = StateConnecting
		return m, ActionDial

	case EventLoggedOut, EventTeardown:
		prev := m.State
		m.State = StateDisconnected
		m.Attempts = 0
		if prev == StateDisconnected || prev == StateGivenUp {
			return m, ActionNone
		}
		return m, ActionClose
	}
	return m, ActionNone
}

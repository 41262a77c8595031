// Package lifecycle models the device's session state as seen from the
// server: broker connectivity plus heartbeat liveness.
package lifecycle

import "go.uber.org/zap"

// State is the device life-cycle state.
type State int

const (
	// Disconnected is the initial state, before any connect attempt.
	Disconnected State = iota
	// Connecting means a broker session is being established.
	Connecting
	// AwaitingFirstHeartbeat means the session is up but the device has
	// not proven liveness yet. Requests stay queued.
	AwaitingFirstHeartbeat
	// Online means the device heartbeats within its window. Only here do
	// requests go out directly.
	Online
	// Degraded means the session is up but heartbeats stopped. The device
	// may be rebooting or wedged; requests are queued again.
	Degraded
	// Reconnecting means the broker session dropped and the transport is
	// retrying with backoff.
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingFirstHeartbeat:
		return "awaiting-first-heartbeat"
	case Online:
		return "online"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	}
	return "invalid"
}

// TransitionFunc observes every state change. Called synchronously from the
// event methods; keep it cheap.
type TransitionFunc func(from, to State)

// Machine is the life-cycle state machine. Not safe for concurrent use; the
// engine run loop owns it. Events that make no sense in the current state
// are ignored with a debug log, never treated as errors: session events and
// device messages race against each other by nature.
type Machine struct {
	state        State
	onTransition TransitionFunc
}

func NewMachine(onTransition TransitionFunc) *Machine {
	return &Machine{state: Disconnected, onTransition: onTransition}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// IsOnline reports whether requests may be sent to the device directly.
func (m *Machine) IsOnline() bool { return m.state == Online }

// ConnectStarted records the first connect attempt.
func (m *Machine) ConnectStarted() {
	m.transition(Disconnected, Connecting, "connect started")
}

// SessionEstablished records a broker session coming up.
func (m *Machine) SessionEstablished() {
	switch m.state {
	case Connecting, Reconnecting:
		m.set(AwaitingFirstHeartbeat, "session established")
	default:
		m.ignore("session established")
	}
}

// HeartbeatReceived records a device heartbeat. Returns true when this beat
// brought the device Online (the caller runs the online sync sequence then).
func (m *Machine) HeartbeatReceived() bool {
	switch m.state {
	case AwaitingFirstHeartbeat, Degraded:
		m.set(Online, "heartbeat received")
		return true
	case Online:
		return false
	default:
		// A heartbeat while we think the session is down: the transport
		// events will catch up, don't jump states from here.
		m.ignore("heartbeat received")
		return false
	}
}

// HeartbeatMissed records a watchdog expiry. One miss degrades an Online
// device; a second consecutive miss, or a device that never produced its
// first heartbeat, gives up on the session entirely. The caller cycles the
// transport then, so the reconnect path exercises both broker and device.
func (m *Machine) HeartbeatMissed() {
	switch m.state {
	case Online:
		m.set(Degraded, "heartbeat missed")
	case Degraded:
		m.set(Reconnecting, "heartbeat missed again")
	case AwaitingFirstHeartbeat:
		m.set(Reconnecting, "no heartbeat within startup window")
	default:
		m.ignore("heartbeat missed")
	}
}

// ConnectionLost records the broker session dropping. Valid from any state
// with a session.
func (m *Machine) ConnectionLost() {
	switch m.state {
	case AwaitingFirstHeartbeat, Online, Degraded, Connecting:
		m.set(Reconnecting, "connection lost")
	default:
		m.ignore("connection lost")
	}
}

// Stopped resets the machine on engine shutdown.
func (m *Machine) Stopped() {
	if m.state != Disconnected {
		m.set(Disconnected, "stopped")
	}
}

func (m *Machine) transition(from, to State, reason string) {
	if m.state != from {
		m.ignore(reason)
		return
	}
	m.set(to, reason)
}

func (m *Machine) set(to State, reason string) {
	from := m.state
	m.state = to
	zap.S().Infow("Device state changed", "from", from.String(), "to", to.String(), "reason", reason)
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Machine) ignore(event string) {
	zap.S().Debugw("Ignoring life-cycle event", "event", event, "state", m.state.String())
}

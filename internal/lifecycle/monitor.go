package lifecycle

import "time"

// The feeder heartbeats about every 51 seconds; the watchdog allows a
// generous buffer on top before declaring the device silent.
const (
	DefaultHeartbeatInterval = 51 * time.Second
	DefaultHeartbeatGrace    = 30 * time.Second
)

// Monitor is the heartbeat watchdog. It only tracks deadlines; the engine
// polls Expired from its tick loop and feeds the result into the Machine.
// Not safe for concurrent use.
type Monitor struct {
	period time.Duration

	armed    bool
	deadline time.Time

	lastCount int
	hasCount  bool
}

// NewMonitor creates a watchdog expiring period after each beat. A
// non-positive period selects the default 51s + 30s window.
func NewMonitor(period time.Duration) *Monitor {
	if period <= 0 {
		period = DefaultHeartbeatInterval + DefaultHeartbeatGrace
	}
	return &Monitor{period: period}
}

// Arm starts the watchdog, e.g. when a session comes up. The first deadline
// is period from now.
func (m *Monitor) Arm(now time.Time) {
	m.armed = true
	m.deadline = now.Add(m.period)
}

// Disarm stops the watchdog and forgets the heartbeat counter, e.g. when
// the session drops.
func (m *Monitor) Disarm() {
	m.armed = false
	m.hasCount = false
}

// Beat records a heartbeat and pushes the deadline out. It returns true
// when the device's beat counter went backwards, meaning the device
// rebooted between two beats.
func (m *Monitor) Beat(now time.Time, count int) (rebooted bool) {
	m.armed = true
	m.deadline = now.Add(m.period)

	rebooted = m.hasCount && count < m.lastCount
	m.lastCount = count
	m.hasCount = true
	return rebooted
}

// Expired reports whether the deadline passed. A disarmed watchdog never
// expires.
func (m *Monitor) Expired(now time.Time) bool {
	return m.armed && now.After(m.deadline)
}

// Deadline returns the current expiry time; the zero time when disarmed.
func (m *Monitor) Deadline() time.Time {
	if !m.armed {
		return time.Time{}
	}
	return m.deadline
}

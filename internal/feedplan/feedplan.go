// Package feedplan manages the feeder's scheduled meals: validating plans,
// tracking what the server wants against what the device confirmed, and
// translating between local wall-clock times and the device's UTC plan
// format.
package feedplan

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/protocol"
)

// Plan limits. The portion range matches the dispenser hardware; the entry
// cap is a conservative bound the firmware is known to accept.
const (
	MinPortions = 1
	MaxPortions = 48
	MaxEntries  = 10
)

// wireWeekdays is the number of repeatDay slots the firmware expects; the
// set is zero-padded to this length.
const wireWeekdays = 7

// Entry is one scheduled feeding in local wall-clock terms.
type Entry struct {
	ID          int
	Hour        int
	Minute      int
	Weekdays    []int // 1=Monday .. 7=Sunday
	Portions    int
	EnableAudio bool
	AudioTimes  int
}

// InvalidPlanError reports the first entry that failed validation. Nothing
// is sent to the device when any entry is invalid.
type InvalidPlanError struct {
	Index  int
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("feed plan entry %d invalid: %s", e.Index, e.Reason)
}

// Validate checks a plan set and returns the first offending entry.
func Validate(entries []Entry) error {
	if len(entries) > MaxEntries {
		return &InvalidPlanError{Index: MaxEntries, Reason: fmt.Sprintf("more than %d entries", MaxEntries)}
	}

	seen := make(map[int]bool, len(entries))
	for i, e := range entries {
		switch {
		case seen[e.ID]:
			return &InvalidPlanError{Index: i, Reason: fmt.Sprintf("duplicate plan id %d", e.ID)}
		case e.Hour < 0 || e.Hour > 23 || e.Minute < 0 || e.Minute > 59:
			return &InvalidPlanError{Index: i, Reason: fmt.Sprintf("invalid time %02d:%02d", e.Hour, e.Minute)}
		case e.Portions < MinPortions || e.Portions > MaxPortions:
			return &InvalidPlanError{Index: i, Reason: fmt.Sprintf("portions %d outside %d..%d", e.Portions, MinPortions, MaxPortions)}
		case len(e.Weekdays) == 0:
			return &InvalidPlanError{Index: i, Reason: "no weekdays"}
		case e.EnableAudio && e.AudioTimes < 1:
			return &InvalidPlanError{Index: i, Reason: "audio enabled with zero repetitions"}
		}

		days := make(map[int]bool, len(e.Weekdays))
		for _, d := range e.Weekdays {
			if d < 1 || d > 7 {
				return &InvalidPlanError{Index: i, Reason: fmt.Sprintf("weekday %d outside 1..7", d)}
			}
			if days[d] {
				return &InvalidPlanError{Index: i, Reason: fmt.Sprintf("duplicate weekday %d", d)}
			}
			days[d] = true
		}

		// Two feedings at the same wall-clock time on a shared weekday: the
		// firmware's behavior there is undefined, reject before the wire.
		for j := 0; j < i; j++ {
			p := entries[j]
			if p.Hour == e.Hour && p.Minute == e.Minute && weekdaysIntersect(p.Weekdays, e.Weekdays) {
				return &InvalidPlanError{Index: i, Reason: fmt.Sprintf("time %02d:%02d overlaps plan %d", e.Hour, e.Minute, p.ID)}
			}
		}
		seen[e.ID] = true
	}
	return nil
}

func weekdaysIntersect(a, b []int) bool {
	for _, da := range a {
		for _, db := range b {
			if da == db {
				return true
			}
		}
	}
	return false
}

// Manager holds the desired plan set and what the device last confirmed.
// The device's echo is authoritative: whatever it reports back, including
// coerced values, becomes the confirmed state without complaint.
type Manager struct {
	loc *time.Location

	mu        sync.Mutex
	desired   []Entry
	syncTime  int64
	confirmed map[int]int64 // plan id -> device sync time
}

// NewManager creates a Manager converting plan times from loc to the
// device's UTC format. A nil loc means local time.
func NewManager(loc *time.Location) *Manager {
	if loc == nil {
		loc = time.Local
	}
	return &Manager{loc: loc, confirmed: make(map[int]int64)}
}

// Set validates and stores the desired plan set. The sync time stamps this
// generation of the plan; the device echoes it back per plan.
func (m *Manager) Set(entries []Entry, now time.Time) error {
	if err := Validate(entries); err != nil {
		return err
	}

	m.mu.Lock()
	m.desired = append([]Entry(nil), entries...)
	m.syncTime = now.UnixMilli()
	m.mu.Unlock()
	return nil
}

// Desired returns a copy of the desired plan set.
func (m *Manager) Desired() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.desired...)
}

// WirePlans renders the desired set in the device's format: HH:MM shifted
// to UTC, repeatDay zero-padded to seven slots.
func (m *Manager) WirePlans() []protocol.FeedingPlan {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans := make([]protocol.FeedingPlan, 0, len(m.desired))
	for _, e := range m.desired {
		days := make([]int, wireWeekdays)
		copy(days, e.Weekdays)

		plans = append(plans, protocol.FeedingPlan{
			PlanID:        e.ID,
			ExecutionTime: utcExecutionTime(e.Hour, e.Minute, m.loc),
			RepeatDay:     days,
			EnableAudio:   e.EnableAudio,
			AudioTimes:    e.AudioTimes,
			GrainNum:      e.Portions,
			SyncTime:      m.syncTime,
		})
	}
	return plans
}

// ConfirmEcho records the device's acknowledgement of a plan push. A
// non-OK code leaves the confirmed state untouched.
func (m *Manager) ConfirmEcho(echo *protocol.FeedingPlanEcho) error {
	if echo.Code != protocol.CodeOK {
		return fmt.Errorf("device rejected feed plan: code %d msg %q", echo.Code, echo.Msg)
	}

	m.mu.Lock()
	m.confirmed = make(map[int]int64, len(echo.Plans))
	for _, p := range echo.Plans {
		m.confirmed[p.PlanID] = p.SyncTime
	}
	m.mu.Unlock()

	zap.S().Infow("Feed plan confirmed by device", "plans", len(echo.Plans))
	return nil
}

// InSync reports whether every desired plan has a device confirmation from
// the current generation.
func (m *Manager) InSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.confirmed) != len(m.desired) {
		return false
	}
	for _, e := range m.desired {
		if _, ok := m.confirmed[e.ID]; !ok {
			return false
		}
	}
	return true
}

// Confirmed returns the plan ids the device confirmed with their sync
// times.
func (m *Manager) Confirmed() map[int]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]int64, len(m.confirmed))
	for id, ts := range m.confirmed {
		out[id] = ts
	}
	return out
}

// ClearConfirmed drops all confirmations, forcing a re-push, e.g. after a
// device reboot.
func (m *Manager) ClearConfirmed() {
	m.mu.Lock()
	m.confirmed = make(map[int]int64)
	m.mu.Unlock()
}

// The device stores plan HH:MM timestamps zoned to UTC and only the time
// of day; weekday sets are passed through unshifted, matching the vendor
// app's behavior.
func utcExecutionTime(hour, minute int, loc *time.Location) string {
	now := time.Now().In(loc)
	local := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	utc := local.UTC()
	return fmt.Sprintf("%02d:%02d", utc.Hour(), utc.Minute())
}

// ParseUTCExecutionTime converts a device "HH:MM" UTC time back to local
// hour and minute in loc.
func ParseUTCExecutionTime(s string, loc *time.Location) (hour, minute int, err error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid execution time %q", s)
	}

	now := time.Now().UTC()
	utc := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
	local := utc.In(loc)
	return local.Hour(), local.Minute(), nil
}

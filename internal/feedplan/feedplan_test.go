package feedplan

import (
	"errors"
	"testing"
	"time"

	"github.com/icex2/plaf203/internal/protocol"
)

func validEntry(id int) Entry {
	return Entry{
		ID:       id,
		Hour:     7,
		Minute:   30,
		Weekdays: []int{1, 2, 3, 4, 5},
		Portions: 2,
	}
}

func TestValidateAccepts(t *testing.T) {
	entries := []Entry{
		validEntry(1),
		{ID: 2, Hour: 23, Minute: 59, Weekdays: []int{6, 7}, Portions: MaxPortions, EnableAudio: true, AudioTimes: 3},
		{ID: 3, Hour: 0, Minute: 0, Weekdays: []int{1}, Portions: MinPortions},
	}
	if err := Validate(entries); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if err := Validate(nil); err != nil {
		t.Errorf("empty plan should be valid (clears all feedings): %v", err)
	}

	// Same wall-clock time is fine as long as the weekday sets are disjoint.
	disjoint := []Entry{
		{ID: 1, Hour: 8, Minute: 0, Weekdays: []int{1, 3}, Portions: 1},
		{ID: 2, Hour: 8, Minute: 0, Weekdays: []int{2, 4}, Portions: 2},
	}
	if err := Validate(disjoint); err != nil {
		t.Errorf("disjoint weekdays at the same time rejected: %v", err)
	}
}

func TestValidateRejectsFirstOffender(t *testing.T) {
	tests := []struct {
		name      string
		entries   []Entry
		wantIndex int
	}{
		{
			name:      "portion too large",
			entries:   []Entry{validEntry(1), {ID: 2, Hour: 8, Weekdays: []int{1}, Portions: MaxPortions + 1}},
			wantIndex: 1,
		},
		{
			name:      "portion zero",
			entries:   []Entry{{ID: 1, Hour: 8, Weekdays: []int{1}, Portions: 0}},
			wantIndex: 0,
		},
		{
			name:      "bad hour",
			entries:   []Entry{{ID: 1, Hour: 24, Weekdays: []int{1}, Portions: 1}},
			wantIndex: 0,
		},
		{
			name:      "bad weekday",
			entries:   []Entry{validEntry(1), {ID: 2, Hour: 8, Weekdays: []int{0}, Portions: 1}},
			wantIndex: 1,
		},
		{
			name:      "duplicate weekday",
			entries:   []Entry{{ID: 1, Hour: 8, Weekdays: []int{3, 3}, Portions: 1}},
			wantIndex: 0,
		},
		{
			name:      "no weekdays",
			entries:   []Entry{{ID: 1, Hour: 8, Portions: 1}},
			wantIndex: 0,
		},
		{
			name:      "duplicate plan id",
			entries:   []Entry{validEntry(1), validEntry(1)},
			wantIndex: 1,
		},
		{
			name:      "audio without repetitions",
			entries:   []Entry{{ID: 1, Hour: 8, Weekdays: []int{1}, Portions: 1, EnableAudio: true}},
			wantIndex: 0,
		},
		{
			name: "same time same day",
			entries: []Entry{
				{ID: 1, Hour: 8, Minute: 0, Weekdays: []int{1, 2, 3, 4, 5}, Portions: 1},
				{ID: 2, Hour: 8, Minute: 0, Weekdays: []int{5, 6}, Portions: 1},
			},
			wantIndex: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.entries)
			var invalid *InvalidPlanError
			if !errors.As(err, &invalid) {
				t.Fatalf("got %v, want InvalidPlanError", err)
			}
			if invalid.Index != tt.wantIndex {
				t.Errorf("offending index: got %d, want %d", invalid.Index, tt.wantIndex)
			}
		})
	}
}

func TestValidateRejectsTooManyEntries(t *testing.T) {
	var entries []Entry
	for i := 0; i <= MaxEntries; i++ {
		entries = append(entries, validEntry(i+1))
	}
	var invalid *InvalidPlanError
	if err := Validate(entries); !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidPlanError", err)
	}
}

func TestSetRejectsInvalidWithoutStoring(t *testing.T) {
	m := NewManager(time.UTC)
	if err := m.Set([]Entry{validEntry(1)}, time.Now()); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	bad := []Entry{{ID: 9, Hour: 8, Weekdays: []int{1}, Portions: 99}}
	if err := m.Set(bad, time.Now()); err == nil {
		t.Fatal("Set should reject invalid entries")
	}

	// The previous desired set must be untouched.
	desired := m.Desired()
	if len(desired) != 1 || desired[0].ID != 1 {
		t.Errorf("desired set changed: %+v", desired)
	}
}

func TestWirePlans(t *testing.T) {
	// Fixed zone two hours east: 07:30 local is 05:30 UTC.
	loc := time.FixedZone("east2", 2*60*60)
	m := NewManager(loc)

	now := time.UnixMilli(1_700_000_000_000)
	entry := Entry{ID: 4, Hour: 7, Minute: 30, Weekdays: []int{1, 3, 5}, Portions: 3, EnableAudio: true, AudioTimes: 2}
	if err := m.Set([]Entry{entry}, now); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	plans := m.WirePlans()
	if len(plans) != 1 {
		t.Fatalf("got %d plans", len(plans))
	}
	p := plans[0]
	if p.ExecutionTime != "05:30" {
		t.Errorf("executionTime: got %q, want 05:30", p.ExecutionTime)
	}
	if len(p.RepeatDay) != 7 {
		t.Errorf("repeatDay not padded: %v", p.RepeatDay)
	}
	for i, want := range []int{1, 3, 5, 0, 0, 0, 0} {
		if p.RepeatDay[i] != want {
			t.Errorf("repeatDay[%d]: got %d, want %d", i, p.RepeatDay[i], want)
		}
	}
	if p.GrainNum != 3 || !p.EnableAudio || p.AudioTimes != 2 {
		t.Errorf("unexpected wire plan: %+v", p)
	}
	if p.SyncTime != now.UnixMilli() {
		t.Errorf("syncTime: got %d", p.SyncTime)
	}
}

func TestConfirmEchoAuthoritative(t *testing.T) {
	m := NewManager(time.UTC)
	now := time.Now()
	m.Set([]Entry{validEntry(1), validEntry(2)}, now)

	if m.InSync() {
		t.Error("unconfirmed plan reported in sync")
	}

	// The device echoes its own sync times; they are taken as-is.
	echo := &protocol.FeedingPlanEcho{
		Code: protocol.CodeOK,
		Plans: []protocol.FeedingPlanEchoEntry{
			{PlanID: 1, SyncTime: 111},
			{PlanID: 2, SyncTime: 222},
		},
	}
	if err := m.ConfirmEcho(echo); err != nil {
		t.Fatalf("ConfirmEcho failed: %v", err)
	}
	if !m.InSync() {
		t.Error("confirmed plan not in sync")
	}
	confirmed := m.Confirmed()
	if confirmed[1] != 111 || confirmed[2] != 222 {
		t.Errorf("confirmed sync times: %v", confirmed)
	}
}

func TestConfirmEchoRejection(t *testing.T) {
	m := NewManager(time.UTC)
	m.Set([]Entry{validEntry(1)}, time.Now())

	echo := &protocol.FeedingPlanEcho{Code: 1, Msg: "FeedPlanErro"}
	if err := m.ConfirmEcho(echo); err == nil {
		t.Fatal("non-OK echo should be an error")
	}
	if m.InSync() {
		t.Error("rejected plan reported in sync")
	}
}

func TestClearConfirmed(t *testing.T) {
	m := NewManager(time.UTC)
	m.Set([]Entry{validEntry(1)}, time.Now())
	m.ConfirmEcho(&protocol.FeedingPlanEcho{
		Code:  protocol.CodeOK,
		Plans: []protocol.FeedingPlanEchoEntry{{PlanID: 1, SyncTime: 1}},
	})

	m.ClearConfirmed()
	if m.InSync() {
		t.Error("still in sync after ClearConfirmed")
	}
}

func TestParseUTCExecutionTime(t *testing.T) {
	loc := time.FixedZone("east2", 2*60*60)
	hour, minute, err := ParseUTCExecutionTime("05:30", loc)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if hour != 7 || minute != 30 {
		t.Errorf("got %02d:%02d, want 07:30", hour, minute)
	}

	if _, _, err := ParseUTCExecutionTime("25:00", loc); err == nil {
		t.Error("bad hour should fail")
	}
	if _, _, err := ParseUTCExecutionTime("garbage", loc); err == nil {
		t.Error("garbage should fail")
	}
}

package timesync

import (
	"testing"
	"time"
)

func TestComputeOffset(t *testing.T) {
	tests := []struct {
		name                            string
		deviceTime, sendTime, recvTime  int64
		want                            time.Duration
	}{
		{"device ahead", 1000, 700, 1000, 150 * time.Millisecond},
		{"device behind", 500, 700, 1000, -350 * time.Millisecond},
		{"in sync, zero rtt", 1000, 1000, 1000, 0},
		{"symmetric rtt cancels", 2000, 1900, 2100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeOffset(tt.deviceTime, tt.sendTime, tt.recvTime)
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAnswerNtp(t *testing.T) {
	s := New(10*time.Second, 0, 2)
	now := time.UnixMilli(1_700_000_000_000)

	resp := s.AnswerNtp(now.UnixMilli()-3_000, now)
	if resp.CalibrationTag {
		t.Error("3s drift should not calibrate")
	}
	if resp.Timezone != 2 {
		t.Errorf("timezone: got %d", resp.Timezone)
	}

	resp = s.AnswerNtp(now.UnixMilli()-30_000, now)
	if !resp.CalibrationTag {
		t.Error("30s drift should calibrate")
	}

	// Device clock ahead of the server counts the same.
	resp = s.AnswerNtp(now.UnixMilli()+30_000, now)
	if !resp.CalibrationTag {
		t.Error("device ahead by 30s should calibrate")
	}
}

func TestDue(t *testing.T) {
	s := New(10*time.Second, time.Hour, 0)
	now := time.Now()

	if !s.Due(now) {
		t.Error("fresh synchronizer should sync immediately")
	}

	s.RecordExchange(1*time.Second, now)
	if s.Due(now.Add(time.Minute)) {
		t.Error("recently synced with small offset should not be due")
	}
	if !s.Due(now.Add(2 * time.Hour)) {
		t.Error("interval elapsed, should be due")
	}

	// Large measured offset forces an immediate resync.
	s.RecordExchange(25*time.Second, now)
	if !s.Due(now.Add(time.Second)) {
		t.Error("large offset should be due immediately")
	}
}

func TestRetryScheduleCapsAndClears(t *testing.T) {
	s := New(0, 0, 0)
	now := time.Now()

	s.RecordExchange(0, now)

	s.RecordFailure(now)
	if s.Due(now) {
		t.Error("not due before the retry delay elapsed")
	}
	if !s.Due(now.Add(31 * time.Second)) {
		t.Error("due after the first retry delay")
	}

	// The delay doubles per failure but never exceeds the cap, and sync
	// is never abandoned.
	for i := 0; i < 20; i++ {
		s.RecordFailure(now)
	}
	if !s.Due(now.Add(retryMax + time.Second)) {
		t.Error("due after the capped retry delay")
	}

	// A successful exchange clears the retry schedule.
	s.RecordExchange(0, now)
	if s.Due(now.Add(time.Minute)) {
		t.Error("retry state should be gone after success")
	}
}

func TestReset(t *testing.T) {
	s := New(0, 0, 0)
	now := time.Now()
	s.RecordExchange(time.Second, now)

	s.Reset()
	if _, ok := s.Offset(); ok {
		t.Error("offset should be forgotten after Reset")
	}
	if !s.Due(now) {
		t.Error("should sync immediately after Reset")
	}
}

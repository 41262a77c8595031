// Package timesync keeps the feeder's clock aligned with the server. Feed
// plans execute on the device clock, so unchecked drift moves meal times.
package timesync

import (
	"time"

	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/protocol"
)

// DefaultDriftThreshold is the clock difference above which the device is
// told to recalibrate. Feeding schedules have minute granularity; ten
// seconds leaves comfortable margin.
const DefaultDriftThreshold = 10 * time.Second

// DefaultSyncInterval is how often a proactive sync exchange runs while the
// device is online.
const DefaultSyncInterval = 6 * time.Hour

// Retry schedule for failed sync exchanges. Sync is never abandoned: the
// device drifts further the longer it runs unsynced.
const (
	retryInitial = 30 * time.Second
	retryMax     = 15 * time.Minute
)

// Synchronizer tracks the device clock offset and decides when to push a
// calibration. Not safe for concurrent use; the engine run loop owns it.
type Synchronizer struct {
	driftThreshold time.Duration
	interval       time.Duration
	timezoneOffset int // hours east of UTC, sent verbatim to the device

	lastOffset time.Duration
	hasOffset  bool
	lastSync   time.Time

	retryDelay time.Duration
	nextRetry  time.Time
}

// New creates a Synchronizer. Non-positive threshold or interval select the
// defaults.
func New(driftThreshold, interval time.Duration, timezoneOffset int) *Synchronizer {
	if driftThreshold <= 0 {
		driftThreshold = DefaultDriftThreshold
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Synchronizer{
		driftThreshold: driftThreshold,
		interval:       interval,
		timezoneOffset: timezoneOffset,
	}
}

// ComputeOffset estimates the device clock offset from one exchange: the
// request left at sendTime, the device stamped deviceTime, the response
// arrived at receiveTime (all epoch milliseconds). The device timestamp is
// compared against the midpoint of the round trip.
func ComputeOffset(deviceTime, sendTime, receiveTime int64) time.Duration {
	mid := (sendTime + receiveTime) / 2
	return time.Duration(deviceTime-mid) * time.Millisecond
}

// AnswerNtp builds the response to a device-initiated NTP check. The device
// sends its current clock; when it drifted past the threshold the response
// carries calibrationTag and the device adopts the envelope timestamp.
func (s *Synchronizer) AnswerNtp(deviceTime int64, now time.Time) protocol.NtpResponse {
	drift := time.Duration(now.UnixMilli()-deviceTime) * time.Millisecond
	if drift < 0 {
		drift = -drift
	}

	calibrate := drift > s.driftThreshold
	if calibrate {
		zap.S().Infow("Device clock drifted, calibrating", "drift", drift)
	}
	return protocol.NtpResponse{
		Code:           protocol.CodeOK,
		CalibrationTag: calibrate,
		Timezone:       s.timezoneOffset,
	}
}

// RecordExchange stores the offset measured by a completed sync exchange
// and clears any retry state.
func (s *Synchronizer) RecordExchange(offset time.Duration, now time.Time) {
	s.lastOffset = offset
	s.hasOffset = true
	s.lastSync = now
	s.retryDelay = 0
	s.nextRetry = time.Time{}

	abs := offset
	if abs < 0 {
		abs = -abs
	}
	if abs > s.driftThreshold {
		zap.S().Warnw("Device clock still off after sync", "offset", offset)
	} else {
		zap.S().Debugw("Time sync completed", "offset", offset)
	}
}

// RecordFailure advances the retry schedule after a failed exchange.
func (s *Synchronizer) RecordFailure(now time.Time) {
	if s.retryDelay == 0 {
		s.retryDelay = retryInitial
	} else {
		s.retryDelay *= 2
		if s.retryDelay > retryMax {
			s.retryDelay = retryMax
		}
	}
	s.nextRetry = now.Add(s.retryDelay)
	zap.S().Warnw("Time sync failed, will retry", "delay", s.retryDelay)
}

// Due reports whether a sync exchange should run now: the first one right
// away, then on the periodic interval, drift detection or the retry
// schedule.
func (s *Synchronizer) Due(now time.Time) bool {
	if !s.nextRetry.IsZero() {
		return !now.Before(s.nextRetry)
	}
	if !s.hasOffset {
		return true
	}
	abs := s.lastOffset
	if abs < 0 {
		abs = -abs
	}
	if abs > s.driftThreshold {
		return true
	}
	return now.Sub(s.lastSync) >= s.interval
}

// Reset forgets all sync state, e.g. when the device rebooted or the
// session dropped.
func (s *Synchronizer) Reset() {
	s.hasOffset = false
	s.lastSync = time.Time{}
	s.retryDelay = 0
	s.nextRetry = time.Time{}
}

// SyncRequest builds the payload for a forced calibration.
func (s *Synchronizer) SyncRequest() protocol.NtpSyncRequest {
	return protocol.NtpSyncRequest{Timezone: s.timezoneOffset}
}

// Offset returns the last measured offset and whether one exists.
func (s *Synchronizer) Offset() (time.Duration, bool) {
	return s.lastOffset, s.hasOffset
}

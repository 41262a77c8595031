// Package storage provides SQLite persistence for the feeder controller:
// device identity, the desired feed plan, switch settings and the feeding
// history. Desired state is reloaded at startup so a restart re-converges
// the device without operator input.
package storage

import "time"

// DeviceInfo is the feeder's identity as reported on the config channel and
// in its start event.
type DeviceInfo struct {
	Serial          string    `json:"serial"`
	Pid             string    `json:"pid,omitempty"`
	Mac             string    `json:"mac,omitempty"`
	UUID            string    `json:"uuid,omitempty"`
	HardwareVersion string    `json:"hardware_version,omitempty"`
	SoftwareVersion string    `json:"software_version,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FeedingRecord is one entry of the feeding history, derived from
// GRAIN_OUTPUT_EVENT messages.
type FeedingRecord struct {
	ID               int64     `json:"id"`
	MessageID        string    `json:"message_id"`
	TriggerType      int       `json:"trigger_type"`
	ExecStep         string    `json:"exec_step"`
	ExpectedPortions int       `json:"expected_portions"`
	ActualPortions   int       `json:"actual_portions"`
	PlanID           *int      `json:"plan_id,omitempty"`
	ExecTime         time.Time `json:"exec_time"`
	CreatedAt        time.Time `json:"created_at"`
}

// DeviceError is one entry of the device error history, derived from
// ERROR_EVENT messages.
type DeviceError struct {
	ID          int64     `json:"id"`
	ErrorCode   string    `json:"error_code"`
	TriggerTime time.Time `json:"trigger_time"`
	CreatedAt   time.Time `json:"created_at"`
}

// SwitchSetting is a persisted desired switch position.
type SwitchSetting struct {
	Name      string    `json:"name"`
	On        bool      `json:"on"`
	UpdatedAt time.Time `json:"updated_at"`
}

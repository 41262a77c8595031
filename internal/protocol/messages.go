package protocol

// Typed payloads for the command table. Inbound structs are unmarshalled
// from Envelope.Fields; outbound structs are flattened next to the header by
// Encode. The firmware treats nearly every object as sparse, so optional
// fields are pointers with omitempty.

// Result is the minimal response shape: most acknowledgements carry only a
// result code next to the header.
type Result struct {
	Code int `json:"code"`
}

// Ok reports whether the exchange was flagged successful.
func (r Result) Ok() bool { return r.Code == CodeOK }

// Heartbeat is published by the device roughly every 51 seconds. Count is a
// boot-local monotonically increasing counter; a regression between two
// beats means the device rebooted.
type Heartbeat struct {
	Count    int `json:"count"`
	RSSI     int `json:"rssi"`
	WifiType int `json:"wifiType"`
}

// NtpResponse answers a device NTP check. When CalibrationTag is set the
// device adopts the envelope ts and the timezone offset.
type NtpResponse struct {
	Code           int  `json:"code"`
	CalibrationTag bool `json:"calibrationTag"`
	Timezone       int  `json:"timezone"`
}

// NtpSyncRequest forces an immediate clock and timezone update on the
// device. The envelope ts carries the authoritative time.
type NtpSyncRequest struct {
	Timezone int `json:"timezone"`
}

// DeviceStartEvent is sent by the device once it (re)connects to wifi. The
// device blocks until it is acknowledged.
type DeviceStartEvent struct {
	Success         bool   `json:"success"`
	Pid             string `json:"pid"`
	UUID            string `json:"uuid"`
	Mac             string `json:"mac"`
	Wpa3            int    `json:"wpa3"`
	HardwareVersion string `json:"hardwareVersion"`
	SoftwareVersion string `json:"softwareVersion"`
}

// ErrorEvent reports a device-side failure. ErrorCode is a free-form
// firmware string, not part of the Code table.
type ErrorEvent struct {
	ErrorCode   string `json:"errorCode"`
	TriggerTime int64  `json:"triggerTime"`
}

// ManualFeedingRequest dispenses GrainNum portions immediately.
type ManualFeedingRequest struct {
	GrainNum int `json:"grainNum"`
}

// Grain output execution steps as sent by the firmware.
const (
	ExecStepGrainStart    = "GRAIN_START"
	ExecStepGrainEnd      = "GRAIN_END"
	ExecStepGrainBlocking = "GRAIN_BLOCKING"
)

// Grain output trigger types.
const (
	GrainOutputFeedPlan         = 1
	GrainOutputManualFeed       = 2
	GrainOutputManualFeedButton = 3
)

// GrainOutputEvent reports progress of a feeding run. PlanID is only present
// for plan-triggered runs. The device expects an acknowledgement echoing the
// exec step.
type GrainOutputEvent struct {
	Finished         bool    `json:"finished"`
	Type             int     `json:"type"`
	ActualGrainNum   int     `json:"actualGrainNum"`
	ExpectedGrainNum int     `json:"expectGrainNum"`
	ExecTime         int64   `json:"execTime"`
	ExecStep         string  `json:"execStep"`
	PlanID           *int    `json:"planId,omitempty"`
	Retried          *string `json:"retried,omitempty"`
}

// GrainOutputAck answers a GrainOutputEvent.
type GrainOutputAck struct {
	Code     int    `json:"code"`
	ExecStep string `json:"execStep"`
}

// GetConfigEvent carries the device's identity and version report on the
// config channel.
type GetConfigEvent struct {
	Pid             string `json:"pid"`
	Mac             string `json:"mac"`
	HardwareVersion string `json:"hardwareVersion"`
	SoftwareVersion string `json:"softwareVersion"`
}

// FeedingPlan is a single scheduled feeding as serialized on the wire.
// ExecutionTime is "HH:MM" zoned to UTC; RepeatDay is the weekday set
// (1=Monday .. 7=Sunday), zero-padded to seven entries by the firmware.
type FeedingPlan struct {
	PlanID        int     `json:"planId"`
	ExecutionTime string  `json:"executionTime"`
	RepeatDay     []int   `json:"repeatDay"`
	EnableAudio   bool    `json:"enableAudio"`
	AudioTimes    int     `json:"audioTimes"`
	GrainNum      int     `json:"grainNum"`
	SyncTime      int64   `json:"syncTime"`
	SkipEndTime   *string `json:"skipEndTime,omitempty"`
}

// FeedingPlanRequest pushes the full plan set to the device.
type FeedingPlanRequest struct {
	Plans []FeedingPlan `json:"plans"`
}

// FeedingPlanEchoEntry is one accepted plan in a FeedingPlanEcho, carrying
// the sync time the device actually stored.
type FeedingPlanEchoEntry struct {
	PlanID   int   `json:"planId"`
	SyncTime int64 `json:"syncTime"`
}

// FeedingPlanEcho is the device's acknowledgement of a plan push. Msg is
// only present on error, e.g. "FeedPlanErro".
type FeedingPlanEcho struct {
	Code  int                    `json:"code"`
	Msg   string                 `json:"msg,omitempty"`
	Plans []FeedingPlanEchoEntry `json:"plans"`
}

// GetFeedingPlanResponse answers the device's own request for the current
// plan set, e.g. after a reboot.
type GetFeedingPlanResponse struct {
	Code  int           `json:"code"`
	Plans []FeedingPlan `json:"plans"`
}

// AttrValues is the sparse attribute object the device reports via
// ATTR_PUSH_EVENT and in answer to ATTR_GET_SERVICE. Only fields present on
// the wire are non-nil. Aging types are carried opaquely: their semantics
// are not understood and they are never interpreted or written back.
type AttrValues struct {
	// Power
	PowerMode        *int `json:"powerMode,omitempty"`
	PowerType        *int `json:"powerType,omitempty"`
	ElectricQuantity *int `json:"electricQuantity,omitempty"`

	// Feeder hardware
	SurplusGrain     *bool `json:"surplusGrain,omitempty"`
	MotorState       *int  `json:"motorState,omitempty"`
	GrainOutletState *bool `json:"grainOutletState,omitempty"`

	// Audio playback
	EnableAudio *bool   `json:"enableAudio,omitempty"`
	AudioURL    *string `json:"audioUrl,omitempty"`
	Volume      *int    `json:"volume,omitempty"`

	// Feature switches
	CameraSwitch           *bool `json:"cameraSwitch,omitempty"`
	VideoRecordSwitch      *bool `json:"videoRecordSwitch,omitempty"`
	MotionDetectionSwitch  *bool `json:"motionDetectionSwitch,omitempty"`
	SoundDetectionSwitch   *bool `json:"soundDetectionSwitch,omitempty"`
	CloudVideoRecordSwitch *bool `json:"cloudVideoRecordSwitch,omitempty"`
	SoundSwitch            *bool `json:"soundSwitch,omitempty"`
	LightSwitch            *bool `json:"lightSwitch,omitempty"`
	FeedingVideoSwitch     *bool `json:"feedingVideoSwitch,omitempty"`
	AutoChangeMode         *bool `json:"autoChangeMode,omitempty"`
	AutoThreshold          *int  `json:"autoThreshold,omitempty"`

	// Capability bits, read only
	EnableCamera          *bool `json:"enableCamera,omitempty"`
	EnableVideoRecord     *bool `json:"enableVideoRecord,omitempty"`
	EnableMotionDetection *bool `json:"enableMotionDetection,omitempty"`
	EnableSoundDetection  *bool `json:"enableSoundDetection,omitempty"`
	EnableSound           *bool `json:"enableSound,omitempty"`

	// Opaque feature bits
	CameraAgingType          *int `json:"cameraAgingType,omitempty"`
	VideoRecordAgingType     *int `json:"videoRecordAgingType,omitempty"`
	MotionDetectionAgingType *int `json:"motionDetectionAgingType,omitempty"`
	SoundDetectionAgingType  *int `json:"soundDetectionAgingType,omitempty"`
	SoundAgingType           *int `json:"soundAgingType,omitempty"`
	LightAgingType           *int `json:"lightAgingType,omitempty"`

	// SD card
	SdCardState         *int    `json:"sdCardState,omitempty"`
	SdCardFileSystem    *string `json:"sdCardFileSystem,omitempty"`
	SdCardTotalCapacity *int    `json:"sdCardTotalCapacity,omitempty"`
	SdCardUsedCapacity  *int    `json:"sdCardUsedCapacity,omitempty"`

	// Wifi, reported on ATTR_GET_SERVICE only
	WifiSsid *string `json:"wifiSsid,omitempty"`
}

// AttrPushEvent is the inbound attribute push. A Code of CodeDeviceNotBound
// here means the device lost its binding and must be re-bound.
type AttrPushEvent struct {
	Code *int `json:"code,omitempty"`
	AttrValues
}

// AttrSetRequest changes attributes on the device. Sparse: only non-nil
// fields travel. EnableAudio is an int on the wire, the firmware rejects a
// bool there, and it must always be sent together with AudioURL.
type AttrSetRequest struct {
	EnableAudio *int    `json:"enableAudio,omitempty"`
	AudioURL    *string `json:"audioUrl,omitempty"`
	Volume      *int    `json:"volume,omitempty"`

	CameraSwitch           *bool `json:"cameraSwitch,omitempty"`
	VideoRecordSwitch      *bool `json:"videoRecordSwitch,omitempty"`
	MotionDetectionSwitch  *bool `json:"motionDetectionSwitch,omitempty"`
	SoundDetectionSwitch   *bool `json:"soundDetectionSwitch,omitempty"`
	CloudVideoRecordSwitch *bool `json:"cloudVideoRecordSwitch,omitempty"`
	SoundSwitch            *bool `json:"soundSwitch,omitempty"`
	LightSwitch            *bool `json:"lightSwitch,omitempty"`
	AutoChangeMode         *bool `json:"autoChangeMode,omitempty"`
	AutoThreshold          *int  `json:"autoThreshold,omitempty"`
}

// OtaInform reports the device's OTA state.
type OtaInform struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMsg,omitempty"`
}

// OtaProgress reports progress while an update runs.
type OtaProgress struct {
	Progress string `json:"progress"`
}

package protocol

import "fmt"

// Command identifies the type of a protocol message. Every full envelope
// carries one in its "cmd" field and it decides which typed payload the
// rest of the object maps to.
//
// The table is reverse engineered from firmware 3.0.14 (hardware 1.0.7).
// Firmware variance is expected: ids not listed here decode into an
// Unknown command and are dropped by the dispatcher, never treated as an
// error.
type Command int

const (
	CmdInvalid Command = 0

	// Liveness and clock
	CmdHeartbeat Command = 1
	CmdNtp       Command = 2
	CmdNtpSync   Command = 3

	// Device-initiated events
	CmdDeviceStartEvent    Command = 10
	CmdErrorEvent          Command = 11
	CmdDetectionEvent      Command = 12
	CmdAttrPushEvent       Command = 13
	CmdGetFeedingPlanEvent Command = 14
	CmdGrainOutputEvent    Command = 15

	// Server-initiated services
	CmdAttrGetService           Command = 20
	CmdAttrSetService           Command = 21
	CmdManualFeedingService     Command = 22
	CmdFeedingPlanService       Command = 23
	CmdDeviceFeedingPlanService Command = 24
	CmdDeviceInfoService        Command = 25
	CmdDevicePropertiesService  Command = 26
	CmdInitializeSdCardService  Command = 27
	CmdWifiReconnectService     Command = 28
	CmdWifiChangeService        Command = 29
	CmdTutkContractService      Command = 30

	// Config channel
	CmdGetConfig        Command = 40
	CmdServerConfigPush Command = 41

	// System channel
	CmdBinding      Command = 50
	CmdDeviceReboot Command = 51
	CmdReset        Command = 52
	CmdRestore      Command = 53
	CmdUnbind       Command = 54

	// OTA channel
	CmdOtaInform   Command = 60
	CmdOtaProgress Command = 61
	CmdOtaUpgrade  Command = 62
)

var commandNames = map[Command]string{
	CmdHeartbeat:                "HEARTBEAT",
	CmdNtp:                      "NTP",
	CmdNtpSync:                  "NTP_SYNC",
	CmdDeviceStartEvent:         "DEVICE_START_EVENT",
	CmdErrorEvent:               "ERROR_EVENT",
	CmdDetectionEvent:           "DETECTION_EVENT",
	CmdAttrPushEvent:            "ATTR_PUSH_EVENT",
	CmdGetFeedingPlanEvent:      "GET_FEEDING_PLAN_EVENT",
	CmdGrainOutputEvent:         "GRAIN_OUTPUT_EVENT",
	CmdAttrGetService:           "ATTR_GET_SERVICE",
	CmdAttrSetService:           "ATTR_SET_SERVICE",
	CmdManualFeedingService:     "MANUAL_FEEDING_SERVICE",
	CmdFeedingPlanService:       "FEEDING_PLAN_SERVICE",
	CmdDeviceFeedingPlanService: "DEVICE_FEEDING_PLAN_SERVICE",
	CmdDeviceInfoService:        "DEVICE_INFO_SERVICE",
	CmdDevicePropertiesService:  "DEVICE_PROPERTIES_SERVICE",
	CmdInitializeSdCardService:  "INITIALIZE_SD_CARD_SERVICE",
	CmdWifiReconnectService:     "WIFI_RECONNECT_SERVICE",
	CmdWifiChangeService:        "WIFI_CHANGE_SERVICE",
	CmdTutkContractService:      "TUTK_CONTRACT_SERVICE",
	CmdGetConfig:                "GET_CONFIG",
	CmdServerConfigPush:         "SERVER_CONFIG_PUSH",
	CmdBinding:                  "BINDING",
	CmdDeviceReboot:             "DEVICE_REBOOT",
	CmdReset:                    "RESET",
	CmdRestore:                  "RESTORE",
	CmdUnbind:                   "UNBIND",
	CmdOtaInform:                "OTA_INFORM",
	CmdOtaProgress:              "OTA_PROGRESS",
	CmdOtaUpgrade:               "OTA_UPGRADE",
}

// Known reports whether the command is part of the reverse engineered table.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// Result codes carried in the "code" field of responses and some events.
const (
	CodeOK = 0

	// Reported on ATTR_PUSH_EVENT and NTP when the device lost its binding.
	// Triggers a wifi reset on the device when sent the other way.
	CodeDeviceNotBound = 2030
)

// Package attrs tracks the feeder's feature switches, audio settings and
// diagnostics as a desired/confirmed pair. Confirmed state only ever comes
// from the device's own reports.
package attrs

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/icex2/plaf203/internal/protocol"
)

// MaxAudioURLLen is the longest audio URL the firmware handles. Longer or
// empty URLs crash the device outright, so they are rejected before ever
// reaching the wire.
const MaxAudioURLLen = 100

// ErrInvalidAudioURL rejects an audio URL the device would choke on.
var ErrInvalidAudioURL = errors.New("invalid audio url")

// ErrUnknownSwitch rejects a switch name outside the known set.
var ErrUnknownSwitch = errors.New("unknown switch")

// Switch names a toggleable device feature.
type Switch string

const (
	SwitchCamera          Switch = "camera"
	SwitchVideoRecord     Switch = "videoRecord"
	SwitchMotionDetection Switch = "motionDetection"
	SwitchSoundDetection  Switch = "soundDetection"
	SwitchCloudVideo      Switch = "cloudVideoRecord"
	SwitchSound           Switch = "sound"
	SwitchLight           Switch = "light"
	SwitchAutoChangeMode  Switch = "autoChangeMode"
)

// Switches lists every settable switch.
var Switches = []Switch{
	SwitchCamera,
	SwitchVideoRecord,
	SwitchMotionDetection,
	SwitchSoundDetection,
	SwitchCloudVideo,
	SwitchSound,
	SwitchLight,
	SwitchAutoChangeMode,
}

func validSwitch(sw Switch) bool {
	for _, s := range Switches {
		if s == sw {
			return true
		}
	}
	return false
}

// ValidateAudioURL checks a URL against the firmware's limits.
func ValidateAudioURL(url string) error {
	if url == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAudioURL)
	}
	if len(url) > MaxAudioURLLen {
		return fmt.Errorf("%w: %d chars, limit %d", ErrInvalidAudioURL, len(url), MaxAudioURLLen)
	}
	return nil
}

type audioState struct {
	enabled bool
	url     string
}

// Store is the attribute state holder. Safe for concurrent use: the engine
// run loop writes, snapshots and the CLI read.
type Store struct {
	mu sync.Mutex

	desiredSwitches map[Switch]bool
	desiredVolume   *int
	desiredAudio    *audioState

	confirmed protocol.AttrValues
}

func NewStore() *Store {
	return &Store{desiredSwitches: make(map[Switch]bool)}
}

// SetSwitch records a desired switch position.
func (s *Store) SetSwitch(sw Switch, on bool) error {
	if !validSwitch(sw) {
		return fmt.Errorf("%w: %q", ErrUnknownSwitch, sw)
	}
	s.mu.Lock()
	s.desiredSwitches[sw] = on
	s.mu.Unlock()
	return nil
}

// SetVolume records a desired playback volume.
func (s *Store) SetVolume(volume int) error {
	if volume < 1 || volume > 100 {
		return fmt.Errorf("volume %d outside 1..100", volume)
	}
	s.mu.Lock()
	s.desiredVolume = &volume
	s.mu.Unlock()
	return nil
}

// SetAudio records the desired audio playback state. The URL is validated
// even when audio is being disabled: enable and URL always travel as a
// pair, so a bad URL would still reach the device.
func (s *Store) SetAudio(enabled bool, url string) error {
	if err := ValidateAudioURL(url); err != nil {
		return err
	}
	s.mu.Lock()
	s.desiredAudio = &audioState{enabled: enabled, url: url}
	s.mu.Unlock()
	return nil
}

// PendingSet builds the ATTR_SET_SERVICE payload for all desired changes
// not yet confirmed by the device. Returns false when nothing needs
// sending. The firmware requires enableAudio and audioUrl together; the
// pair is emitted whole whenever either differs from confirmed state.
func (s *Store) PendingSet() (*protocol.AttrSetRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := &protocol.AttrSetRequest{}
	dirty := false

	for sw, want := range s.desiredSwitches {
		if confirmed := s.confirmedSwitch(sw); confirmed == nil || *confirmed != want {
			on := want
			s.assignSwitch(req, sw, &on)
			dirty = true
		}
	}

	if s.desiredVolume != nil {
		if s.confirmed.Volume == nil || *s.confirmed.Volume != *s.desiredVolume {
			v := *s.desiredVolume
			req.Volume = &v
			dirty = true
		}
	}

	if s.desiredAudio != nil {
		enabledDiffers := s.confirmed.EnableAudio == nil || *s.confirmed.EnableAudio != s.desiredAudio.enabled
		urlDiffers := s.confirmed.AudioURL == nil || *s.confirmed.AudioURL != s.desiredAudio.url
		if enabledDiffers || urlDiffers {
			enable := 0
			if s.desiredAudio.enabled {
				enable = 1
			}
			url := s.desiredAudio.url
			req.EnableAudio = &enable
			req.AudioURL = &url
			dirty = true
		}
	}

	return req, dirty
}

// ApplyReport merges a device attribute report into the confirmed state.
// The report is sparse; absent fields keep their previous confirmed value.
// The device's word is final, even when it coerced a value.
func (s *Store) ApplyReport(v *protocol.AttrValues) {
	s.mu.Lock()
	mergeReport(&s.confirmed, v)
	s.mu.Unlock()
	zap.S().Debugw("Device attribute report applied")
}

// Confirmed returns a copy of the confirmed attribute state.
func (s *Store) Confirmed() protocol.AttrValues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// ConfirmedSwitch returns the confirmed position of a switch, or nil when
// the device never reported it.
func (s *Store) ConfirmedSwitch(sw Switch) *bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmedSwitch(sw)
}

func (s *Store) confirmedSwitch(sw Switch) *bool {
	switch sw {
	case SwitchCamera:
		return s.confirmed.CameraSwitch
	case SwitchVideoRecord:
		return s.confirmed.VideoRecordSwitch
	case SwitchMotionDetection:
		return s.confirmed.MotionDetectionSwitch
	case SwitchSoundDetection:
		return s.confirmed.SoundDetectionSwitch
	case SwitchCloudVideo:
		return s.confirmed.CloudVideoRecordSwitch
	case SwitchSound:
		return s.confirmed.SoundSwitch
	case SwitchLight:
		return s.confirmed.LightSwitch
	case SwitchAutoChangeMode:
		return s.confirmed.AutoChangeMode
	}
	return nil
}

func (s *Store) assignSwitch(req *protocol.AttrSetRequest, sw Switch, on *bool) {
	switch sw {
	case SwitchCamera:
		req.CameraSwitch = on
	case SwitchVideoRecord:
		req.VideoRecordSwitch = on
	case SwitchMotionDetection:
		req.MotionDetectionSwitch = on
	case SwitchSoundDetection:
		req.SoundDetectionSwitch = on
	case SwitchCloudVideo:
		req.CloudVideoRecordSwitch = on
	case SwitchSound:
		req.SoundSwitch = on
	case SwitchLight:
		req.LightSwitch = on
	case SwitchAutoChangeMode:
		req.AutoChangeMode = on
	}
}

func mergeReport(dst, src *protocol.AttrValues) {
	copyInt := func(d **int, s *int) {
		if s != nil {
			v := *s
			*d = &v
		}
	}
	copyBool := func(d **bool, s *bool) {
		if s != nil {
			v := *s
			*d = &v
		}
	}
	copyString := func(d **string, s *string) {
		if s != nil {
			v := *s
			*d = &v
		}
	}

	copyInt(&dst.PowerMode, src.PowerMode)
	copyInt(&dst.PowerType, src.PowerType)
	copyInt(&dst.ElectricQuantity, src.ElectricQuantity)

	copyBool(&dst.SurplusGrain, src.SurplusGrain)
	copyInt(&dst.MotorState, src.MotorState)
	copyBool(&dst.GrainOutletState, src.GrainOutletState)

	copyBool(&dst.EnableAudio, src.EnableAudio)
	copyString(&dst.AudioURL, src.AudioURL)
	copyInt(&dst.Volume, src.Volume)

	copyBool(&dst.CameraSwitch, src.CameraSwitch)
	copyBool(&dst.VideoRecordSwitch, src.VideoRecordSwitch)
	copyBool(&dst.MotionDetectionSwitch, src.MotionDetectionSwitch)
	copyBool(&dst.SoundDetectionSwitch, src.SoundDetectionSwitch)
	copyBool(&dst.CloudVideoRecordSwitch, src.CloudVideoRecordSwitch)
	copyBool(&dst.SoundSwitch, src.SoundSwitch)
	copyBool(&dst.LightSwitch, src.LightSwitch)
	copyBool(&dst.FeedingVideoSwitch, src.FeedingVideoSwitch)
	copyBool(&dst.AutoChangeMode, src.AutoChangeMode)
	copyInt(&dst.AutoThreshold, src.AutoThreshold)

	copyBool(&dst.EnableCamera, src.EnableCamera)
	copyBool(&dst.EnableVideoRecord, src.EnableVideoRecord)
	copyBool(&dst.EnableMotionDetection, src.EnableMotionDetection)
	copyBool(&dst.EnableSoundDetection, src.EnableSoundDetection)
	copyBool(&dst.EnableSound, src.EnableSound)

	copyInt(&dst.CameraAgingType, src.CameraAgingType)
	copyInt(&dst.VideoRecordAgingType, src.VideoRecordAgingType)
	copyInt(&dst.MotionDetectionAgingType, src.MotionDetectionAgingType)
	copyInt(&dst.SoundDetectionAgingType, src.SoundDetectionAgingType)
	copyInt(&dst.SoundAgingType, src.SoundAgingType)
	copyInt(&dst.LightAgingType, src.LightAgingType)

	copyInt(&dst.SdCardState, src.SdCardState)
	copyString(&dst.SdCardFileSystem, src.SdCardFileSystem)
	copyInt(&dst.SdCardTotalCapacity, src.SdCardTotalCapacity)
	copyInt(&dst.SdCardUsedCapacity, src.SdCardUsedCapacity)

	copyString(&dst.WifiSsid, src.WifiSsid)
}

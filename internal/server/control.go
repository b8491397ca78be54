package server

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// DeviceActions is the outward-facing collaborator interface for everything
// the control plane can do to the device. The camera application supplies the
// real implementation; the dispatcher contains no device logic of its own and
// is tested with fakes.
type DeviceActions interface {
	ToggleTorch() (on bool, err error)
	ToggleRecording() (recording bool, err error)
	SetConfig(key, value string) error
	RingAlarm(duration time.Duration) error
	StopAlarm() error
	ScheduleAlarm(delay, duration time.Duration) error
	Volume() (level, max int, err error)
	SetVolume(level int) error
}

// ValidationError rejects a control payload before it reaches the device.
// The HTTP layer maps it to a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Accepted value sets for the config endpoints.
var (
	recordingModes  = map[string]bool{"stream_only": true, "stream_and_save": true}
	streamQualities = map[string]bool{"low": true, "medium": true, "high": true, "ultra": true}
	videoCodecs     = map[string]bool{"avc": true, "hevc": true}
)

// Dispatcher validates control payloads and routes them to the device-action
// collaborator.
type Dispatcher struct {
	actions DeviceActions
}

// NewDispatcher returns a Dispatcher backed by actions.
func NewDispatcher(actions DeviceActions) *Dispatcher {
	return &Dispatcher{actions: actions}
}

// ToggleTorch flips the torch and returns the new state.
func (d *Dispatcher) ToggleTorch() (bool, error) {
	return d.actions.ToggleTorch()
}

// ToggleRecording flips recording and returns the new state.
func (d *Dispatcher) ToggleRecording() (bool, error) {
	return d.actions.ToggleRecording()
}

// SetRecordingMode applies a recording mode from the accepted set.
func (d *Dispatcher) SetRecordingMode(mode string) error {
	if !recordingModes[mode] {
		return &ValidationError{Field: "mode", Reason: "must be stream_only or stream_and_save"}
	}
	return d.actions.SetConfig("recordingMode", mode)
}

// SetStreamQuality applies a quality preset from the accepted set.
func (d *Dispatcher) SetStreamQuality(quality string) error {
	if !streamQualities[quality] {
		return &ValidationError{Field: "quality", Reason: "must be low, medium, high, or ultra"}
	}
	return d.actions.SetConfig("streamQuality", quality)
}

// SetBatteryWarning applies a low-battery warning threshold in percent.
func (d *Dispatcher) SetBatteryWarning(threshold int) error {
	if threshold < 0 || threshold > 100 {
		return &ValidationError{Field: "threshold", Reason: "must be between 0 and 100"}
	}
	return d.actions.SetConfig("batteryWarning", fmt.Sprintf("%d", threshold))
}

// SetVideoCodec applies a codec from the accepted set.
func (d *Dispatcher) SetVideoCodec(codec string) error {
	if !videoCodecs[codec] {
		return &ValidationError{Field: "codec", Reason: "must be avc or hevc"}
	}
	return d.actions.SetConfig("videoCodec", codec)
}

// RingAlarm starts the alarm immediately. durationMs < 0 means ring until
// stopped.
func (d *Dispatcher) RingAlarm(durationMs int64) error {
	return d.actions.RingAlarm(durationFromMs(durationMs))
}

// StopAlarm cancels a ringing or scheduled alarm.
func (d *Dispatcher) StopAlarm() error {
	return d.actions.StopAlarm()
}

// ScheduleAlarm rings the alarm after delayMs, which must be non-negative.
func (d *Dispatcher) ScheduleAlarm(delayMs, durationMs int64) error {
	if delayMs < 0 {
		return &ValidationError{Field: "delay_ms", Reason: "must be >= 0"}
	}
	return d.actions.ScheduleAlarm(time.Duration(delayMs)*time.Millisecond, durationFromMs(durationMs))
}

// Volume returns the current playback volume as a 0-100 percentage.
func (d *Dispatcher) Volume() (int, error) {
	level, max, err := d.actions.Volume()
	if err != nil {
		return 0, err
	}
	if max <= 0 {
		return 0, nil
	}
	return level * 100 / max, nil
}

// SetVolume applies a playback volume percentage in the validated 0-100
// range.
func (d *Dispatcher) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return &ValidationError{Field: "volume", Reason: "must be between 0 and 100"}
	}
	_, max, err := d.actions.Volume()
	if err != nil {
		return err
	}
	if max <= 0 {
		max = 100
	}
	return d.actions.SetVolume(percent * max / 100)
}

// ExecuteCommand routes a control command received by name, as relayed from
// cloud viewers through the gateway. Payloads carry the same JSON bodies the
// local HTTP endpoints accept, so both transports share one validation path.
func (d *Dispatcher) ExecuteCommand(name string, payload []byte) error {
	switch name {
	case "torch_toggle":
		_, err := d.ToggleTorch()
		return err
	case "recording_toggle":
		_, err := d.ToggleRecording()
		return err
	case "set_recording_mode":
		var p struct {
			Mode string `json:"mode"`
		}
		if err := decodeCommand(payload, &p); err != nil {
			return err
		}
		return d.SetRecordingMode(p.Mode)
	case "set_stream_quality":
		var p struct {
			Quality string `json:"quality"`
		}
		if err := decodeCommand(payload, &p); err != nil {
			return err
		}
		return d.SetStreamQuality(p.Quality)
	case "set_battery_warning":
		var p struct {
			Threshold int `json:"threshold"`
		}
		if err := decodeCommand(payload, &p); err != nil {
			return err
		}
		return d.SetBatteryWarning(p.Threshold)
	case "set_video_codec":
		var p struct {
			Codec string `json:"codec"`
		}
		if err := decodeCommand(payload, &p); err != nil {
			return err
		}
		return d.SetVideoCodec(p.Codec)
	case "alarm_ring":
		p := struct {
			DurationMs int64 `json:"duration_ms"`
		}{DurationMs: -1}
		if len(payload) > 0 {
			if err := decodeCommand(payload, &p); err != nil {
				return err
			}
		}
		return d.RingAlarm(p.DurationMs)
	case "alarm_stop":
		return d.StopAlarm()
	case "alarm_schedule":
		p := struct {
			DelayMs    int64 `json:"delay_ms"`
			DurationMs int64 `json:"duration_ms"`
		}{DelayMs: -1, DurationMs: 30000}
		if err := decodeCommand(payload, &p); err != nil {
			return err
		}
		return d.ScheduleAlarm(p.DelayMs, p.DurationMs)
	case "set_volume":
		var p struct {
			Volume int `json:"volume"`
		}
		if err := decodeCommand(payload, &p); err != nil {
			return err
		}
		return d.SetVolume(p.Volume)
	default:
		return &ValidationError{Field: "command", Reason: "unknown command " + name}
	}
}

func decodeCommand(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return &ValidationError{Field: "payload", Reason: "invalid JSON"}
	}
	return nil
}

func durationFromMs(ms int64) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}

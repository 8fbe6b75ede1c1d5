package session

import (
	"errors"
	"fmt"
	"slices"
)

// DeviceState is the power/sampling mode the session believes the device
// is in.
type DeviceState int

const (
	PoweredOff DeviceState = iota
	Idle
	FanOn
	LaserOn
	Sampling
)

func (s DeviceState) String() string {
	switch s {
	case PoweredOff:
		return "powered-off"
	case Idle:
		return "idle"
	case FanOn:
		return "fan-on"
	case LaserOn:
		return "laser-on"
	case Sampling:
		return "sampling"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// Operation names a session operation in errors and logs.
type Operation string

const (
	OpPowerOn           Operation = "power_on"
	OpPowerOff          Operation = "power_off"
	OpFanOn             Operation = "fan_on"
	OpFanOff            Operation = "fan_off"
	OpLaserOn           Operation = "laser_on"
	OpLaserOff          Operation = "laser_off"
	OpBeginSampleWindow Operation = "begin_sample_window"
	OpAbandonSample     Operation = "abandon_sample_window"
	OpReadHistogram     Operation = "read_histogram"
	OpReadPM            Operation = "read_pm"
	OpReadConfig        Operation = "read_config"
	OpWriteConfig       Operation = "write_config"
	OpReadFirmware      Operation = "read_firmware"
	OpSetFanPower       Operation = "set_fan_power"
	OpSetLaserPower     Operation = "set_laser_power"
)

var poweredStates = []DeviceState{Idle, FanOn, LaserOn, Sampling}

// allowed lists the states each operation may start from.
var allowed = map[Operation][]DeviceState{
	OpPowerOn:           {PoweredOff},
	OpPowerOff:          {PoweredOff, Idle, FanOn, LaserOn, Sampling},
	OpFanOn:             {Idle},
	OpFanOff:            {FanOn},
	OpLaserOn:           {FanOn},
	OpLaserOff:          {LaserOn},
	OpBeginSampleWindow: {Idle, FanOn, LaserOn},
	OpAbandonSample:     {Sampling},
	OpReadHistogram:     {FanOn, LaserOn, Sampling},
	OpReadPM:            poweredStates,
	OpReadConfig:        poweredStates,
	OpWriteConfig:       poweredStates,
	OpReadFirmware:      poweredStates,
	OpSetFanPower:       poweredStates,
	OpSetLaserPower:     poweredStates,
}

// Allowed reports whether op may be issued in state s.
func Allowed(op Operation, s DeviceState) bool {
	return slices.Contains(allowed[op], s)
}

var (
	ErrInvalidState            = errors.New("operation not valid in current state")
	ErrConfigRoundTripMismatch = errors.New("configuration read back differs from what was written")
	ErrClosed                  = errors.New("session closed")
)

// ErrorKind classifies an Error.
type ErrorKind int

const (
	InvalidState ErrorKind = iota
	ConfigRoundTripMismatch
)

// Error is a session-level failure.
type Error struct {
	Kind ErrorKind

	// Current and Attempted describe an InvalidState error.
	Current   DeviceState
	Attempted Operation

	// Offset is the first differing byte of a ConfigRoundTripMismatch, with
	// the byte written and the byte read back.
	Offset int
	Wrote  byte
	Read   byte
}

func (e *Error) Error() string {
	switch e.Kind {
	case InvalidState:
		return fmt.Sprintf("%s not valid in state %s", e.Attempted, e.Current)
	case ConfigRoundTripMismatch:
		return fmt.Sprintf("config round trip mismatch at offset %d: wrote 0x%02X, read 0x%02X", e.Offset, e.Wrote, e.Read)
	default:
		return fmt.Sprintf("session error kind %d", int(e.Kind))
	}
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidState:
		return e.Kind == InvalidState
	case ErrConfigRoundTripMismatch:
		return e.Kind == ConfigRoundTripMismatch
	}
	return false
}

package protocol

import (
	"math"
	"regexp"
	"strconv"
)

// Decoded is implemented by every value Codec.Decode can return.
type Decoded interface {
	Command() Command
}

// Ack is the decoded result of a command answered by the acknowledgement
// byte only.
type Ack struct {
	Cmd Command
}

func (a Ack) Command() Command { return a.Cmd }

// Environment holds the optional environmental readings of a histogram.
// A nil field was not reported by the device for this frame.
type Environment struct {
	// TemperatureC is in degrees Celsius.
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	// PressurePa is in pascal.
	PressurePa *uint32 `json:"pressure_pa,omitempty"`
	// HumidityPct is relative humidity in percent. OPC-N2 firmware does not
	// report it.
	HumidityPct *float64 `json:"humidity_pct,omitempty"`
}

// HistogramReading is one decoded histogram frame.
type HistogramReading struct {
	// Bins are particle counts per size bin.
	Bins [BinCount]uint16 `json:"bins"`
	// MToFRaw are the raw time-of-flight bytes for bins 1, 3, 5 and 7.
	MToFRaw [MToFCount]uint8 `json:"mtof_raw"`
	// MToF are the same values in microseconds.
	MToF [MToFCount]float64 `json:"mtof_us"`
	// SampleFlowRate is in ml/s.
	SampleFlowRate float32 `json:"sample_flow_rate"`
	// EnvironmentRaw is the shared temperature/pressure word as transmitted.
	EnvironmentRaw uint32      `json:"environment_raw"`
	Environment    Environment `json:"environment"`
	// SamplingPeriod is the accumulation time in seconds.
	SamplingPeriod float32 `json:"sampling_period"`
	Checksum       uint16  `json:"checksum"`
	PM1            float32 `json:"pm1"`
	PM2_5          float32 `json:"pm2_5"`
	PM10           float32 `json:"pm10"`
}

func (*HistogramReading) Command() Command { return CmdReadHistogram }

// TotalCount returns the sum of all bins.
func (h *HistogramReading) TotalCount() uint64 {
	var total uint64
	for _, b := range h.Bins {
		total += uint64(b)
	}
	return total
}

func decodeEnvironment(raw uint32) Environment {
	if raw > pressureThreshold {
		p := raw
		return Environment{PressurePa: &p}
	}
	t := float64(raw) / 10
	return Environment{TemperatureC: &t}
}

// PMReading is the decoded result of CmdReadPM, in ug/m3.
type PMReading struct {
	PM1   float32 `json:"pm1"`
	PM2_5 float32 `json:"pm2_5"`
	PM10  float32 `json:"pm10"`
}

func (PMReading) Command() Command { return CmdReadPM }

// DeviceConfig is the 256-byte configuration block. Reserved bytes are kept
// so that a decoded block re-encodes to identical bytes.
type DeviceConfig struct {
	BinBoundaries            [BinCount]uint16         `json:"bin_boundaries"`
	BinParticleVolume        [BinCount]float32        `json:"bin_particle_volume"`
	BinParticleDensity       [BinCount]float32        `json:"bin_particle_density"`
	BinSampleVolumeWeighting [BinCount]float32        `json:"bin_sample_volume_weighting"`
	GainScalingCoefficient   float32                  `json:"gain_scaling_coefficient"`
	SampleFlowRate           float32                  `json:"sample_flow_rate"`
	LaserDAC                 uint8                    `json:"laser_dac"`
	FanDAC                   uint8                    `json:"fan_dac"`
	TOFToSFRFactor           uint8                    `json:"tof_to_sfr_factor"`
	Reserved                 [configReservedSize]byte `json:"reserved"`
}

func (*DeviceConfig) Command() Command { return CmdReadConfig }

// FirmwareVersion is the identification string returned by CmdReadFirmware.
type FirmwareVersion struct {
	Raw   [FirmwareSize]byte `json:"-"`
	Text  string             `json:"text"`
	Major int                `json:"major"`
	Minor int                `json:"minor"`
}

func (*FirmwareVersion) Command() Command { return CmdReadFirmware }

func (f *FirmwareVersion) String() string { return f.Text }

var firmwareVersionPattern = regexp.MustCompile(`FirmwareVer=OPC-?0*(\d+)(?:\.(\d+))?`)

func parseFirmware(raw []byte) *FirmwareVersion {
	fw := &FirmwareVersion{}
	copy(fw.Raw[:], raw)
	fw.Text = string(trimPadding(raw))
	if m := firmwareVersionPattern.FindStringSubmatch(fw.Text); m != nil {
		fw.Major, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			fw.Minor, _ = strconv.Atoi(m[2])
		}
	}
	return fw
}

// trimPadding strips the NUL, 0xFF and whitespace bytes the device uses to
// fill unused string space.
func trimPadding(b []byte) []byte {
	pad := func(c byte) bool { return c == 0x00 || c == 0xFF || c == ' ' || c == '\r' || c == '\n' }
	start, end := 0, len(b)
	for start < end && pad(b[start]) {
		start++
	}
	for end > start && pad(b[end-1]) {
		end--
	}
	return b[start:end]
}

func finite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

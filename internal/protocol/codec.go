package protocol

import (
	"bytes"
	"fmt"
)

// Codec encodes commands and decodes responses for one command set. It holds
// no mutable state and is safe to share.
type Codec struct {
	set *CommandSet
}

// NewCodec returns a codec for set. A nil set selects DefaultCommandSet.
func NewCodec(set *CommandSet) *Codec {
	if set == nil {
		set = DefaultCommandSet()
	}
	return &Codec{set: set}
}

// CommandSet returns the table the codec consults.
func (c *Codec) CommandSet() *CommandSet { return c.set }

// Encode builds the frame for cmd. args are the caller-supplied payload
// bytes and must match the command's declared argument length.
func (c *Codec) Encode(cmd Command, args []byte) (CommandFrame, error) {
	spec, err := c.set.Spec(cmd)
	if err != nil {
		return CommandFrame{}, err
	}
	if len(args) != spec.Payload.ArgLen {
		return CommandFrame{}, fmt.Errorf("%w: %s takes %d argument bytes, got %d",
			ErrPayloadLength, cmd, spec.Payload.ArgLen, len(args))
	}
	payload := make([]byte, 0, spec.Payload.Len())
	payload = append(payload, spec.Payload.Prefix...)
	payload = append(payload, args...)
	for len(payload) < spec.Payload.Len() {
		payload = append(payload, 0x00)
	}
	return CommandFrame{
		Command:  cmd,
		Opcode:   spec.Opcode,
		payload:  payload,
		checksum: spec.CommandChecksum,
	}, nil
}

// Verify checks the length and declared checksums of a response without
// decoding its fields.
func (c *Codec) Verify(cmd Command, raw []byte) error {
	spec, err := c.set.Spec(cmd)
	if err != nil {
		return err
	}
	if spec.Response == nil {
		if len(raw) != 0 {
			return &DecodeError{Kind: LengthMismatch, Layout: cmd.String(), Expected: 0, Actual: len(raw)}
		}
		return nil
	}
	l := spec.Response
	if len(raw) != l.Size {
		return &DecodeError{Kind: LengthMismatch, Layout: l.Name, Expected: l.Size, Actual: len(raw)}
	}
	return l.verifyChecksums(raw)
}

// Decode verifies raw against the response layout of cmd and returns the
// typed value. Acknowledgement-only commands decode to Ack.
func (c *Codec) Decode(cmd Command, raw []byte) (Decoded, error) {
	if err := c.Verify(cmd, raw); err != nil {
		return nil, err
	}
	spec, _ := c.set.Spec(cmd)
	if spec.Response == nil {
		return Ack{Cmd: cmd}, nil
	}
	rec, err := Unpack(spec.Response, raw)
	if err != nil {
		return nil, err
	}
	switch cmd {
	case CmdReadHistogram:
		return histogramFromRecord(spec.Response.Name, rec)
	case CmdReadPM:
		return pmFromRecord(spec.Response.Name, rec)
	case CmdReadConfig:
		return configFromRecord(rec), nil
	case CmdReadFirmware:
		return parseFirmware(rec.Bytes("text")), nil
	default:
		return nil, fmt.Errorf("no decoder for %s", cmd)
	}
}

// DecodeHistogram decodes a firmware 16-18 histogram frame.
func DecodeHistogram(raw []byte) (*HistogramReading, error) {
	if err := checkFrame(histogramLayout, raw); err != nil {
		return nil, err
	}
	rec, _ := Unpack(histogramLayout, raw)
	return histogramFromRecord(histogramLayout.Name, rec)
}

// DecodePM decodes a PM frame.
func DecodePM(raw []byte) (*PMReading, error) {
	if err := checkFrame(pmLayout, raw); err != nil {
		return nil, err
	}
	rec, _ := Unpack(pmLayout, raw)
	pm, err := pmFromRecord(pmLayout.Name, rec)
	if err != nil {
		return nil, err
	}
	return &pm, nil
}

// DecodeConfig decodes a 256-byte configuration block.
func DecodeConfig(raw []byte) (*DeviceConfig, error) {
	if err := checkFrame(configLayout, raw); err != nil {
		return nil, err
	}
	rec, _ := Unpack(configLayout, raw)
	return configFromRecord(rec), nil
}

// DecodeFirmware decodes the 60-byte firmware identification string.
func DecodeFirmware(raw []byte) (*FirmwareVersion, error) {
	if err := checkFrame(firmwareLayout, raw); err != nil {
		return nil, err
	}
	return parseFirmware(raw), nil
}

func checkFrame(l *Layout, raw []byte) error {
	if len(raw) != l.Size {
		return &DecodeError{Kind: LengthMismatch, Layout: l.Name, Expected: l.Size, Actual: len(raw)}
	}
	return l.verifyChecksums(raw)
}

func histogramFromRecord(layout string, rec Record) (*HistogramReading, error) {
	h := &HistogramReading{
		SampleFlowRate: rec.Float32("sample_flow_rate"),
		EnvironmentRaw: rec.Uint32("temperature_pressure"),
		SamplingPeriod: rec.Float32("sampling_period"),
		Checksum:       rec.Uint16s("checksum")[0],
		PM1:            rec.Float32("pm1"),
		PM2_5:          rec.Float32("pm2_5"),
		PM10:           rec.Float32("pm10"),
	}
	copy(h.Bins[:], rec.Uint16s("bins"))
	for i, v := range rec.Uint8s("mtof") {
		h.MToFRaw[i] = v
		h.MToF[i] = float64(v) / 3
	}
	h.Environment = decodeEnvironment(h.EnvironmentRaw)

	if !finite(h.SamplingPeriod) || h.SamplingPeriod <= 0 {
		return nil, fieldRange(layout, "sampling_period", "must be a positive number of seconds, got %v", h.SamplingPeriod)
	}
	if !finite(h.SampleFlowRate) || h.SampleFlowRate < 0 {
		return nil, fieldRange(layout, "sample_flow_rate", "must be a non-negative number, got %v", h.SampleFlowRate)
	}
	if err := checkPM(layout, h.PM1, h.PM2_5, h.PM10); err != nil {
		return nil, err
	}
	return h, nil
}

func pmFromRecord(layout string, rec Record) (PMReading, error) {
	pm := PMReading{PM1: rec.Float32("pm1"), PM2_5: rec.Float32("pm2_5"), PM10: rec.Float32("pm10")}
	if err := checkPM(layout, pm.PM1, pm.PM2_5, pm.PM10); err != nil {
		return PMReading{}, err
	}
	return pm, nil
}

// checkPM enforces PM1 <= PM2.5 <= PM10, each finite and non-negative. The
// mass fractions are cumulative so any other ordering is a corrupt frame.
func checkPM(layout string, pm1, pm25, pm10 float32) error {
	for _, f := range []struct {
		name string
		v    float32
	}{{"pm1", pm1}, {"pm2_5", pm25}, {"pm10", pm10}} {
		if !finite(f.v) || f.v < 0 {
			return fieldRange(layout, f.name, "must be a non-negative number, got %v", f.v)
		}
	}
	if pm1 > pm25 || pm25 > pm10 {
		return fieldRange(layout, "pm", "expected pm1 <= pm2_5 <= pm10, got %v, %v, %v", pm1, pm25, pm10)
	}
	return nil
}

func configFromRecord(rec Record) *DeviceConfig {
	cfg := &DeviceConfig{
		GainScalingCoefficient: rec.Float32("gain_scaling_coefficient"),
		SampleFlowRate:         rec.Float32("sample_flow_rate"),
		LaserDAC:               rec.Uint8("laser_dac"),
		FanDAC:                 rec.Uint8("fan_dac"),
		TOFToSFRFactor:         rec.Uint8("tof_to_sfr_factor"),
	}
	copy(cfg.BinBoundaries[:], rec.Uint16s("bin_boundaries"))
	copy(cfg.BinParticleVolume[:], rec.Float32s("bin_particle_volume"))
	copy(cfg.BinParticleDensity[:], rec.Float32s("bin_particle_density"))
	copy(cfg.BinSampleVolumeWeighting[:], rec.Float32s("bin_sample_volume_weighting"))
	copy(cfg.Reserved[:], rec.Bytes("reserved"))
	return cfg
}

// EncodeConfig returns the 256 bytes written by CmdWriteConfig.
func EncodeConfig(cfg *DeviceConfig) []byte {
	rec := Record{
		"bin_boundaries":              Uint16sValue(cfg.BinBoundaries[:]...),
		"bin_particle_volume":         Float32sValue(cfg.BinParticleVolume[:]...),
		"bin_particle_density":        Float32sValue(cfg.BinParticleDensity[:]...),
		"bin_sample_volume_weighting": Float32sValue(cfg.BinSampleVolumeWeighting[:]...),
		"gain_scaling_coefficient":    Float32sValue(cfg.GainScalingCoefficient),
		"sample_flow_rate":            Float32sValue(cfg.SampleFlowRate),
		"laser_dac":                   Uint8sValue(cfg.LaserDAC),
		"fan_dac":                     Uint8sValue(cfg.FanDAC),
		"tof_to_sfr_factor":           Uint8sValue(cfg.TOFToSFRFactor),
		"reserved":                    BytesValue(cfg.Reserved[:]),
	}
	return mustPack(configLayout, rec)
}

// EncodeHistogram returns the wire bytes of a histogram frame with a freshly
// computed bin checksum. The Checksum field of h is ignored.
func EncodeHistogram(h *HistogramReading) []byte {
	rec := Record{
		"bins":                 Uint16sValue(h.Bins[:]...),
		"mtof":                 Uint8sValue(h.MToFRaw[:]...),
		"sample_flow_rate":     Float32sValue(h.SampleFlowRate),
		"temperature_pressure": Uint32Value(h.EnvironmentRaw),
		"sampling_period":      Float32sValue(h.SamplingPeriod),
		"pm1":                  Float32sValue(h.PM1),
		"pm2_5":                Float32sValue(h.PM2_5),
		"pm10":                 Float32sValue(h.PM10),
	}
	return mustPack(histogramLayout, rec)
}

// EncodePM returns the wire bytes of a PM frame.
func EncodePM(pm PMReading) []byte {
	return mustPack(pmLayout, Record{
		"pm1":   Float32sValue(pm.PM1),
		"pm2_5": Float32sValue(pm.PM2_5),
		"pm10":  Float32sValue(pm.PM10),
	})
}

// EncodeFirmware pads an identification string to the 60-byte frame.
func EncodeFirmware(text string) []byte {
	raw := bytes.Repeat([]byte{' '}, FirmwareSize)
	copy(raw, text)
	return raw
}

// SealResponse appends or rewrites the checksums the command set declares
// for cmd's response. body must hold every non-trailer byte of the response.
func (c *Codec) SealResponse(cmd Command, body []byte) ([]byte, error) {
	spec, err := c.set.Spec(cmd)
	if err != nil {
		return nil, err
	}
	if spec.Response == nil {
		return nil, nil
	}
	l := spec.Response
	raw := make([]byte, l.Size)
	copy(raw, body)
	l.seal(raw)
	return raw, nil
}

// mustPack is used with records built from fixed-size structs, which always
// match their layout.
func mustPack(l *Layout, rec Record) []byte {
	raw, err := Pack(l, rec)
	if err != nil {
		panic(err)
	}
	return raw
}

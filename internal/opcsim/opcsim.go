// Package opcsim is an in-memory OPC-N2 that speaks the SPI command protocol
// through the transport.Transport interface. It backs the driver tests and
// the CLI's -dev mode.
package opcsim

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/waggle-sensor/opcn2/internal/protocol"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

// DefaultFirmware is the identification string reported unless overridden.
const DefaultFirmware = "OPC-N2 FirmwareVer=OPC-018.2..............................BD"

// Options configures a Device.
type Options struct {
	// Firmware is the identification string. Defaults to DefaultFirmware.
	Firmware string
	// Codec seals responses, so a command set with response trailers can be
	// simulated. Defaults to the OPC-N2 table.
	Codec *protocol.Codec
	// Clock drives the reported sampling period.
	Clock timeutil.Clock
	// Seed makes particle counts reproducible.
	Seed uint64
	// Config is the initial configuration block.
	Config *protocol.DeviceConfig
	// TemperatureDeciC is reported in the shared environment word.
	TemperatureDeciC uint32
}

// Device is a simulated OPC-N2.
type Device struct {
	mu sync.Mutex

	opts   Options
	codec  *protocol.Codec
	clock  timeutil.Clock
	rng    *rand.Rand
	config []byte

	fanOn      bool
	laserOn    bool
	lastRead   time.Time
	rx         bytes.Buffer
	readErr    error
	busy       int
	corrupt    int
	failOn     map[byte]error
	closed     bool
	closeCalls int
	log        [][]byte
}

// New returns a powered, idle device.
func New(opts Options) *Device {
	if opts.Firmware == "" {
		opts.Firmware = DefaultFirmware
	}
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(nil)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.TemperatureDeciC == 0 {
		opts.TemperatureDeciC = 215
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Device{
		opts:     opts,
		codec:    opts.Codec,
		clock:    opts.Clock,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15)),
		config:   protocol.EncodeConfig(cfg),
		lastRead: opts.Clock.Now(),
		failOn:   make(map[byte]error),
	}
}

// DefaultConfig returns a plausible factory configuration.
func DefaultConfig() *protocol.DeviceConfig {
	cfg := &protocol.DeviceConfig{
		GainScalingCoefficient: 1.0,
		SampleFlowRate:         5.0,
		LaserDAC:               180,
		FanDAC:                 255,
		TOFToSFRFactor:         3,
	}
	bounds := [...]uint16{0, 38, 64, 91, 118, 145, 185, 250, 330, 415, 485, 560, 670, 775, 880, 980}
	copy(cfg.BinBoundaries[:], bounds[:])
	for i := range cfg.BinParticleVolume {
		d := 0.38 + 0.6*float32(i)
		cfg.BinParticleVolume[i] = 0.5236 * d * d * d
		cfg.BinParticleDensity[i] = 1.65
		cfg.BinSampleVolumeWeighting[i] = 1.0
	}
	return cfg
}

// Busy makes the next n commands answer with the busy byte.
func (d *Device) Busy(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = n
}

// Corrupt flips one bit in the next n response bodies that carry a
// checksum. Responses without one are left intact.
func (d *Device) Corrupt(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt = n
}

// FailOn makes the read following any command with opcode op return err.
func (d *Device) FailOn(op byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failOn, op)
		return
	}
	d.failOn[op] = err
}

// FanOn reports whether the simulated fan is running.
func (d *Device) FanOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fanOn
}

// LaserOn reports whether the simulated laser is on.
func (d *Device) LaserOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.laserOn
}

// ConfigBytes returns the stored configuration block.
func (d *Device) ConfigBytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Clone(d.config)
}

// Commands returns every frame written to the device.
func (d *Device) Commands() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.log))
	for i, f := range d.log {
		out[i] = bytes.Clone(f)
	}
	return out
}

// Closed reports whether Close was called, and how many times.
func (d *Device) Closed() (bool, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed, d.closeCalls
}

func (d *Device) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return transport.ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	d.log = append(d.log, bytes.Clone(p))

	if err, ok := d.failOn[p[0]]; ok {
		d.readErr = err
		return nil
	}
	if d.busy > 0 {
		d.busy--
		d.rx.WriteByte(protocol.AckBusy)
		return nil
	}

	body, ok := d.handle(p)
	if !ok {
		return nil
	}
	d.rx.WriteByte(protocol.AckReady)
	d.rx.Write(body)
	return nil
}

// maybeCorrupt flips a bit in the leading bytes of body, which are covered
// by the checksum in every checksummed layout.
func (d *Device) maybeCorrupt(cmd protocol.Command, body []byte) {
	if d.corrupt == 0 || len(body) == 0 {
		return
	}
	spec, err := d.codec.CommandSet().Spec(cmd)
	if err != nil || spec.Response == nil || len(spec.Response.Checksums) == 0 {
		return
	}
	d.corrupt--
	i := d.rng.IntN(min(len(body), 2*protocol.BinCount))
	body[i] ^= 1 << d.rng.IntN(8)
}

// handle applies a command and returns the response body. ok is false for
// frames the device does not recognise, which it leaves unanswered.
func (d *Device) handle(p []byte) (body []byte, ok bool) {
	op, payload := p[0], p[1:]
	seal := func(cmd protocol.Command, raw []byte) ([]byte, bool) {
		out, err := d.codec.SealResponse(cmd, raw)
		if err != nil {
			return nil, false
		}
		d.maybeCorrupt(cmd, out)
		return out, true
	}

	switch op {
	case protocol.OpCheckStatus:
		return nil, true
	case protocol.OpPower:
		if len(payload) < 1 {
			return nil, false
		}
		switch payload[0] {
		case protocol.PowerAllOn:
			d.fanOn, d.laserOn = true, true
		case protocol.PowerAllOff:
			d.fanOn, d.laserOn = false, false
		case protocol.PowerLaserOn:
			d.laserOn = true
		case protocol.PowerLaserOff:
			d.laserOn = false
		case protocol.PowerFanOn:
			d.fanOn = true
		case protocol.PowerFanOff:
			d.fanOn = false
		default:
			return nil, false
		}
		return nil, true
	case protocol.OpReadHistogram:
		return seal(protocol.CmdReadHistogram, protocol.EncodeHistogram(d.sample()))
	case protocol.OpReadPM:
		return seal(protocol.CmdReadPM, protocol.EncodePM(d.pm()))
	case protocol.OpReadConfig:
		return seal(protocol.CmdReadConfig, bytes.Clone(d.config))
	case protocol.OpWriteConfig:
		if len(payload) < protocol.ConfigSize {
			return nil, false
		}
		copy(d.config, payload[:protocol.ConfigSize])
		return nil, true
	case protocol.OpReadFirmware:
		return seal(protocol.CmdReadFirmware, protocol.EncodeFirmware(d.opts.Firmware))
	case protocol.OpSetPeripheral:
		if len(payload) < 2 {
			return nil, false
		}
		cfg, err := protocol.DecodeConfig(d.config)
		if err != nil {
			return nil, false
		}
		switch payload[0] {
		case protocol.PeripheralFan:
			cfg.FanDAC = payload[1]
		case protocol.PeripheralLaser:
			cfg.LaserDAC = payload[1]
		default:
			return nil, false
		}
		d.config = protocol.EncodeConfig(cfg)
		return nil, true
	default:
		return nil, false
	}
}

// sample produces a histogram for the time since the previous read and
// restarts accumulation.
func (d *Device) sample() *protocol.HistogramReading {
	now := d.clock.Now()
	period := float32(now.Sub(d.lastRead).Seconds())
	d.lastRead = now
	if period <= 0 {
		period = 0.001
	}

	h := &protocol.HistogramReading{
		SamplingPeriod: period,
		EnvironmentRaw: d.opts.TemperatureDeciC,
	}
	if !d.fanOn || !d.laserOn {
		// no airflow or no light, no counts
		return h
	}

	h.SampleFlowRate = 3.5 + d.rng.Float32()
	for i := range h.Bins {
		h.Bins[i] = uint16(d.rng.IntN(200 >> (i / 3)))
	}
	for i := range h.MToFRaw {
		h.MToFRaw[i] = uint8(20 + d.rng.IntN(40))
	}
	pm := d.pm()
	h.PM1, h.PM2_5, h.PM10 = pm.PM1, pm.PM2_5, pm.PM10
	return h
}

func (d *Device) pm() protocol.PMReading {
	if !d.fanOn || !d.laserOn {
		return protocol.PMReading{}
	}
	pm1 := 2 + 3*d.rng.Float32()
	pm25 := pm1 + 4*d.rng.Float32()
	return protocol.PMReading{PM1: pm1, PM2_5: pm25, PM10: pm25 + 6*d.rng.Float32()}
}

func (d *Device) Read(max int, _ time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	if d.readErr != nil {
		err := d.readErr
		d.readErr = nil
		return nil, err
	}
	return bytes.Clone(d.rx.Next(max)), nil
}

// ResetInputBuffer discards unread response bytes.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx.Reset()
	return nil
}

// Close marks the device closed. Later I/O fails with transport.ErrClosed.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.closeCalls++
	return nil
}

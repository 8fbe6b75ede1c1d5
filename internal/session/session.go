// Package session drives one OPC-N2 through its power and sampling states.
//
// A Session owns the link and transport it was opened with. It issues one
// command at a time and is not safe for concurrent use. Operations that are
// not valid in the current state fail with ErrInvalidState before any I/O,
// and a failed command never changes the recorded state.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/waggle-sensor/opcn2/internal/link"
	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/protocol"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

// Config configures a Session.
type Config struct {
	Link link.Options
	// CommandSet defaults to protocol.DefaultCommandSet.
	CommandSet *protocol.CommandSet
	// VerifyFirmware reads the firmware string during PowerOn and rejects
	// firmware the command set was not built for.
	VerifyFirmware bool
	// Clock defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the configuration used for firmware 16 to 18.
func DefaultConfig() Config {
	return Config{Link: link.DefaultOptions(), VerifyFirmware: true}
}

// Session is an open connection to one device.
type Session struct {
	id    uuid.UUID
	link  *link.Link
	codec *protocol.Codec
	cfg   Config
	clock timeutil.Clock

	state       DeviceState
	preSample   DeviceState
	windowStart time.Time
	firmware    *protocol.FirmwareVersion
	closed      bool
}

// Open wraps t in a session. No I/O is performed; the device starts in
// PoweredOff.
func Open(t transport.Transport, cfg Config) (*Session, error) {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	codec := protocol.NewCodec(cfg.CommandSet)
	l, err := link.New(t, codec, cfg.Link, cfg.Clock)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:    uuid.New(),
		link:  l,
		codec: codec,
		cfg:   cfg,
		clock: cfg.Clock,
		state: PoweredOff,
	}
	monitoring.SessionState.Set(float64(PoweredOff))
	return s, nil
}

// ID identifies the session in logs and stored snapshots.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current device state.
func (s *Session) State() DeviceState { return s.state }

// Firmware returns the firmware read during this session, or nil.
func (s *Session) Firmware() *protocol.FirmwareVersion { return s.firmware }

// LinkStats returns the link counters.
func (s *Session) LinkStats() link.Stats { return s.link.Stats() }

// SampleWindowStart returns when BeginSampleWindow was last called.
func (s *Session) SampleWindowStart() time.Time { return s.windowStart }

func (s *Session) check(op Operation) error {
	if s.closed {
		return ErrClosed
	}
	if !Allowed(op, s.state) {
		return &Error{Kind: InvalidState, Current: s.state, Attempted: op}
	}
	return nil
}

func (s *Session) setState(next DeviceState) {
	if next == s.state {
		return
	}
	monitoring.Logf("opcn2 session %s: %s -> %s", s.id, s.state, next)
	s.state = next
	monitoring.SessionState.Set(float64(next))
}

// send performs one command and decodes its response.
func (s *Session) send(ctx context.Context, cmd protocol.Command, args []byte) (protocol.Decoded, []byte, error) {
	resp, err := s.link.SendAndAwait(ctx, cmd, args)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cmd, err)
	}
	d, err := s.codec.Decode(cmd, resp.Raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return d, resp.Raw, nil
}

// transition checks op, sends cmd and moves to next on success.
func (s *Session) transition(ctx context.Context, op Operation, cmd protocol.Command, next DeviceState) error {
	if err := s.check(op); err != nil {
		return err
	}
	if _, _, err := s.send(ctx, cmd, nil); err != nil {
		return err
	}
	s.setState(next)
	return nil
}

// PowerOn wakes the device. With VerifyFirmware set it also reads the
// firmware string and fails with protocol.ErrUnsupportedFirmware if the
// command set does not cover it.
func (s *Session) PowerOn(ctx context.Context) error {
	if err := s.check(OpPowerOn); err != nil {
		return err
	}
	if _, _, err := s.send(ctx, protocol.CmdPowerOn, nil); err != nil {
		return err
	}
	if s.cfg.VerifyFirmware {
		fw, err := s.readFirmware(ctx)
		if err != nil {
			return err
		}
		if !s.codec.CommandSet().SupportsFirmware(fw.Text) {
			return fmt.Errorf("%w: %q is not covered by %s", protocol.ErrUnsupportedFirmware, fw.Text, s.codec.CommandSet().Revision)
		}
	}
	s.setState(Idle)
	return nil
}

// PowerOff switches fan and laser off.
func (s *Session) PowerOff(ctx context.Context) error {
	return s.transition(ctx, OpPowerOff, protocol.CmdPowerOff, PoweredOff)
}

func (s *Session) FanOn(ctx context.Context) error {
	return s.transition(ctx, OpFanOn, protocol.CmdFanOn, FanOn)
}

func (s *Session) FanOff(ctx context.Context) error {
	return s.transition(ctx, OpFanOff, protocol.CmdFanOff, Idle)
}

func (s *Session) LaserOn(ctx context.Context) error {
	return s.transition(ctx, OpLaserOn, protocol.CmdLaserOn, LaserOn)
}

// LaserOff switches both laser and fan off, leaving the device Idle.
func (s *Session) LaserOff(ctx context.Context) error {
	return s.transition(ctx, OpLaserOff, protocol.CmdPowerOff, Idle)
}

// BeginSampleWindow marks the start of an accumulation window. The next
// ReadHistogram ends it and returns to the current state.
func (s *Session) BeginSampleWindow() error {
	if err := s.check(OpBeginSampleWindow); err != nil {
		return err
	}
	s.preSample = s.state
	s.windowStart = s.clock.Now()
	s.setState(Sampling)
	return nil
}

// AbandonSampleWindow ends a window whose histogram could not be read and
// returns to the state that preceded it. No command is sent.
func (s *Session) AbandonSampleWindow() error {
	if err := s.check(OpAbandonSample); err != nil {
		return err
	}
	s.setState(s.preSample)
	return nil
}

// ReadHistogram reads and clears the device's particle counters.
func (s *Session) ReadHistogram(ctx context.Context) (*protocol.HistogramReading, error) {
	if err := s.check(OpReadHistogram); err != nil {
		return nil, err
	}
	d, _, err := s.send(ctx, protocol.CmdReadHistogram, nil)
	if err != nil {
		monitoring.HistogramReads.WithLabelValues(histogramResult(err)).Inc()
		return nil, err
	}
	monitoring.HistogramReads.WithLabelValues("ok").Inc()
	if s.state == Sampling {
		s.setState(s.preSample)
	}
	return d.(*protocol.HistogramReading), nil
}

func histogramResult(err error) string {
	switch {
	case errors.Is(err, protocol.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, protocol.ErrFieldRange):
		return "field_range"
	case protocol.IsDecodeError(err):
		return "decode_error"
	default:
		return "link_error"
	}
}

// ReadPM reads the PM mass concentrations.
func (s *Session) ReadPM(ctx context.Context) (protocol.PMReading, error) {
	if err := s.check(OpReadPM); err != nil {
		return protocol.PMReading{}, err
	}
	d, _, err := s.send(ctx, protocol.CmdReadPM, nil)
	if err != nil {
		return protocol.PMReading{}, err
	}
	return d.(protocol.PMReading), nil
}

// ReadConfig reads the configuration block.
func (s *Session) ReadConfig(ctx context.Context) (*protocol.DeviceConfig, error) {
	cfg, _, err := s.readConfig(ctx, OpReadConfig)
	return cfg, err
}

// ReadConfigBytes reads the configuration block as transmitted.
func (s *Session) ReadConfigBytes(ctx context.Context) ([]byte, error) {
	_, raw, err := s.readConfig(ctx, OpReadConfig)
	return raw, err
}

func (s *Session) readConfig(ctx context.Context, op Operation) (*protocol.DeviceConfig, []byte, error) {
	if err := s.check(op); err != nil {
		return nil, nil, err
	}
	d, raw, err := s.send(ctx, protocol.CmdReadConfig, nil)
	if err != nil {
		return nil, nil, err
	}
	return d.(*protocol.DeviceConfig), raw[:protocol.ConfigSize], nil
}

// WriteConfig writes cfg and reads it back. A read-back that differs fails
// with a ConfigRoundTripMismatch naming the first differing byte.
func (s *Session) WriteConfig(ctx context.Context, cfg *protocol.DeviceConfig) error {
	return s.WriteConfigBytes(ctx, protocol.EncodeConfig(cfg))
}

// WriteConfigBytes writes a raw 256-byte block, as captured by
// ReadConfigBytes, and verifies it the same way as WriteConfig.
func (s *Session) WriteConfigBytes(ctx context.Context, raw []byte) error {
	if err := s.check(OpWriteConfig); err != nil {
		return err
	}
	if len(raw) != protocol.ConfigSize {
		return fmt.Errorf("%w: config block is %d bytes, want %d", protocol.ErrPayloadLength, len(raw), protocol.ConfigSize)
	}
	if _, _, err := s.send(ctx, protocol.CmdWriteConfig, raw); err != nil {
		return err
	}
	_, back, err := s.readConfig(ctx, OpWriteConfig)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !bytes.Equal(raw, back) {
		for i := range raw {
			if raw[i] != back[i] {
				return &Error{Kind: ConfigRoundTripMismatch, Offset: i, Wrote: raw[i], Read: back[i]}
			}
		}
	}
	return nil
}

// ReadFirmware reads the firmware identification string.
func (s *Session) ReadFirmware(ctx context.Context) (*protocol.FirmwareVersion, error) {
	if err := s.check(OpReadFirmware); err != nil {
		return nil, err
	}
	return s.readFirmware(ctx)
}

func (s *Session) readFirmware(ctx context.Context) (*protocol.FirmwareVersion, error) {
	d, _, err := s.send(ctx, protocol.CmdReadFirmware, nil)
	if err != nil {
		return nil, err
	}
	s.firmware = d.(*protocol.FirmwareVersion)
	return s.firmware, nil
}

// SetFanPower sets the fan DAC.
func (s *Session) SetFanPower(ctx context.Context, level byte) error {
	if err := s.check(OpSetFanPower); err != nil {
		return err
	}
	_, _, err := s.send(ctx, protocol.CmdSetFanPower, []byte{level})
	return err
}

// SetLaserPower sets the laser DAC.
func (s *Session) SetLaserPower(ctx context.Context, level byte) error {
	if err := s.check(OpSetLaserPower); err != nil {
		return err
	}
	_, _, err := s.send(ctx, protocol.CmdSetLaserPower, []byte{level})
	return err
}

// Close powers the device off if it is on, then closes the transport even if
// that fails. The state is PoweredOff afterwards. Closing twice is a no-op.
func (s *Session) Close() (err error) {
	if s.closed {
		return nil
	}
	s.closed = true
	defer func() {
		if cerr := s.link.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close transport: %w", cerr))
		}
		s.setState(PoweredOff)
	}()

	if s.state != PoweredOff {
		if _, _, perr := s.send(context.Background(), protocol.CmdPowerOff, nil); perr != nil {
			monitoring.Logf("opcn2 session %s: power off during close: %v", s.id, perr)
			err = fmt.Errorf("power off: %w", perr)
		}
	}
	return err
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggle-sensor/opcn2/internal/link"
	"github.com/waggle-sensor/opcn2/internal/opcsim"
	"github.com/waggle-sensor/opcn2/internal/protocol"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

func testConfig(clock timeutil.Clock) Config {
	cfg := DefaultConfig()
	cfg.Clock = clock
	return cfg
}

func newSimSession(t *testing.T) (*Session, *opcsim.Device, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	dev := opcsim.New(opcsim.Options{Clock: clock, Seed: 42})
	s, err := Open(dev, testConfig(clock))
	require.NoError(t, err)
	return s, dev, clock
}

func TestOpen_NoIO(t *testing.T) {
	tr := transport.NewTestableTransport()
	s, err := Open(tr, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, PoweredOff, s.State())
	assert.Empty(t, tr.WrittenFrames())
	assert.NotEqual(t, [16]byte{}, [16]byte(s.ID()))
}

func TestSession_SamplingSequence(t *testing.T) {
	ctx := context.Background()
	s, dev, clock := newSimSession(t)

	require.NoError(t, s.PowerOn(ctx))
	assert.Equal(t, Idle, s.State())
	require.NotNil(t, s.Firmware())
	assert.Equal(t, 18, s.Firmware().Major)

	require.NoError(t, s.FanOn(ctx))
	assert.Equal(t, FanOn, s.State())
	require.NoError(t, s.LaserOn(ctx))
	assert.Equal(t, LaserOn, s.State())
	assert.True(t, dev.FanOn())
	assert.True(t, dev.LaserOn())

	h, err := s.ReadHistogram(ctx)
	require.NoError(t, err)
	assert.Equal(t, LaserOn, s.State())
	assert.Greater(t, h.SamplingPeriod, float32(0))

	require.NoError(t, s.BeginSampleWindow())
	assert.Equal(t, Sampling, s.State())
	assert.Equal(t, clock.Now(), s.SampleWindowStart())
	clock.Advance(5 * time.Second)

	h, err = s.ReadHistogram(ctx)
	require.NoError(t, err)
	assert.Equal(t, LaserOn, s.State(), "reading ends the window")
	assert.Greater(t, h.SamplingPeriod, float32(4.9))
	assert.NotZero(t, h.TotalCount())

	require.NoError(t, s.LaserOff(ctx))
	assert.Equal(t, Idle, s.State())
	assert.False(t, dev.FanOn())
	assert.False(t, dev.LaserOn())

	require.NoError(t, s.PowerOff(ctx))
	assert.Equal(t, PoweredOff, s.State())
}

func TestSession_InvalidTransitionsDoNoIO(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)

	tests := []struct {
		name string
		op   Operation
		run  func() error
	}{
		{"laser before power", OpLaserOn, func() error { return s.LaserOn(ctx) }},
		{"fan before power", OpFanOn, func() error { return s.FanOn(ctx) }},
		{"histogram before power", OpReadHistogram, func() error { _, err := s.ReadHistogram(ctx); return err }},
		{"config before power", OpReadConfig, func() error { _, err := s.ReadConfig(ctx); return err }},
		{"window before power", OpBeginSampleWindow, s.BeginSampleWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.ErrorIs(t, err, ErrInvalidState)
			var se *Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, PoweredOff, se.Current)
			assert.Equal(t, tt.op, se.Attempted)
		})
	}
	assert.Empty(t, dev.Commands())

	require.NoError(t, s.PowerOn(ctx))
	n := len(dev.Commands())
	assert.ErrorIs(t, s.LaserOn(ctx), ErrInvalidState, "laser needs the fan")
	assert.ErrorIs(t, s.PowerOn(ctx), ErrInvalidState)
	_, err := s.ReadHistogram(ctx)
	assert.ErrorIs(t, err, ErrInvalidState, "no airflow in idle")

	require.NoError(t, s.FanOn(ctx))
	require.NoError(t, s.LaserOn(ctx))
	assert.ErrorIs(t, s.FanOff(ctx), ErrInvalidState)
	require.NoError(t, s.BeginSampleWindow())
	assert.ErrorIs(t, s.BeginSampleWindow(), ErrInvalidState)
	assert.Len(t, dev.Commands(), n+2)
}

func TestSession_FanOffReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))
	require.NoError(t, s.FanOn(ctx))
	require.NoError(t, s.FanOff(ctx))
	assert.Equal(t, Idle, s.State())
	assert.False(t, dev.FanOn())
}

func TestAllowedTable(t *testing.T) {
	for op, states := range allowed {
		for _, st := range []DeviceState{PoweredOff, Idle, FanOn, LaserOn, Sampling} {
			want := false
			for _, a := range states {
				want = want || a == st
			}
			assert.Equal(t, want, Allowed(op, st), "%s in %s", op, st)
		}
	}
	assert.False(t, Allowed(Operation("nope"), Idle))
}

func TestSession_FailedCommandKeepsState(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))

	dev.Busy(10)
	err := s.FanOn(ctx)
	require.ErrorIs(t, err, link.ErrDeviceUnresponsive)
	assert.Equal(t, Idle, s.State())

	dev.Busy(0)
	require.NoError(t, s.FanOn(ctx))
	require.NoError(t, s.LaserOn(ctx))
	require.NoError(t, s.BeginSampleWindow())

	dev.Corrupt(1)
	_, err = s.ReadHistogram(ctx)
	require.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	assert.Equal(t, Sampling, s.State())

	n := len(dev.Commands())
	require.NoError(t, s.AbandonSampleWindow())
	assert.Equal(t, LaserOn, s.State())
	assert.Len(t, dev.Commands(), n)
	assert.ErrorIs(t, s.AbandonSampleWindow(), ErrInvalidState)
	require.NoError(t, s.BeginSampleWindow())
}

func TestSession_BusyRetriesRecorded(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))

	dev.Busy(2)
	_, err := s.ReadPM(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.LinkStats().Retries)
}

func TestSession_ConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))

	cfg, err := s.ReadConfig(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(opcsim.DefaultConfig(), cfg); diff != "" {
		t.Errorf("ReadConfig mismatch (-want +got):\n%s", diff)
	}

	cfg.FanDAC = 120
	cfg.BinBoundaries[3] = 100
	require.NoError(t, s.WriteConfig(ctx, cfg))
	assert.Equal(t, protocol.EncodeConfig(cfg), dev.ConfigBytes())

	raw, err := s.ReadConfigBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, dev.ConfigBytes(), raw)
}

func TestSession_ConfigRoundTripMismatch(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewTestableTransport()
	want := protocol.EncodeConfig(opcsim.DefaultConfig())
	readBack := append([]byte(nil), want...)
	readBack[233] ^= 0x10

	tr.Respond = func(frame []byte) []byte {
		if frame[0] == protocol.OpReadConfig {
			return append([]byte{protocol.AckReady}, readBack...)
		}
		return []byte{protocol.AckReady}
	}
	cfg := testConfig(timeutil.NewMockClock(time.Unix(0, 0)))
	cfg.VerifyFirmware = false
	s, err := Open(tr, cfg)
	require.NoError(t, err)
	require.NoError(t, s.PowerOn(ctx))

	err = s.WriteConfigBytes(ctx, want)
	require.ErrorIs(t, err, ErrConfigRoundTripMismatch)
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 233, se.Offset)
	assert.Equal(t, want[233], se.Wrote)
	assert.Equal(t, readBack[233], se.Read)

	assert.ErrorIs(t, s.WriteConfigBytes(ctx, want[:10]), protocol.ErrPayloadLength)
}

func TestSession_PeripheralPower(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))

	require.NoError(t, s.SetFanPower(ctx, 200))
	require.NoError(t, s.SetLaserPower(ctx, 150))
	cfg, err := s.ReadConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(200), cfg.FanDAC)
	assert.Equal(t, uint8(150), cfg.LaserDAC)

	cmds := dev.Commands()
	assert.Contains(t, cmds, []byte{0x42, 0x00, 200})
	assert.Contains(t, cmds, []byte{0x42, 0x01, 150})
}

func TestSession_UnsupportedFirmware(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dev := opcsim.New(opcsim.Options{Clock: clock, Firmware: "OPC-N2 FirmwareVer=OPC-014.0 BD"})
	s, err := Open(dev, testConfig(clock))
	require.NoError(t, err)

	err = s.PowerOn(context.Background())
	require.ErrorIs(t, err, protocol.ErrUnsupportedFirmware)
	assert.Equal(t, PoweredOff, s.State())
}

func TestSession_Close(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))
	require.NoError(t, s.FanOn(ctx))

	require.NoError(t, s.Close())
	assert.Equal(t, PoweredOff, s.State())
	assert.False(t, dev.FanOn())
	closed, calls := dev.Closed()
	assert.True(t, closed)
	assert.Equal(t, 1, calls)

	require.NoError(t, s.Close())
	_, calls = dev.Closed()
	assert.Equal(t, 1, calls, "close is idempotent")

	assert.ErrorIs(t, s.FanOn(ctx), ErrClosed)
	_, err := s.ReadFirmware(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSession_CloseReleasesTransportWhenPowerOffTimesOut(t *testing.T) {
	ctx := context.Background()
	s, dev, _ := newSimSession(t)
	require.NoError(t, s.PowerOn(ctx))
	require.NoError(t, s.FanOn(ctx))

	dev.FailOn(protocol.OpPower, transport.ErrTimeout)
	err := s.Close()
	require.ErrorIs(t, err, link.ErrTimeout)

	closed, _ := dev.Closed()
	assert.True(t, closed)
	assert.Equal(t, PoweredOff, s.State())
}

func TestSession_CloseWhenPoweredOffSendsNothing(t *testing.T) {
	tr := transport.NewTestableTransport()
	tr.CloseError = errors.New("port gone")
	s, err := Open(tr, DefaultConfig())
	require.NoError(t, err)

	err = s.Close()
	assert.ErrorContains(t, err, "port gone")
	assert.Empty(t, tr.WrittenFrames())
	assert.True(t, tr.Closed)
}

package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggle-sensor/opcn2/internal/protocol"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

func pmBody() []byte {
	return protocol.EncodePM(protocol.PMReading{PM1: 1, PM2_5: 2, PM10: 3})
}

// scripted answers the n-th written frame with replies[n], repeating the
// last reply once the script runs out.
func scripted(replies ...[]byte) func([]byte) []byte {
	n := 0
	return func([]byte) []byte {
		r := replies[min(n, len(replies)-1)]
		n++
		return r
	}
}

func ready(body []byte) []byte { return append([]byte{protocol.AckReady}, body...) }

func newTestLink(t *testing.T, tr transport.Transport, opts Options) (*Link, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l, err := New(tr, protocol.NewCodec(nil), opts, clock)
	require.NoError(t, err)
	return l, clock
}

func TestSendAndAwait_Ready(t *testing.T) {
	tr := transport.NewTestableTransport()
	tr.Respond = scripted(ready(pmBody()))
	l, clock := newTestLink(t, tr, DefaultOptions())

	resp, err := l.SendAndAwait(context.Background(), protocol.CmdReadPM, nil)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, 0, resp.Retries)
	assert.Equal(t, protocol.CmdReadPM, resp.Command)
	assert.Equal(t, byte(protocol.OpReadPM), resp.Opcode)
	assert.Equal(t, pmBody(), resp.Raw)

	assert.Equal(t, [][]byte{{0x32}}, tr.WrittenFrames())
	assert.Equal(t, []time.Duration{20 * time.Millisecond, time.Second}, tr.ReadTimeouts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, clock.Sleeps())
	assert.Equal(t, 1, tr.Resets)
}

func TestSendAndAwait_BusyTwiceThenReady(t *testing.T) {
	tr := transport.NewTestableTransport()
	tr.Respond = scripted([]byte{protocol.AckBusy}, []byte{protocol.AckBusy}, ready(pmBody()))
	l, clock := newTestLink(t, tr, DefaultOptions())

	resp, err := l.SendAndAwait(context.Background(), protocol.CmdReadPM, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Retries)
	assert.True(t, resp.Valid)
	assert.Len(t, tr.WrittenFrames(), 3, "the full command is re-sent on every retry")

	stats := l.Stats()
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 2, stats.Busy)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 50 * time.Millisecond,
		10 * time.Millisecond, 50 * time.Millisecond,
		10 * time.Millisecond,
	}, clock.Sleeps())
}

func TestSendAndAwait_AlwaysBusy(t *testing.T) {
	for _, reply := range [][]byte{{protocol.AckBusy}, {}, {0x00}} {
		tr := transport.NewTestableTransport()
		tr.Respond = scripted(reply)
		l, _ := newTestLink(t, tr, DefaultOptions())

		_, err := l.SendAndAwait(context.Background(), protocol.CmdFanOn, nil)
		require.ErrorIs(t, err, ErrDeviceUnresponsive, "reply % X", reply)

		var le *Error
		require.True(t, errors.As(err, &le))
		assert.Equal(t, 4, le.Attempts)
		assert.Len(t, tr.WrittenFrames(), 4)
		assert.Equal(t, 1, l.Stats().Unresponsive)
	}
}

func TestSendAndAwait_NoRetries(t *testing.T) {
	tr := transport.NewTestableTransport()
	tr.Respond = scripted([]byte{protocol.AckBusy})
	opts := DefaultOptions()
	opts.MaxRetries = 0
	l, _ := newTestLink(t, tr, opts)

	_, err := l.SendAndAwait(context.Background(), protocol.CmdFanOn, nil)
	require.ErrorIs(t, err, ErrDeviceUnresponsive)
	assert.Len(t, tr.WrittenFrames(), 1)
}

func TestSendAndAwait_Timeout(t *testing.T) {
	tr := transport.NewTestableTransport()
	tr.ReadErrors = []error{transport.ErrTimeout}
	l, _ := newTestLink(t, tr, DefaultOptions())

	_, err := l.SendAndAwait(context.Background(), protocol.CmdPowerOff, nil)
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Len(t, tr.WrittenFrames(), 1, "timeouts are not retried")
	assert.Equal(t, 1, l.Stats().Timeouts)
}

func TestSendAndAwait_Truncated(t *testing.T) {
	tr := transport.NewTestableTransport()
	tr.Respond = scripted(ready(pmBody()[:5]))
	l, _ := newTestLink(t, tr, DefaultOptions())

	_, err := l.SendAndAwait(context.Background(), protocol.CmdReadPM, nil)
	require.ErrorIs(t, err, ErrTruncated)
	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, protocol.PMSize, le.Expected)
	assert.Equal(t, 5, le.Got)

	tr.Respond = scripted(ready(nil))
	_, err = l.SendAndAwait(context.Background(), protocol.CmdReadPM, nil)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestSendAndAwait_IOErrorPassesThrough(t *testing.T) {
	boom := errors.New("usb unplugged")
	tr := transport.NewTestableTransport()
	tr.WriteError = boom
	l, _ := newTestLink(t, tr, DefaultOptions())

	_, err := l.SendAndAwait(context.Background(), protocol.CmdFanOn, nil)
	require.ErrorIs(t, err, boom)
	var le *Error
	assert.False(t, errors.As(err, &le))
}

func histogramBody(t *testing.T) []byte {
	t.Helper()
	h := &protocol.HistogramReading{SamplingPeriod: 1, SampleFlowRate: 1, PM1: 1, PM2_5: 2, PM10: 3}
	h.Bins[0] = 4
	return protocol.EncodeHistogram(h)
}

func TestSendAndAwait_ChecksumMismatch(t *testing.T) {
	bad := histogramBody(t)
	bad[0] ^= 0x01

	tr := transport.NewTestableTransport()
	tr.Respond = scripted(ready(bad))
	l, _ := newTestLink(t, tr, DefaultOptions())

	resp, err := l.SendAndAwait(context.Background(), protocol.CmdReadHistogram, nil)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, bad, resp.Raw)
	assert.Equal(t, 1, l.Stats().ChecksumFailures)
}

func TestSendAndAwait_RetryOnChecksumMismatch(t *testing.T) {
	bad := histogramBody(t)
	bad[0] ^= 0x01

	tr := transport.NewTestableTransport()
	tr.Respond = scripted(ready(bad), ready(histogramBody(t)))
	opts := DefaultOptions()
	opts.RetryOnChecksumMismatch = true
	l, _ := newTestLink(t, tr, opts)

	resp, err := l.SendAndAwait(context.Background(), protocol.CmdReadHistogram, nil)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, 1, resp.Retries)
}

func TestSendAndAwait_RetryOnChecksumMismatchExhausted(t *testing.T) {
	bad := histogramBody(t)
	bad[0] ^= 0x01

	tr := transport.NewTestableTransport()
	tr.Respond = scripted(ready(bad))
	opts := DefaultOptions()
	opts.RetryOnChecksumMismatch = true
	l, _ := newTestLink(t, tr, opts)

	resp, err := l.SendAndAwait(context.Background(), protocol.CmdReadHistogram, nil)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, 3, resp.Retries)
	assert.Len(t, tr.WrittenFrames(), 4)
	assert.Equal(t, 4, l.Stats().ChecksumFailures)
	assert.Zero(t, l.Stats().Unresponsive)

	_, err = l.Codec().Decode(resp.Command, resp.Raw)
	assert.ErrorIs(t, err, protocol.ErrChecksumMismatch)
	assert.NotErrorIs(t, err, ErrDeviceUnresponsive)
}

func TestSendAndAwait_ContextCanceled(t *testing.T) {
	tr := transport.NewTestableTransport()
	l, _ := newTestLink(t, tr, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.SendAndAwait(ctx, protocol.CmdFanOn, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tr.WrittenFrames())
}

func TestSendAndAwait_EncodeError(t *testing.T) {
	l, _ := newTestLink(t, transport.NewTestableTransport(), DefaultOptions())
	_, err := l.SendAndAwait(context.Background(), protocol.CmdSetFanPower, nil)
	assert.ErrorIs(t, err, protocol.ErrPayloadLength)
}

func TestOptions_Validate(t *testing.T) {
	got, err := Options{}.Validate()
	require.NoError(t, err)
	assert.Equal(t, time.Second, got.ReadTimeout)
	assert.Equal(t, 20*time.Millisecond, got.BusyWindow)
	assert.Equal(t, 0, got.MaxRetries)

	_, err = Options{MaxRetries: -1}.Validate()
	assert.Error(t, err)
	_, err = Options{RetryDelay: -time.Second}.Validate()
	assert.Error(t, err)

	_, err = New(nil, nil, DefaultOptions(), nil)
	assert.Error(t, err)
}

// Package link implements the OPC-N2 busy/ready handshake on top of a
// byte transport: every command is answered by one acknowledgement byte
// before any response data, and a busy device is retried a bounded number
// of times.
package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/protocol"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
	"github.com/waggle-sensor/opcn2/internal/transport"
)

// Status is the outcome of one write/acknowledge/read attempt.
type Status int

const (
	StatusReady Status = iota
	StatusBusy
	StatusTimeout
	StatusChecksumMismatch
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	case StatusChecksumMismatch:
		return "checksum_mismatch"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Options tunes the handshake. Start from DefaultOptions; a zero MaxRetries
// disables retries.
type Options struct {
	// ReadTimeout bounds the read of a response body.
	ReadTimeout time.Duration
	// BusyWindow bounds the wait for the acknowledgement byte. A transport
	// that returns no byte within it, as a silent serial port does, counts
	// as busy and ends in ErrDeviceUnresponsive rather than ErrTimeout.
	BusyWindow time.Duration
	// PostWriteDelay is slept between writing a command and reading its
	// acknowledgement.
	PostWriteDelay time.Duration
	// RetryDelay is slept before a busy command is re-sent.
	RetryDelay time.Duration
	// MaxRetries is the number of re-sends allowed after the first attempt.
	MaxRetries int
	// CommandInterval is the minimum spacing between command writes.
	CommandInterval time.Duration
	// RetryOnChecksumMismatch re-sends a command whose response failed
	// checksum verification instead of returning it marked invalid.
	RetryOnChecksumMismatch bool
}

// DefaultOptions returns the timings used with firmware 16 to 18.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    time.Second,
		BusyWindow:     20 * time.Millisecond,
		PostWriteDelay: 10 * time.Millisecond,
		RetryDelay:     50 * time.Millisecond,
		MaxRetries:     3,
	}
}

// Validate rejects negative settings and fills zero timeouts with defaults.
func (o Options) Validate() (Options, error) {
	d := DefaultOptions()
	for name, v := range map[string]time.Duration{
		"read timeout":     o.ReadTimeout,
		"busy window":      o.BusyWindow,
		"post-write delay": o.PostWriteDelay,
		"retry delay":      o.RetryDelay,
		"command interval": o.CommandInterval,
	} {
		if v < 0 {
			return o, fmt.Errorf("link: negative %s %s", name, v)
		}
	}
	if o.MaxRetries < 0 {
		return o, fmt.Errorf("link: negative max retries %d", o.MaxRetries)
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.BusyWindow == 0 {
		o.BusyWindow = d.BusyWindow
	}
	return o, nil
}

// Stats are cumulative counters for one Link.
type Stats struct {
	Exchanges        int
	Retries          int
	Busy             int
	Timeouts         int
	Truncated        int
	ChecksumFailures int
	Unresponsive     int
}

// Link sends commands and awaits their responses. It owns the transport and
// is not safe for concurrent use.
type Link struct {
	t       transport.Transport
	codec   *protocol.Codec
	opts    Options
	clock   timeutil.Clock
	limiter *rate.Limiter
	stats   Stats
}

// New returns a link over t. A nil clock selects the real clock.
func New(t transport.Transport, codec *protocol.Codec, opts Options, clock timeutil.Clock) (*Link, error) {
	if t == nil {
		return nil, errors.New("link: nil transport")
	}
	if codec == nil {
		codec = protocol.NewCodec(nil)
	}
	opts, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.CommandInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.CommandInterval), 1)
	}
	return &Link{t: t, codec: codec, opts: opts, clock: clock, limiter: limiter}, nil
}

// Codec returns the codec frames are built with.
func (l *Link) Codec() *protocol.Codec { return l.codec }

// Options returns the validated options.
func (l *Link) Options() Options { return l.opts }

// Stats returns a copy of the counters.
func (l *Link) Stats() Stats { return l.stats }

// Close closes the transport.
func (l *Link) Close() error { return l.t.Close() }

// SendAndAwait writes cmd and returns its response. A busy device is retried
// up to MaxRetries times before ErrDeviceUnresponsive. A response that fails
// checksum verification is returned with Valid unset, either at once or,
// with RetryOnChecksumMismatch, once the retries are used up. ctx is checked
// between attempts only; a read in progress always runs to its timeout.
func (l *Link) SendAndAwait(ctx context.Context, cmd protocol.Command, args []byte) (*protocol.ResponseFrame, error) {
	frame, err := l.codec.Encode(cmd, args)
	if err != nil {
		return nil, err
	}
	spec, err := l.codec.CommandSet().Spec(cmd)
	if err != nil {
		return nil, err
	}
	wire := frame.Bytes()
	start := l.clock.Now()
	l.stats.Exchanges++

	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			l.finish(cmd, "canceled", start)
			return nil, err
		}
		if err := l.limiter.Wait(ctx); err != nil {
			l.finish(cmd, "canceled", start)
			return nil, err
		}

		status, resp, err := l.attempt(frame, wire, spec.ResponseLen())
		if err != nil {
			var le *Error
			if errors.As(err, &le) {
				le.Attempts = retries + 1
			}
			l.finish(cmd, resultOf(err), start)
			return nil, err
		}

		switch status {
		case StatusReady:
			resp.Retries = retries
			l.finish(cmd, "ok", start)
			return resp, nil
		case StatusChecksumMismatch:
			l.stats.ChecksumFailures++
			if !l.opts.RetryOnChecksumMismatch || retries >= l.opts.MaxRetries {
				resp.Retries = retries
				l.finish(cmd, "checksum_mismatch", start)
				return resp, nil
			}
		case StatusBusy:
			l.stats.Busy++
		}

		if retries >= l.opts.MaxRetries {
			l.stats.Unresponsive++
			l.finish(cmd, "unresponsive", start)
			return nil, &Error{Kind: DeviceUnresponsive, Command: cmd, Attempts: retries + 1}
		}
		retries++
		l.stats.Retries++
		monitoring.LinkRetries.WithLabelValues(cmd.String()).Inc()
		monitoring.Debugf("link: %s %s, retry %d/%d", cmd, status, retries, l.opts.MaxRetries)

		if err := ctx.Err(); err != nil {
			l.finish(cmd, "canceled", start)
			return nil, err
		}
		if l.opts.RetryDelay > 0 {
			l.clock.Sleep(l.opts.RetryDelay)
		}
	}
}

// attempt performs one write, acknowledge and read cycle.
func (l *Link) attempt(frame protocol.CommandFrame, wire []byte, n int) (Status, *protocol.ResponseFrame, error) {
	cmd := frame.Command
	if r, ok := l.t.(transport.InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return 0, nil, fmt.Errorf("link %s: drain input: %w", cmd, err)
		}
	}

	if err := l.t.Write(wire); err != nil {
		return 0, nil, l.transportError(cmd, "write", err)
	}
	if l.opts.PostWriteDelay > 0 {
		l.clock.Sleep(l.opts.PostWriteDelay)
	}

	ack, err := l.t.Read(1, l.opts.BusyWindow)
	if err != nil {
		return 0, nil, l.transportError(cmd, "read acknowledgement", err)
	}
	if len(ack) == 0 || ack[0] != protocol.AckReady {
		if len(ack) > 0 && ack[0] != protocol.AckBusy {
			monitoring.Debugf("link: %s: unexpected acknowledgement 0x%02X treated as busy", cmd, ack[0])
		}
		return StatusBusy, nil, nil
	}

	resp := &protocol.ResponseFrame{Command: cmd, Opcode: frame.Opcode}
	if n > 0 {
		body, err := l.t.Read(n, l.opts.ReadTimeout)
		if err != nil {
			return 0, nil, l.transportError(cmd, "read response", err)
		}
		if len(body) < n {
			l.stats.Truncated++
			return 0, nil, &Error{Kind: Truncated, Command: cmd, Expected: n, Got: len(body)}
		}
		resp.Raw = body
	}

	if err := l.codec.Verify(cmd, resp.Raw); err != nil {
		if errors.Is(err, protocol.ErrChecksumMismatch) {
			monitoring.Debugf("link: %v", err)
			return StatusChecksumMismatch, resp, nil
		}
		return 0, nil, err
	}
	resp.Valid = true
	return StatusReady, resp, nil
}

func (l *Link) transportError(cmd protocol.Command, op string, err error) error {
	if errors.Is(err, transport.ErrTimeout) {
		l.stats.Timeouts++
		return &Error{Kind: Timeout, Command: cmd, Err: fmt.Errorf("%s: %w", op, err)}
	}
	return fmt.Errorf("link %s: %s: %w", cmd, op, err)
}

func (l *Link) finish(cmd protocol.Command, result string, start time.Time) {
	monitoring.LinkCommands.WithLabelValues(cmd.String(), result).Inc()
	monitoring.LinkExchangeSeconds.WithLabelValues(cmd.String()).Observe(l.clock.Since(start).Seconds())
}

func resultOf(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case protocol.IsDecodeError(err):
		return "decode_error"
	default:
		return "io_error"
	}
}

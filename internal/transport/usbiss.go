package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/waggle-sensor/opcn2/internal/monitoring"
	"github.com/waggle-sensor/opcn2/internal/timeutil"
)

// USB-ISS command bytes.
const (
	issCommandSetMode = 0x5A
	issSubSetMode     = 0x02
	issCommandSPI     = 0x61
	issClockHz        = 6_000_000
)

// ISSModeSPI1 selects SPI mode 1 (CPOL=0, CPHA=1), the mode the OPC-N2 uses.
const ISSModeSPI1 byte = 0x92

// Errors reported by the bridge itself.
var (
	ErrISSUnknownCommand = errors.New("usb-iss: unknown command")
	ErrISSInternal1      = errors.New("usb-iss: internal error 1")
	ErrISSInternal2      = errors.New("usb-iss: internal error 2")
	ErrISSUndocumented   = errors.New("usb-iss: undocumented error")
	ErrISSTransmission   = errors.New("usb-iss: transmission error")
)

// ISSOptions configures the USB-ISS bridge.
type ISSOptions struct {
	// Mode is the USB-ISS operating mode byte. Defaults to ISSModeSPI1.
	Mode byte `json:"mode" yaml:"mode"`
	// Frequency is the SPI clock in Hz. It must divide 6 MHz.
	Frequency int `json:"frequency_hz" yaml:"frequency_hz"`
	// ByteDelay paces consecutive SPI bytes.
	ByteDelay time.Duration `json:"byte_delay" yaml:"byte_delay"`
	// OpcodeDelay is slept between the opcode and the first argument byte.
	OpcodeDelay time.Duration `json:"opcode_delay" yaml:"opcode_delay"`
	// Timeout bounds each bridge round trip.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Clock is used for pacing. Defaults to the real clock.
	Clock timeutil.Clock `json:"-" yaml:"-"`
}

// Normalize applies defaults and validates the SPI frequency.
func (o ISSOptions) Normalize() (ISSOptions, error) {
	opts := o
	if opts.Mode == 0 {
		opts.Mode = ISSModeSPI1
	}
	if opts.Frequency <= 0 {
		opts.Frequency = 500_000
	}
	if opts.Frequency > issClockHz || issClockHz%opts.Frequency != 0 {
		return opts, fmt.Errorf("usb-iss: unsupported SPI frequency %d Hz: must divide %d", opts.Frequency, issClockHz)
	}
	if opts.ByteDelay < 0 {
		return opts, fmt.Errorf("usb-iss: negative byte delay %s", opts.ByteDelay)
	}
	if o.ByteDelay == 0 {
		opts.ByteDelay = time.Millisecond
	}
	if opts.OpcodeDelay < 0 {
		return opts, fmt.Errorf("usb-iss: negative opcode delay %s", opts.OpcodeDelay)
	}
	if o.OpcodeDelay == 0 {
		opts.OpcodeDelay = 10 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return opts, nil
}

// Divisor returns the USB-ISS clock divisor for the configured frequency.
func (o ISSOptions) Divisor() byte {
	return byte(issClockHz/o.Frequency - 1)
}

// USBISS is a Transport that drives an SPI device through a Devantech USB-ISS.
//
// SPI is full duplex: the byte clocked in while the first byte of a Write is
// clocked out is the device's acknowledgement, and is held for the next Read.
// Reads clock out the opcode of the last command, which the OPC-N2 expects
// while it streams a response.
type USBISS struct {
	link   Transport
	opts   ISSOptions
	opcode byte
	rx     []byte
	closed bool
}

// NewUSBISS puts the bridge behind link into SPI mode.
func NewUSBISS(link Transport, opts ISSOptions) (*USBISS, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	u := &USBISS{link: link, opts: opts}

	if err := link.Write([]byte{issCommandSetMode, issSubSetMode, opts.Mode, opts.Divisor()}); err != nil {
		return nil, fmt.Errorf("usb-iss: set mode: %w", err)
	}
	resp, err := link.Read(2, opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("usb-iss: set mode: %w", err)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("usb-iss: set mode: got %d of 2 status bytes: %w", len(resp), ErrTimeout)
	}
	if resp[0] == 0x00 {
		return nil, issStatusError(resp[1])
	}
	monitoring.Debugf("usb-iss: SPI mode 0x%02X at %d Hz", opts.Mode, opts.Frequency)
	return u, nil
}

func issStatusError(code byte) error {
	switch code {
	case 0x05:
		return ErrISSUnknownCommand
	case 0x06:
		return ErrISSInternal1
	case 0x07:
		return ErrISSInternal2
	default:
		return fmt.Errorf("%w 0x%02X", ErrISSUndocumented, code)
	}
}

// transfer clocks one byte through the bridge and returns the byte received.
func (u *USBISS) transfer(b byte) (byte, error) {
	if err := u.link.Write([]byte{issCommandSPI, b}); err != nil {
		return 0, err
	}
	resp, err := u.link.Read(2, u.opts.Timeout)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("usb-iss: got %d of 2 transfer bytes: %w", len(resp), ErrTimeout)
	}
	if resp[0] == 0x00 {
		return 0, ErrISSTransmission
	}
	return resp[1], nil
}

func (u *USBISS) Write(p []byte) error {
	if u.closed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	u.rx = u.rx[:0]
	for i, b := range p {
		switch {
		case i == 1:
			u.opts.Clock.Sleep(u.opts.OpcodeDelay)
		case i > 1:
			u.opts.Clock.Sleep(u.opts.ByteDelay)
		}
		in, err := u.transfer(b)
		if err != nil {
			return err
		}
		if i == 0 {
			u.opcode = b
			u.rx = append(u.rx, in)
		}
	}
	return nil
}

// Read returns the held acknowledgement first, then clocks further bytes.
// The timeout applies per bridge round trip.
func (u *USBISS) Read(max int, _ time.Duration) ([]byte, error) {
	if u.closed {
		return nil, ErrClosed
	}
	out := make([]byte, 0, max)
	n := min(max, len(u.rx))
	out = append(out, u.rx[:n]...)
	u.rx = u.rx[n:]
	for len(out) < max {
		u.opts.Clock.Sleep(u.opts.ByteDelay)
		in, err := u.transfer(u.opcode)
		if err != nil {
			return out, err
		}
		out = append(out, in)
	}
	return out, nil
}

// ResetInputBuffer drops the held acknowledgement and any bytes buffered by
// the underlying link.
func (u *USBISS) ResetInputBuffer() error {
	if u.closed {
		return ErrClosed
	}
	u.rx = u.rx[:0]
	if r, ok := u.link.(InputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}

// Close closes the underlying link.
func (u *USBISS) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	return u.link.Close()
}

// Package transport provides the byte links an OPC-N2 can be reached over: a
// plain serial port, and a Devantech USB-ISS bridge that turns a CDC serial
// port into an SPI master.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Transport is the capability the protocol engine consumes. Implementations
// are used by one goroutine at a time.
type Transport interface {
	// Write sends every byte of p or returns an error.
	Write(p []byte) error

	// Read returns up to max bytes, waiting at most timeout for them. Fewer
	// bytes (including none) with a nil error mean the wait elapsed.
	// ErrTimeout is reserved for links that have their own request/response
	// handshake and did not answer at all.
	Read(max int, timeout time.Duration) ([]byte, error)

	Close() error
}

// InputResetter is implemented by transports that can discard unread input.
type InputResetter interface {
	ResetInputBuffer() error
}

var (
	// ErrTimeout is returned when the link itself stopped answering.
	ErrTimeout = errors.New("transport timeout")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// Kind selects a transport implementation.
type Kind string

const (
	KindSerial Kind = "serial"
	KindUSBISS Kind = "usbiss"
)

// ParseKind accepts the names used in configuration files and flags.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "usbiss", "usb-iss", "spi":
		return KindUSBISS, nil
	case "serial", "uart":
		return KindSerial, nil
	default:
		return "", fmt.Errorf("unknown transport %q: expected serial or usbiss", s)
	}
}

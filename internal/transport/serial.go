package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/waggle-sensor/opcn2/internal/monitoring"
)

// Port is the subset of serial.Port the serial transport needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens a serial port. Tests replace it to avoid real hardware.
type PortOpener func(path string, mode *serial.Mode) (Port, error)

func openSystemPort(path string, mode *serial.Mode) (Port, error) {
	return serial.Open(path, mode)
}

// SerialTransport is a Transport over a serial port.
type SerialTransport struct {
	mu     sync.Mutex
	path   string
	port   Port
	closed bool
}

// NewSerialTransport wraps an already open port.
func NewSerialTransport(path string, port Port) *SerialTransport {
	return &SerialTransport{path: path, port: port}
}

// OpenSerial opens path with the given options.
func OpenSerial(path string, opts PortOptions) (*SerialTransport, error) {
	return openSerialWith(openSystemPort, path, opts)
}

func openSerialWith(open PortOpener, path string, opts PortOptions) (*SerialTransport, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("serial options for %s: %w", path, err)
	}
	port, err := open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	monitoring.Debugf("transport: opened %s at %d baud", path, mode.BaudRate)
	return NewSerialTransport(path, port), nil
}

// Path returns the device path the transport was opened on.
func (s *SerialTransport) Path() string { return s.path }

func (s *SerialTransport) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("write %s: %w", s.path, err)
		}
		p = p[n:]
	}
	return nil
}

// Read collects up to max bytes until the timeout elapses. go.bug.st/serial
// reports an expired read timeout as a zero-length read with no error.
func (s *SerialTransport) Read(max int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, max)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := s.port.SetReadTimeout(remaining); err != nil {
			return buf[:got], fmt.Errorf("set read timeout on %s: %w", s.path, err)
		}
		n, err := s.port.Read(buf[got:])
		got += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return buf[:got], fmt.Errorf("read %s: %w", s.path, err)
		}
		if n == 0 {
			break
		}
	}
	return buf[:got], nil
}

// ResetInputBuffer discards bytes received but not yet read.
func (s *SerialTransport) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.port.ResetInputBuffer()
}

// Close releases the port. Closing twice is not an error.
func (s *SerialTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// USB identifiers of the Devantech USB-ISS.
const (
	usbISSVendorID  = "04D8"
	usbISSProductID = "FFEE"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// IsUSBISS reports whether the port looks like a USB-ISS bridge.
func (p PortInfo) IsUSBISS() bool {
	return p.IsUSB && strings.EqualFold(p.VID, usbISSVendorID) && strings.EqualFold(p.PID, usbISSProductID)
}

var detailedPortsList = enumerator.GetDetailedPortsList

// ListPorts enumerates serial ports with their USB identifiers.
func ListPorts() ([]PortInfo, error) {
	details, err := detailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

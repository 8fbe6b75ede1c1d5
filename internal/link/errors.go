package link

import (
	"errors"
	"fmt"

	"github.com/waggle-sensor/opcn2/internal/protocol"
)

var (
	ErrDeviceUnresponsive = errors.New("device unresponsive")
	ErrTimeout            = errors.New("link timeout")
	ErrTruncated          = errors.New("truncated response")
)

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// DeviceUnresponsive means the device stayed busy through every retry.
	DeviceUnresponsive ErrorKind = iota
	// Timeout means the transport stopped answering.
	Timeout
	// Truncated means the device acknowledged but sent a short response.
	Truncated
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceUnresponsive:
		return "device unresponsive"
	case Timeout:
		return "timeout"
	case Truncated:
		return "truncated"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a failed exchange.
type Error struct {
	Kind    ErrorKind
	Command protocol.Command
	// Attempts is the number of times the command was written.
	Attempts int
	// Expected and Got are response byte counts for Truncated.
	Expected int
	Got      int
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case DeviceUnresponsive:
		return fmt.Sprintf("link %s: device still busy after %d attempts", e.Command, e.Attempts)
	case Truncated:
		return fmt.Sprintf("link %s: truncated response: got %d of %d bytes", e.Command, e.Got, e.Expected)
	default:
		if e.Err != nil {
			return fmt.Sprintf("link %s: %s: %v", e.Command, e.Kind, e.Err)
		}
		return fmt.Sprintf("link %s: %s", e.Command, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDeviceUnresponsive:
		return e.Kind == DeviceUnresponsive
	case ErrTimeout:
		return e.Kind == Timeout
	case ErrTruncated:
		return e.Kind == Truncated
	}
	return false
}

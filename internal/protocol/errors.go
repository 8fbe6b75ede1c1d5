package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors matched by DecodeError through errors.Is.
var (
	ErrLengthMismatch   = errors.New("response length mismatch")
	ErrChecksumMismatch = errors.New("response checksum mismatch")
	ErrFieldRange       = errors.New("response field out of range")
)

var (
	// ErrUnknownCommand is returned when a command is not part of the active
	// command set.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrPayloadLength is returned when the arguments given to Encode do not
	// match the command's declared payload shape.
	ErrPayloadLength = errors.New("payload length does not match command")

	// ErrUnsupportedFirmware is returned when no command set revision matches
	// the firmware identification string.
	ErrUnsupportedFirmware = errors.New("unsupported firmware")
)

// DecodeErrorKind classifies a DecodeError.
type DecodeErrorKind int

const (
	LengthMismatch DecodeErrorKind = iota
	ChecksumMismatch
	FieldRange
)

func (k DecodeErrorKind) String() string {
	switch k {
	case LengthMismatch:
		return "length mismatch"
	case ChecksumMismatch:
		return "checksum mismatch"
	case FieldRange:
		return "field out of range"
	default:
		return fmt.Sprintf("DecodeErrorKind(%d)", int(k))
	}
}

// DecodeError reports a response frame that could not be turned into a
// validated value.
type DecodeError struct {
	Kind   DecodeErrorKind
	Layout string
	Field  string

	// Expected and Actual are byte lengths (LengthMismatch).
	Expected int
	Actual   int

	// Computed and Received are checksum values (ChecksumMismatch).
	Computed uint64
	Received uint64

	// Reason describes a FieldRange failure.
	Reason string
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case LengthMismatch:
		return fmt.Sprintf("decode %s: length mismatch: expected %d bytes, got %d", e.Layout, e.Expected, e.Actual)
	case ChecksumMismatch:
		return fmt.Sprintf("decode %s: checksum mismatch in %s: computed 0x%X, received 0x%X",
			e.Layout, e.Field, e.Computed, e.Received)
	default:
		return fmt.Sprintf("decode %s: field %s out of range: %s", e.Layout, e.Field, e.Reason)
	}
}

// Is lets errors.Is match the kind sentinels.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrLengthMismatch:
		return e.Kind == LengthMismatch
	case ErrChecksumMismatch:
		return e.Kind == ChecksumMismatch
	case ErrFieldRange:
		return e.Kind == FieldRange
	}
	return false
}

// IsDecodeError returns true if err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func fieldRange(layout, field, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: FieldRange, Layout: layout, Field: field, Reason: fmt.Sprintf(format, args...)}
}

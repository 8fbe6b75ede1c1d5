package protocol

import (
	"bytes"
	"fmt"
)

// CommandFrame is an encoded command ready to be written to the link.
// Frames are built fresh for every exchange and never modified.
type CommandFrame struct {
	Command  Command
	Opcode   byte
	payload  []byte
	checksum ChecksumAlgorithm
}

// Payload returns a copy of the bytes that follow the opcode, excluding any
// command checksum.
func (f CommandFrame) Payload() []byte { return bytes.Clone(f.payload) }

// HasChecksum reports whether a checksum byte is appended on the wire.
func (f CommandFrame) HasChecksum() bool { return f.checksum == ChecksumSum8 }

// Bytes returns the exact bytes to write.
func (f CommandFrame) Bytes() []byte {
	b := make([]byte, 0, 2+len(f.payload))
	b = append(b, f.Opcode)
	b = append(b, f.payload...)
	if f.checksum == ChecksumSum8 {
		b = append(b, Sum8(b))
	}
	return b
}

// Len returns the number of bytes Bytes will produce.
func (f CommandFrame) Len() int {
	n := 1 + len(f.payload)
	if f.HasChecksum() {
		n++
	}
	return n
}

func (f CommandFrame) String() string {
	return fmt.Sprintf("%s[% X]", f.Command, f.Bytes())
}

// ResponseFrame is the raw response to one command, as read from the link
// after the acknowledgement byte.
type ResponseFrame struct {
	Command Command
	Opcode  byte
	Raw     []byte
	// Valid is set when the frame length and declared checksums verified.
	Valid bool
	// Retries is the number of times the command was re-sent because the
	// device reported busy.
	Retries int
}

// Package protocol implements the Alphasense OPC-N2 command/response wire format.
//
// The package has two halves. The command set (commands.go) is the table of
// every operation the host can issue: opcode, payload shape, response layout,
// checksum declaration, and whether the command changes device state. The frame
// codec (codec.go, layout.go) turns a command into the exact bytes written to
// the link and turns the bytes read back into validated, typed values.
//
// # Wire format
//
// Commands are a single opcode byte, optionally followed by a fixed option
// prefix and caller arguments:
//
//	[OPCODE][PREFIX...][ARGS...][PAD...][SUM8?]
//
// The OPC-N2 does not checksum commands; it acknowledges every opcode with a
// status byte instead (0xF3 ready, 0x31 busy). A trailing Sum8 byte can be
// declared per command for firmware variants that expect one.
//
// Responses are fixed-length records. Each record is described by a Layout:
// an ordered list of fields with an explicit offset, width, count and byte
// order. One generic routine (Unpack) reads every layout, so the tables in
// layouts.go can be audited line-by-line against the datasheet:
//
//	Histogram (62 bytes, opcode 0x30)
//	  0  bins                 16 x uint16
//	  32 mtof                  4 x uint8   (1/3 us units)
//	  36 sample_flow_rate      float32     (ml/s)
//	  40 temperature_pressure  uint32      (0.1 C, or Pa when > 2000)
//	  44 sampling_period       float32     (s)
//	  48 checksum              uint16      (sum of bins mod 65536)
//	  50 pm1, pm2_5, pm10      3 x float32 (ug/m3)
//
// # Errors
//
// Decoding failures are reported as *DecodeError and match ErrLengthMismatch,
// ErrChecksumMismatch or ErrFieldRange with errors.Is. A frame that fails any
// check is never returned as a partially filled value.
package protocol

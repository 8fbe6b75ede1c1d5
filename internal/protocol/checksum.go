package protocol

import (
	"fmt"
	"strings"
)

// ChecksumAlgorithm identifies how a checksum is computed.
type ChecksumAlgorithm int

const (
	ChecksumNone ChecksumAlgorithm = iota

	// ChecksumSum8 is the sum of every preceding byte modulo 256, carried in a
	// single trailing byte.
	ChecksumSum8

	// ChecksumBinSum16 is the OPC-N2 histogram checksum: the sum of the 16-bit
	// bin counts modulo 65536, carried in a uint16 field of the record.
	ChecksumBinSum16
)

func (a ChecksumAlgorithm) String() string {
	switch a {
	case ChecksumNone:
		return "none"
	case ChecksumSum8:
		return "sum8"
	case ChecksumBinSum16:
		return "binsum16"
	default:
		return fmt.Sprintf("ChecksumAlgorithm(%d)", int(a))
	}
}

// ParseChecksumAlgorithm parses the names produced by String.
func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ChecksumNone, nil
	case "sum8":
		return ChecksumSum8, nil
	case "binsum16":
		return ChecksumBinSum16, nil
	default:
		return ChecksumNone, fmt.Errorf("unknown checksum algorithm %q", s)
	}
}

// ChecksumSpec declares a checksum carried inside a record.
type ChecksumSpec struct {
	Algorithm ChecksumAlgorithm
	// Field holds the transmitted checksum.
	Field string
	// Covers lists the uint16 fields summed by ChecksumBinSum16. Sum8 always
	// covers every byte before Field.
	Covers []string
}

// Sum8 returns the sum of data modulo 256.
func Sum8(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// BinSum16 returns the sum of the bin counts modulo 65536.
func BinSum16(bins []uint16) uint16 {
	var sum uint16
	for _, b := range bins {
		sum += b
	}
	return sum
}

func (c ChecksumSpec) compute(l *Layout, raw []byte) uint64 {
	f, _ := l.Field(c.Field)
	switch c.Algorithm {
	case ChecksumSum8:
		return uint64(Sum8(raw[:f.Offset]))
	case ChecksumBinSum16:
		order := l.order()
		var sum uint16
		for _, name := range c.Covers {
			cf, _ := l.Field(name)
			for i := 0; i < cf.Count; i++ {
				sum += order.Uint16(raw[cf.Offset+2*i:])
			}
		}
		return uint64(sum)
	default:
		return 0
	}
}

func (c ChecksumSpec) stored(l *Layout, raw []byte) uint64 {
	f, _ := l.Field(c.Field)
	return readWord(l.order(), f.Kind.Width(), raw[f.Offset:])
}

// verifyChecksums recomputes every checksum declared by the layout. raw must
// already have the layout's length.
func (l *Layout) verifyChecksums(raw []byte) error {
	for _, c := range l.Checksums {
		want := c.compute(l, raw)
		got := c.stored(l, raw)
		if want != got {
			return &DecodeError{
				Kind:     ChecksumMismatch,
				Layout:   l.Name,
				Field:    c.Field,
				Computed: want,
				Received: got,
			}
		}
	}
	return nil
}

// seal writes freshly computed checksums into raw, in declaration order so a
// trailing Sum8 covers any checksum declared before it.
func (l *Layout) seal(raw []byte) {
	order := l.order()
	for _, c := range l.Checksums {
		f, _ := l.Field(c.Field)
		writeWord(order, f.Kind.Width(), raw[f.Offset:], c.compute(l, raw))
	}
}

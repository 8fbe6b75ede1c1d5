package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// FieldKind is the wire representation of a single element of a field.
type FieldKind int

const (
	FieldUint8 FieldKind = iota
	FieldUint16
	FieldUint32
	FieldFloat32
	// FieldBytes is an opaque run of bytes kept verbatim.
	FieldBytes
)

// Width returns the size in bytes of one element of the kind.
func (k FieldKind) Width() int {
	switch k {
	case FieldUint16:
		return 2
	case FieldUint32, FieldFloat32:
		return 4
	default:
		return 1
	}
}

func (k FieldKind) String() string {
	switch k {
	case FieldUint8:
		return "uint8"
	case FieldUint16:
		return "uint16"
	case FieldUint32:
		return "uint32"
	case FieldFloat32:
		return "float32"
	case FieldBytes:
		return "bytes"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// Field declares one named field of a response record.
type Field struct {
	Name   string
	Kind   FieldKind
	Count  int
	Offset int
}

// Size returns the number of bytes the field occupies.
func (f Field) Size() int { return f.Kind.Width() * f.Count }

// Layout is the declarative description of a fixed-length record.
//
// Offsets are explicit so the table can be checked against the device
// documentation; Validate rejects gaps, overlaps and size disagreements.
type Layout struct {
	Name      string
	Size      int
	Order     binary.ByteOrder
	Fields    []Field
	Checksums []ChecksumSpec
}

func (l *Layout) order() binary.ByteOrder {
	if l.Order == nil {
		return binary.LittleEndian
	}
	return l.Order
}

// Field returns the named field.
func (l *Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks that the fields tile the record exactly and that every
// checksum declaration refers to fields of a suitable kind.
func (l *Layout) Validate() error {
	seen := make(map[string]bool, len(l.Fields))
	offset := 0
	for _, f := range l.Fields {
		if f.Count <= 0 {
			return fmt.Errorf("layout %s: field %q has count %d", l.Name, f.Name, f.Count)
		}
		if seen[f.Name] {
			return fmt.Errorf("layout %s: duplicate field %q", l.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Offset != offset {
			return fmt.Errorf("layout %s: field %q at offset %d, expected %d", l.Name, f.Name, f.Offset, offset)
		}
		offset += f.Size()
	}
	if offset != l.Size {
		return fmt.Errorf("layout %s: fields cover %d bytes, declared size %d", l.Name, offset, l.Size)
	}

	for _, c := range l.Checksums {
		f, ok := l.Field(c.Field)
		if !ok {
			return fmt.Errorf("layout %s: checksum field %q not declared", l.Name, c.Field)
		}
		switch c.Algorithm {
		case ChecksumSum8:
			if f.Kind != FieldUint8 || f.Count != 1 {
				return fmt.Errorf("layout %s: sum8 checksum field %q must be a single uint8", l.Name, c.Field)
			}
		case ChecksumBinSum16:
			if f.Kind != FieldUint16 || f.Count != 1 {
				return fmt.Errorf("layout %s: binsum16 checksum field %q must be a single uint16", l.Name, c.Field)
			}
			if len(c.Covers) == 0 {
				return fmt.Errorf("layout %s: binsum16 checksum covers no fields", l.Name)
			}
			for _, name := range c.Covers {
				cf, ok := l.Field(name)
				if !ok || cf.Kind != FieldUint16 {
					return fmt.Errorf("layout %s: binsum16 checksum covers %q which is not a uint16 field", l.Name, name)
				}
			}
		default:
			return fmt.Errorf("layout %s: unsupported checksum algorithm %s", l.Name, c.Algorithm)
		}
	}
	return nil
}

func (l *Layout) isChecksumField(name string) bool {
	for _, c := range l.Checksums {
		if c.Field == name {
			return true
		}
	}
	return false
}

// withTrailingChecksum returns a copy of the layout with a Sum8 byte appended
// after the last field.
func (l *Layout) withTrailingChecksum(alg ChecksumAlgorithm) *Layout {
	name := "trailer_" + alg.String()
	out := &Layout{
		Name:      l.Name + "+" + alg.String(),
		Size:      l.Size + 1,
		Order:     l.Order,
		Fields:    append(append([]Field(nil), l.Fields...), Field{Name: name, Kind: FieldUint8, Count: 1, Offset: l.Size}),
		Checksums: append(append([]ChecksumSpec(nil), l.Checksums...), ChecksumSpec{Algorithm: alg, Field: name}),
	}
	return out
}

// Value holds the decoded elements of one field. Numeric elements are kept as
// raw bit patterns so that floats survive decode and re-encode unchanged.
type Value struct {
	Kind  FieldKind
	Words []uint64
	Raw   []byte
}

// Record maps field names to their decoded values.
type Record map[string]Value

// Unpack reads every field declared by the layout from raw. The length must
// match the layout size exactly.
func Unpack(l *Layout, raw []byte) (Record, error) {
	if len(raw) != l.Size {
		return nil, &DecodeError{Kind: LengthMismatch, Layout: l.Name, Expected: l.Size, Actual: len(raw)}
	}
	order := l.order()
	rec := make(Record, len(l.Fields))
	for _, f := range l.Fields {
		chunk := raw[f.Offset : f.Offset+f.Size()]
		if f.Kind == FieldBytes {
			rec[f.Name] = Value{Kind: f.Kind, Raw: bytes.Clone(chunk)}
			continue
		}
		w := f.Kind.Width()
		words := make([]uint64, f.Count)
		for i := range words {
			words[i] = readWord(order, w, chunk[i*w:])
		}
		rec[f.Name] = Value{Kind: f.Kind, Words: words}
	}
	return rec, nil
}

// Pack writes a record into a new buffer according to the layout. Checksum
// fields may be omitted; they are always recomputed.
func Pack(l *Layout, rec Record) ([]byte, error) {
	order := l.order()
	raw := make([]byte, l.Size)
	for _, f := range l.Fields {
		v, ok := rec[f.Name]
		if !ok {
			if l.isChecksumField(f.Name) {
				continue
			}
			return nil, fmt.Errorf("layout %s: missing field %q", l.Name, f.Name)
		}
		if v.Kind != f.Kind {
			return nil, fmt.Errorf("layout %s: field %q is %s, got %s", l.Name, f.Name, f.Kind, v.Kind)
		}
		chunk := raw[f.Offset : f.Offset+f.Size()]
		if f.Kind == FieldBytes {
			if len(v.Raw) != f.Count {
				return nil, fmt.Errorf("layout %s: field %q needs %d bytes, got %d", l.Name, f.Name, f.Count, len(v.Raw))
			}
			copy(chunk, v.Raw)
			continue
		}
		if len(v.Words) != f.Count {
			return nil, fmt.Errorf("layout %s: field %q needs %d elements, got %d", l.Name, f.Name, f.Count, len(v.Words))
		}
		w := f.Kind.Width()
		for i, word := range v.Words {
			writeWord(order, w, chunk[i*w:], word)
		}
	}
	l.seal(raw)
	return raw, nil
}

func readWord(order binary.ByteOrder, width int, b []byte) uint64 {
	switch width {
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	default:
		return uint64(b[0])
	}
}

func writeWord(order binary.ByteOrder, width int, b []byte, v uint64) {
	switch width {
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		b[0] = byte(v)
	}
}

func (r Record) value(name string, kind FieldKind) Value {
	v, ok := r[name]
	if !ok {
		panic(fmt.Sprintf("protocol: record has no field %q", name))
	}
	if v.Kind != kind {
		panic(fmt.Sprintf("protocol: field %q is %s, not %s", name, v.Kind, kind))
	}
	return v
}

// Uint8s returns the elements of a uint8 field.
func (r Record) Uint8s(name string) []uint8 {
	v := r.value(name, FieldUint8)
	out := make([]uint8, len(v.Words))
	for i, w := range v.Words {
		out[i] = uint8(w)
	}
	return out
}

// Uint8 returns the first element of a uint8 field.
func (r Record) Uint8(name string) uint8 { return r.Uint8s(name)[0] }

// Uint16s returns the elements of a uint16 field.
func (r Record) Uint16s(name string) []uint16 {
	v := r.value(name, FieldUint16)
	out := make([]uint16, len(v.Words))
	for i, w := range v.Words {
		out[i] = uint16(w)
	}
	return out
}

// Uint32 returns the first element of a uint32 field.
func (r Record) Uint32(name string) uint32 {
	return uint32(r.value(name, FieldUint32).Words[0])
}

// Float32s returns the elements of a float32 field.
func (r Record) Float32s(name string) []float32 {
	v := r.value(name, FieldFloat32)
	out := make([]float32, len(v.Words))
	for i, w := range v.Words {
		out[i] = math.Float32frombits(uint32(w))
	}
	return out
}

// Float32 returns the first element of a float32 field.
func (r Record) Float32(name string) float32 { return r.Float32s(name)[0] }

// Bytes returns a copy of an opaque byte field.
func (r Record) Bytes(name string) []byte {
	return bytes.Clone(r.value(name, FieldBytes).Raw)
}

// Uint8sValue builds a uint8 field value.
func Uint8sValue(vs ...uint8) Value {
	words := make([]uint64, len(vs))
	for i, v := range vs {
		words[i] = uint64(v)
	}
	return Value{Kind: FieldUint8, Words: words}
}

// Uint16sValue builds a uint16 field value.
func Uint16sValue(vs ...uint16) Value {
	words := make([]uint64, len(vs))
	for i, v := range vs {
		words[i] = uint64(v)
	}
	return Value{Kind: FieldUint16, Words: words}
}

// Uint32Value builds a single-element uint32 field value.
func Uint32Value(v uint32) Value {
	return Value{Kind: FieldUint32, Words: []uint64{uint64(v)}}
}

// Float32sValue builds a float32 field value.
func Float32sValue(vs ...float32) Value {
	words := make([]uint64, len(vs))
	for i, v := range vs {
		words[i] = uint64(math.Float32bits(v))
	}
	return Value{Kind: FieldFloat32, Words: words}
}

// BytesValue builds an opaque byte field value.
func BytesValue(b []byte) Value {
	return Value{Kind: FieldBytes, Raw: bytes.Clone(b)}
}

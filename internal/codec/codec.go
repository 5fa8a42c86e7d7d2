// Package codec implements the deterministic little-endian binary encoding
// used throughout the MV2S file format: fixed-width primitives, length-
// prefixed strings/blobs/arrays, and tagged optionals, each with bounded
// reads so a corrupt length prefix can never cause an unbounded allocation.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/wax-db/wax/internal/waxerr"
)

// Limits bounds what the codec will accept when decoding untrusted bytes.
// The zero value is not usable; construct with DefaultLimits.
type Limits struct {
	MaxStringBytes uint32
	MaxBlobBytes   uint32
	MaxArrayCount  uint32
}

// DefaultLimits mirrors the constants named in spec §6.4. They are generous
// enough for real documents while still bounding a corrupt length prefix.
func DefaultLimits() Limits {
	return Limits{
		MaxStringBytes: 64 << 20,  // 64 MiB
		MaxBlobBytes:   256 << 20, // 256 MiB
		MaxArrayCount:  4 << 20,   // 4Mi elements
	}
}

// Encoder appends values to an in-memory byte buffer using the wire format
// described in spec §4.1. Zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with the given initial capacity hint.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer. The returned slice aliases the
// Encoder's internal storage; callers must not mutate it after further
// writes.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) PutU8(v uint8) { e.buf = append(e.buf, v) }

func (e *Encoder) PutU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutI64(v int64) { e.PutU64(uint64(v)) }

// PutFixed appends raw bytes with no length prefix — used for fixed-size
// blobs like 32-byte checksums where the length is implicit from context.
func (e *Encoder) PutFixed(b []byte) { e.buf = append(e.buf, b...) }

// PutString appends a u32-length-prefixed UTF-8 string.
func (e *Encoder) PutString(s string) {
	e.PutU32(uint32(len(s))) //nolint:gosec // callers bound string length before encode
	e.buf = append(e.buf, s...)
}

// PutBlob appends a u32-length-prefixed byte slice.
func (e *Encoder) PutBlob(b []byte) {
	e.PutU32(uint32(len(b))) //nolint:gosec // callers bound blob length before encode
	e.buf = append(e.buf, b...)
}

// PutOptionalString appends the {0,1} tag followed by the string if present.
func (e *Encoder) PutOptionalString(s *string) {
	if s == nil {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutString(*s)
}

// PutOptionalU64 appends the {0,1} tag followed by the value if present.
func (e *Encoder) PutOptionalU64(v *uint64) {
	if v == nil {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutU64(*v)
}

// PutOptionalI64 appends the {0,1} tag followed by the value if present.
func (e *Encoder) PutOptionalI64(v *int64) {
	if v == nil {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutI64(*v)
}

// PutOptionalFixed appends the {0,1} tag followed by raw bytes if present.
func (e *Encoder) PutOptionalFixed(b []byte) {
	if b == nil {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.buf = append(e.buf, b...)
}

// ArrayHeader writes the u32 element count for an array the caller then
// encodes element-by-element.
func (e *Encoder) ArrayHeader(count int) { e.PutU32(uint32(count)) } //nolint:gosec // count bounded by caller

// Decoder reads values from a fixed byte slice, advancing an internal
// cursor. Every read is bounds-checked; Decoder never panics on malformed
// input — it returns a *waxerr.Error of KindDecodingError, or of
// KindCapacityExceeded when a length prefix breaches a configured limit.
type Decoder struct {
	buf    []byte
	pos    int
	limits Limits
}

// NewDecoder wraps buf for sequential decoding under the given limits.
func NewDecoder(buf []byte, limits Limits) *Decoder {
	return &Decoder{buf: buf, limits: limits}
}

// Pos returns the current read offset.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) errf(format string, args ...any) error {
	return waxerr.New(waxerr.KindDecodingError, "codec.decode", fmt.Errorf(format, args...))
}

func (d *Decoder) need(n int) error {
	if n < 0 || d.pos+n > len(d.buf) {
		return d.errf("need %d bytes at pos %d, have %d", n, d.pos, len(d.buf)-d.pos)
	}
	return nil
}

func (d *Decoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) U16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) U32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) U64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

// Fixed reads exactly n raw bytes (no length prefix). The returned slice
// aliases the Decoder's input buffer.
func (d *Decoder) Fixed(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	v := d.buf[d.pos : d.pos+n]
	d.pos += n
	return v, nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.U32()
	if err != nil {
		return "", err
	}
	if n > d.limits.MaxStringBytes {
		return "", waxerr.CapacityExceeded("codec.decode_string", int(d.limits.MaxStringBytes), int(n))
	}
	b, err := d.Fixed(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Decoder) Blob() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	if n > d.limits.MaxBlobBytes {
		return nil, waxerr.CapacityExceeded("codec.decode_blob", int(d.limits.MaxBlobBytes), int(n))
	}
	b, err := d.Fixed(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *Decoder) OptionalString() (*string, error) {
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	if tag != 1 {
		return nil, d.errf("invalid optional tag %d", tag)
	}
	s, err := d.String()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Decoder) OptionalU64() (*uint64, error) {
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	if tag != 1 {
		return nil, d.errf("invalid optional tag %d", tag)
	}
	v, err := d.U64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Decoder) OptionalI64() (*int64, error) {
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	if tag != 1 {
		return nil, d.errf("invalid optional tag %d", tag)
	}
	v, err := d.I64()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (d *Decoder) OptionalFixed(n int) ([]byte, error) {
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	if tag != 1 {
		return nil, d.errf("invalid optional tag %d", tag)
	}
	b, err := d.Fixed(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ArrayHeader reads and bounds-checks a u32 element count.
func (d *Decoder) ArrayHeader() (int, error) {
	n, err := d.U32()
	if err != nil {
		return 0, err
	}
	if n > d.limits.MaxArrayCount {
		return 0, waxerr.CapacityExceeded("codec.decode_array", int(d.limits.MaxArrayCount), int(n))
	}
	return int(n), nil
}

// Finalize requires the decoder to have consumed exactly its input; any
// trailing bytes are a decoding error.
func (d *Decoder) Finalize() error {
	if d.pos != len(d.buf) {
		return d.errf("trailing %d unconsumed bytes", len(d.buf)-d.pos)
	}
	return nil
}

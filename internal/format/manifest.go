package format

import (
	"fmt"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/waxerr"
)

// SegmentKind identifies what a segment-catalog entry's bytes represent.
type SegmentKind uint8

const (
	SegmentLex SegmentKind = iota
	SegmentVector
	SegmentTime
	SegmentCustom
)

// Segment is one entry in the segment catalog (spec §3): a non-overlapping
// byte range in the file, with its own checksum and compression tag.
type Segment struct {
	Kind        SegmentKind
	BytesOffset uint64
	BytesLength uint64
	Checksum    [32]byte
	Compression Encoding
}

func (s *Segment) encode(e *codec.Encoder) {
	e.PutU8(uint8(s.Kind))
	e.PutU64(s.BytesOffset)
	e.PutU64(s.BytesLength)
	e.PutFixed(s.Checksum[:])
	e.PutU8(uint8(s.Compression))
}

func decodeSegment(d *codec.Decoder) (Segment, error) {
	var s Segment
	kind, err := d.U8()
	if err != nil {
		return s, err
	}
	s.Kind = SegmentKind(kind)
	if s.BytesOffset, err = d.U64(); err != nil {
		return s, err
	}
	if s.BytesLength, err = d.U64(); err != nil {
		return s, err
	}
	checksum, err := d.Fixed(32)
	if err != nil {
		return s, err
	}
	copy(s.Checksum[:], checksum)
	compression, err := d.U8()
	if err != nil {
		return s, err
	}
	s.Compression = Encoding(compression)
	return s, nil
}

// ValidateSegmentCatalog enforces invariant 5 (spec §8): entries sorted by
// bytes_offset and non-overlapping.
func ValidateSegmentCatalog(segs []Segment) error {
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if cur.BytesOffset < prev.BytesOffset {
			return waxerr.New(waxerr.KindInvalidTOC, "format.validate_segments", fmt.Errorf("segment %d offset %d precedes segment %d offset %d", i, cur.BytesOffset, i-1, prev.BytesOffset))
		}
		if cur.BytesOffset < prev.BytesOffset+prev.BytesLength {
			return waxerr.New(waxerr.KindInvalidTOC, "format.validate_segments", fmt.Errorf("segment %d [%d,%d) overlaps segment %d [%d,%d)", i, cur.BytesOffset, cur.BytesOffset+cur.BytesLength, i-1, prev.BytesOffset, prev.BytesOffset+prev.BytesLength))
		}
	}
	return nil
}

// Similarity is a vector index's distance metric.
type Similarity uint8

const (
	SimilarityCosine Similarity = iota
	SimilarityDot
	SimilarityL2
)

// LexManifest points at the committed lexical-index segment.
type LexManifest struct {
	DocCount    uint64
	BytesOffset uint64
	BytesLength uint64
	Checksum    [32]byte
	Version     uint16
}

func (m *LexManifest) encode(e *codec.Encoder) {
	e.PutU64(m.DocCount)
	e.PutU64(m.BytesOffset)
	e.PutU64(m.BytesLength)
	e.PutFixed(m.Checksum[:])
	e.PutU16(m.Version)
}

func decodeLexManifest(d *codec.Decoder) (*LexManifest, error) {
	m := &LexManifest{}
	var err error
	if m.DocCount, err = d.U64(); err != nil {
		return nil, err
	}
	if m.BytesOffset, err = d.U64(); err != nil {
		return nil, err
	}
	if m.BytesLength, err = d.U64(); err != nil {
		return nil, err
	}
	checksum, err := d.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.Checksum[:], checksum)
	if m.Version, err = d.U16(); err != nil {
		return nil, err
	}
	return m, nil
}

// VectorManifest points at the committed vector-index segment.
type VectorManifest struct {
	VectorCount uint64
	Dimension   uint32
	BytesOffset uint64
	BytesLength uint64
	Checksum    [32]byte
	Similarity  Similarity
}

func (m *VectorManifest) encode(e *codec.Encoder) {
	e.PutU64(m.VectorCount)
	e.PutU32(m.Dimension)
	e.PutU64(m.BytesOffset)
	e.PutU64(m.BytesLength)
	e.PutFixed(m.Checksum[:])
	e.PutU8(uint8(m.Similarity))
}

func decodeVectorManifest(d *codec.Decoder) (*VectorManifest, error) {
	m := &VectorManifest{}
	var err error
	if m.VectorCount, err = d.U64(); err != nil {
		return nil, err
	}
	if m.Dimension, err = d.U32(); err != nil {
		return nil, err
	}
	if m.BytesOffset, err = d.U64(); err != nil {
		return nil, err
	}
	if m.BytesLength, err = d.U64(); err != nil {
		return nil, err
	}
	checksum, err := d.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.Checksum[:], checksum)
	sim, err := d.U8()
	if err != nil {
		return nil, err
	}
	m.Similarity = Similarity(sim)
	return m, nil
}

// TimeIndexManifest points at the optional time-index segment. Reserved
// per spec §9 Open Question 4: parseable even when the feature above it is
// unused.
type TimeIndexManifest struct {
	BytesOffset uint64
	BytesLength uint64
	EntryCount  uint64
	Checksum    [32]byte
}

func (m *TimeIndexManifest) encode(e *codec.Encoder) {
	e.PutU64(m.BytesOffset)
	e.PutU64(m.BytesLength)
	e.PutU64(m.EntryCount)
	e.PutFixed(m.Checksum[:])
}

func decodeTimeIndexManifest(d *codec.Decoder) (*TimeIndexManifest, error) {
	m := &TimeIndexManifest{}
	var err error
	if m.BytesOffset, err = d.U64(); err != nil {
		return nil, err
	}
	if m.BytesLength, err = d.U64(); err != nil {
		return nil, err
	}
	if m.EntryCount, err = d.U64(); err != nil {
		return nil, err
	}
	checksum, err := d.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.Checksum[:], checksum)
	return m, nil
}

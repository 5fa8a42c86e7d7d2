package format

import (
	"fmt"
	"sort"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/waxerr"
)

// Role classifies a frame's place in the document/chunk hierarchy.
type Role uint8

const (
	RoleDocument Role = iota
	RoleChunk
	RoleBlob
	RoleSystem
)

// Encoding is the canonical/on-disk compression tag shared by frame
// payloads and segment-catalog entries (spec §3, §4.4).
type Encoding uint8

const (
	EncodingPlain Encoding = iota
	EncodingLZFSE
	EncodingLZ4
	EncodingDeflate
)

// Status is a frame's lifecycle state.
type Status uint8

const (
	StatusActive Status = iota
	StatusDeleted
)

// FrameMeta is the committed metadata for one frame, as stored in the TOC.
type FrameMeta struct {
	ID                int64
	TimestampMs       int64
	Role              Role
	ParentID          *int64
	ChunkIndex        *uint32
	ChunkCount        *uint32
	PayloadOffset     uint64
	PayloadLength     uint64
	CanonicalEncoding Encoding
	CanonicalLength   *uint64
	CanonicalChecksum [32]byte
	StoredChecksum    *[32]byte
	Status            Status
	Supersedes        *int64
	SupersededBy      *int64
	URI               *string
	Title             *string
	SearchText        *string
	Metadata          map[string]string
	Tags              [][2]string
	Labels            []string
	ContentDate       *string
}

// Encode appends m's wire representation to e.
func (m *FrameMeta) Encode(e *codec.Encoder) {
	e.PutI64(m.ID)
	e.PutI64(m.TimestampMs)
	e.PutU8(uint8(m.Role))
	e.PutOptionalI64(m.ParentID)
	putOptionalU32(e, m.ChunkIndex)
	putOptionalU32(e, m.ChunkCount)
	e.PutU64(m.PayloadOffset)
	e.PutU64(m.PayloadLength)
	e.PutU8(uint8(m.CanonicalEncoding))
	e.PutOptionalU64(m.CanonicalLength)
	e.PutFixed(m.CanonicalChecksum[:])
	if m.StoredChecksum == nil {
		e.PutU8(0)
	} else {
		e.PutU8(1)
		e.PutFixed(m.StoredChecksum[:])
	}
	e.PutU8(uint8(m.Status))
	e.PutOptionalI64(m.Supersedes)
	e.PutOptionalI64(m.SupersededBy)
	e.PutOptionalString(m.URI)
	e.PutOptionalString(m.Title)
	e.PutOptionalString(m.SearchText)

	keys := make([]string, 0, len(m.Metadata))
	for k := range m.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.ArrayHeader(len(keys))
	for _, k := range keys {
		e.PutString(k)
		e.PutString(m.Metadata[k])
	}

	e.ArrayHeader(len(m.Tags))
	for _, t := range m.Tags {
		e.PutString(t[0])
		e.PutString(t[1])
	}

	e.ArrayHeader(len(m.Labels))
	for _, l := range m.Labels {
		e.PutString(l)
	}

	e.PutOptionalString(m.ContentDate)
}

// DecodeFrameMeta reads one FrameMeta from d.
func DecodeFrameMeta(d *codec.Decoder) (*FrameMeta, error) {
	m := &FrameMeta{}
	var err error
	if m.ID, err = d.I64(); err != nil {
		return nil, err
	}
	if m.TimestampMs, err = d.I64(); err != nil {
		return nil, err
	}
	role, err := d.U8()
	if err != nil {
		return nil, err
	}
	m.Role = Role(role)
	if m.ParentID, err = d.OptionalI64(); err != nil {
		return nil, err
	}
	if m.ChunkIndex, err = decodeOptionalU32(d); err != nil {
		return nil, err
	}
	if m.ChunkCount, err = decodeOptionalU32(d); err != nil {
		return nil, err
	}
	if m.PayloadOffset, err = d.U64(); err != nil {
		return nil, err
	}
	if m.PayloadLength, err = d.U64(); err != nil {
		return nil, err
	}
	enc, err := d.U8()
	if err != nil {
		return nil, err
	}
	m.CanonicalEncoding = Encoding(enc)
	if m.CanonicalLength, err = d.OptionalU64(); err != nil {
		return nil, err
	}
	canonicalChecksum, err := d.Fixed(32)
	if err != nil {
		return nil, err
	}
	copy(m.CanonicalChecksum[:], canonicalChecksum)

	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case 0:
	case 1:
		stored, err := d.Fixed(32)
		if err != nil {
			return nil, err
		}
		var sc [32]byte
		copy(sc[:], stored)
		m.StoredChecksum = &sc
	default:
		return nil, waxerr.New(waxerr.KindDecodingError, "format.decode_frame_meta", fmt.Errorf("invalid optional tag %d", tag))
	}

	status, err := d.U8()
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if m.Supersedes, err = d.OptionalI64(); err != nil {
		return nil, err
	}
	if m.SupersededBy, err = d.OptionalI64(); err != nil {
		return nil, err
	}
	if m.URI, err = d.OptionalString(); err != nil {
		return nil, err
	}
	if m.Title, err = d.OptionalString(); err != nil {
		return nil, err
	}
	if m.SearchText, err = d.OptionalString(); err != nil {
		return nil, err
	}

	metaCount, err := d.ArrayHeader()
	if err != nil {
		return nil, err
	}
	if metaCount > 0 {
		m.Metadata = make(map[string]string, metaCount)
	}
	for i := 0; i < metaCount; i++ {
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		m.Metadata[k] = v
	}

	tagCount, err := d.ArrayHeader()
	if err != nil {
		return nil, err
	}
	if tagCount > 0 {
		m.Tags = make([][2]string, tagCount)
	}
	for i := 0; i < tagCount; i++ {
		k, err := d.String()
		if err != nil {
			return nil, err
		}
		v, err := d.String()
		if err != nil {
			return nil, err
		}
		m.Tags[i] = [2]string{k, v}
	}

	labelCount, err := d.ArrayHeader()
	if err != nil {
		return nil, err
	}
	if labelCount > 0 {
		m.Labels = make([]string, labelCount)
	}
	for i := 0; i < labelCount; i++ {
		l, err := d.String()
		if err != nil {
			return nil, err
		}
		m.Labels[i] = l
	}

	if m.ContentDate, err = d.OptionalString(); err != nil {
		return nil, err
	}

	return m, nil
}

// Validate checks the per-frame invariants of spec §3 that don't require
// sibling frames (dense-id ordering is checked at the TOC level).
func (m *FrameMeta) Validate() error {
	if m.CanonicalEncoding == EncodingPlain && m.CanonicalLength != nil {
		return waxerr.New(waxerr.KindInvalidTOC, "format.validate_frame", fmt.Errorf("frame %d: canonical_length must be absent when encoding=plain", m.ID))
	}
	if m.CanonicalEncoding != EncodingPlain && m.CanonicalLength == nil {
		return waxerr.New(waxerr.KindInvalidTOC, "format.validate_frame", fmt.Errorf("frame %d: canonical_length required when encoding!=plain", m.ID))
	}
	if m.PayloadLength == 0 && m.StoredChecksum != nil {
		return waxerr.New(waxerr.KindInvalidTOC, "format.validate_frame", fmt.Errorf("frame %d: stored_checksum must be absent when payload_length=0", m.ID))
	}
	if m.Supersedes != nil && !(*m.Supersedes < m.ID) {
		return waxerr.New(waxerr.KindInvalidTOC, "format.validate_frame", fmt.Errorf("frame %d: supersedes must reference a lower id", m.ID))
	}
	return nil
}

func putOptionalU32(e *codec.Encoder, v *uint32) {
	if v == nil {
		e.PutU8(0)
		return
	}
	e.PutU8(1)
	e.PutU32(*v)
}

func decodeOptionalU32(d *codec.Decoder) (*uint32, error) {
	tag, err := d.U8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	if tag != 1 {
		return nil, waxerr.New(waxerr.KindDecodingError, "format.decode_optional_u32", fmt.Errorf("invalid optional tag %d", tag))
	}
	v, err := d.U32()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

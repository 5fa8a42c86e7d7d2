package format

import (
	"fmt"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/waxerr"
	"github.com/wax-db/wax/internal/xsum"
)

// TOC is the decoded table of contents for one committed generation.
type TOC struct {
	Version    uint16
	Frames     []FrameMeta
	Lex        *LexManifest
	Vector     *VectorManifest
	TimeIndex  *TimeIndexManifest
	Segments   []Segment
	MerkleRoot [32]byte // all-zero placeholder in v1, per spec §3
}

// Encode serializes t with the trailing stamped-zero toc_checksum per
// spec §4.2. The returned bytes include that checksum.
func (t *TOC) Encode() []byte {
	e := codec.NewEncoder(4096)
	e.PutU16(t.Version)

	e.ArrayHeader(len(t.Frames))
	for i := range t.Frames {
		t.Frames[i].Encode(e)
	}

	if t.Lex == nil {
		e.PutU8(0)
	} else {
		e.PutU8(1)
		t.Lex.encode(e)
	}
	if t.Vector == nil {
		e.PutU8(0)
	} else {
		e.PutU8(1)
		t.Vector.encode(e)
	}
	if t.TimeIndex == nil {
		e.PutU8(0)
	} else {
		e.PutU8(1)
		t.TimeIndex.encode(e)
	}

	e.ArrayHeader(len(t.Segments))
	for i := range t.Segments {
		t.Segments[i].encode(e)
	}

	e.PutFixed(t.MerkleRoot[:])

	body := e.Bytes()
	sum := xsum.Stamp(body)
	out := make([]byte, 0, len(body)+xsum.Size)
	out = append(out, body...)
	out = append(out, sum[:]...)
	return out
}

// DecodeTOC parses buf (including its trailing checksum), verifies the
// stamped-zero checksum, and validates cross-frame/segment invariants.
func DecodeTOC(buf []byte) (*TOC, error) {
	if len(buf) < xsum.Size {
		return nil, waxerr.New(waxerr.KindInvalidTOC, "format.decode_toc", fmt.Errorf("toc too short: %d bytes", len(buf)))
	}
	body := buf[:len(buf)-xsum.Size]
	var gotSum [32]byte
	copy(gotSum[:], buf[len(buf)-xsum.Size:])
	if !xsum.Verify(body, gotSum) {
		return nil, waxerr.New(waxerr.KindChecksumMismatch, "format.decode_toc", fmt.Errorf("toc checksum mismatch"))
	}

	d := codec.NewDecoder(body, codec.DefaultLimits())
	t := &TOC{}
	var err error
	if t.Version, err = d.U16(); err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	if t.Version != TOCVersion {
		return nil, waxerr.New(waxerr.KindInvalidTOC, "format.decode_toc", fmt.Errorf("unsupported toc_version %d", t.Version))
	}

	frameCount, err := d.ArrayHeader()
	if err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	t.Frames = make([]FrameMeta, frameCount)
	for i := 0; i < frameCount; i++ {
		fm, err := DecodeFrameMeta(d)
		if err != nil {
			return nil, waxerr.Wrap("format.decode_toc", err)
		}
		t.Frames[i] = *fm
	}

	lexTag, err := d.U8()
	if err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	if lexTag == 1 {
		if t.Lex, err = decodeLexManifest(d); err != nil {
			return nil, waxerr.Wrap("format.decode_toc", err)
		}
	}

	vecTag, err := d.U8()
	if err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	if vecTag == 1 {
		if t.Vector, err = decodeVectorManifest(d); err != nil {
			return nil, waxerr.Wrap("format.decode_toc", err)
		}
	}

	timeTag, err := d.U8()
	if err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	if timeTag == 1 {
		if t.TimeIndex, err = decodeTimeIndexManifest(d); err != nil {
			return nil, waxerr.Wrap("format.decode_toc", err)
		}
	}

	segCount, err := d.ArrayHeader()
	if err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	t.Segments = make([]Segment, segCount)
	for i := 0; i < segCount; i++ {
		seg, err := decodeSegment(d)
		if err != nil {
			return nil, waxerr.Wrap("format.decode_toc", err)
		}
		t.Segments[i] = seg
	}

	merkleRoot, err := d.Fixed(32)
	if err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}
	copy(t.MerkleRoot[:], merkleRoot)

	if err := d.Finalize(); err != nil {
		return nil, waxerr.Wrap("format.decode_toc", err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks invariants 3 (partially, checksum equality is a
// caller-side re-hash concern), 4, and 5 from spec §8.
func (t *TOC) Validate() error {
	for i := range t.Frames {
		if err := t.Frames[i].Validate(); err != nil {
			return err
		}
		if int64(i) != t.Frames[i].ID {
			return waxerr.New(waxerr.KindInvalidTOC, "format.validate_toc", fmt.Errorf("frame at index %d has id %d, ids must be dense and zero-based", i, t.Frames[i].ID))
		}
		if i > 0 && t.Frames[i].ID <= t.Frames[i-1].ID {
			return waxerr.New(waxerr.KindInvalidTOC, "format.validate_toc", fmt.Errorf("frame ids not strictly ascending at index %d", i))
		}
	}
	return ValidateSegmentCatalog(t.Segments)
}

// TOCHash returns the stamped-zero SHA-256 of the TOC's encoded form, for
// comparison against a footer's toc_hash (spec §4.5).
func TOCHash(encoded []byte) [32]byte {
	body := encoded
	if len(encoded) >= xsum.Size {
		body = encoded[:len(encoded)-xsum.Size]
	}
	return xsum.Stamp(body)
}

// Package format defines the on-disk layout of an MV2S file: the two
// header pages, the footer, the table of contents, and the segment
// catalog, plus the encode/decode/validate logic for each, per spec §3
// and §4.4.
package format

import (
	"fmt"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/waxerr"
	"github.com/wax-db/wax/internal/xsum"
)

// Fixed layout constants (spec §6.4).
const (
	HeaderPageSize   = 4096
	HeaderRegionSize = 2 * HeaderPageSize // pages A and B
	FooterSize       = 60
	TOCVersion       = uint16(1)
	FormatVersion    = uint16(1)
	SpecMajor        = uint8(1)
	SpecMinor        = uint8(0)

	headerBodySize = 104 // bytes preceding header_checksum within the page
	headerStruct   = 136 // headerBodySize + 32-byte checksum
)

// HeaderMagic is "WAXH" and FooterMagic is "WAXF", both little-endian u32.
var (
	HeaderMagic = [4]byte{'W', 'A', 'X', 'H'}
	FooterMagic = [4]byte{'W', 'A', 'X', 'F'}
)

// HeaderPage is the decoded form of one of the two 4096-byte header pages.
type HeaderPage struct {
	FormatVersion        uint16
	SpecMajor            uint8
	SpecMinor            uint8
	HeaderPageGeneration uint64
	FileGeneration       uint64
	FooterOffset         uint64
	WALOffset            uint64
	WALSize              uint64
	WALWritePos          uint64
	WALCheckpointPos     uint64
	WALCommittedSeq      uint64
	TOCChecksum          [32]byte
}

// Encode serializes h into a HeaderPageSize-byte page, zero-padded after the
// 136-byte live struct.
func (h *HeaderPage) Encode() []byte {
	e := codec.NewEncoder(HeaderPageSize)
	e.PutFixed(HeaderMagic[:])
	e.PutU16(h.FormatVersion)
	e.PutU8(h.SpecMajor)
	e.PutU8(h.SpecMinor)
	e.PutU64(h.HeaderPageGeneration)
	e.PutU64(h.FileGeneration)
	e.PutU64(h.FooterOffset)
	e.PutU64(h.WALOffset)
	e.PutU64(h.WALSize)
	e.PutU64(h.WALWritePos)
	e.PutU64(h.WALCheckpointPos)
	e.PutU64(h.WALCommittedSeq)
	e.PutFixed(h.TOCChecksum[:])
	body := e.Bytes()
	if len(body) != headerBodySize {
		panic(fmt.Sprintf("format: header body encoded to %d bytes, want %d", len(body), headerBodySize))
	}
	sum := xsum.Stamp(body)
	page := make([]byte, HeaderPageSize)
	copy(page, body)
	copy(page[headerBodySize:], sum[:])
	return page
}

// DecodeHeaderPage parses a page (at least headerStruct bytes) without
// validating cross-field invariants; call Validate separately.
func DecodeHeaderPage(page []byte) (*HeaderPage, error) {
	if len(page) < headerStruct {
		return nil, waxerr.New(waxerr.KindInvalidHeader, "format.decode_header", fmt.Errorf("page too short: %d bytes", len(page)))
	}
	d := codec.NewDecoder(page[:headerBodySize], codec.DefaultLimits())
	magic, err := d.Fixed(4)
	if err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if string(magic) != string(HeaderMagic[:]) {
		return nil, waxerr.New(waxerr.KindInvalidHeader, "format.decode_header", fmt.Errorf("bad magic %x", magic))
	}
	h := &HeaderPage{}
	if h.FormatVersion, err = d.U16(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.SpecMajor, err = d.U8(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.SpecMinor, err = d.U8(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.HeaderPageGeneration, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.FileGeneration, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.FooterOffset, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.WALOffset, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.WALSize, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.WALWritePos, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.WALCheckpointPos, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	if h.WALCommittedSeq, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	tocChecksum, err := d.Fixed(32)
	if err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}
	copy(h.TOCChecksum[:], tocChecksum)
	if err := d.Finalize(); err != nil {
		return nil, waxerr.Wrap("format.decode_header", err)
	}

	wantSum := xsum.Stamp(page[:headerBodySize])
	var gotSum [32]byte
	copy(gotSum[:], page[headerBodySize:headerStruct])
	if wantSum != gotSum {
		return nil, waxerr.New(waxerr.KindChecksumMismatch, "format.decode_header", fmt.Errorf("header checksum mismatch"))
	}
	return h, nil
}

// Validate checks the cross-field invariants from spec §3 beyond the
// checksum (already checked by DecodeHeaderPage).
func (h *HeaderPage) Validate() error {
	if h.FormatVersion != FormatVersion {
		return waxerr.New(waxerr.KindInvalidHeader, "format.validate_header", fmt.Errorf("unsupported format_version %d", h.FormatVersion))
	}
	if h.SpecMajor != SpecMajor {
		return waxerr.New(waxerr.KindInvalidHeader, "format.validate_header", fmt.Errorf("spec_major %d disagrees with format_version %d", h.SpecMajor, h.FormatVersion))
	}
	if h.WALOffset < HeaderRegionSize {
		return waxerr.New(waxerr.KindInvalidHeader, "format.validate_header", fmt.Errorf("wal_offset %d < header_region_size %d", h.WALOffset, HeaderRegionSize))
	}
	if h.WALWritePos > h.WALSize {
		return waxerr.New(waxerr.KindInvalidHeader, "format.validate_header", fmt.Errorf("wal_write_pos %d > wal_size %d", h.WALWritePos, h.WALSize))
	}
	if h.WALCheckpointPos > h.WALSize {
		return waxerr.New(waxerr.KindInvalidHeader, "format.validate_header", fmt.Errorf("wal_checkpoint_pos %d > wal_size %d", h.WALCheckpointPos, h.WALSize))
	}
	if h.FooterOffset < h.WALOffset+h.WALSize {
		return waxerr.New(waxerr.KindInvalidHeader, "format.validate_header", fmt.Errorf("footer_offset %d < wal_offset+wal_size %d", h.FooterOffset, h.WALOffset+h.WALSize))
	}
	return nil
}

// SelectHeaderPage implements the selection rule of spec §4.7 given the
// decode/validate outcome of both pages. Page A is index 0, page B index 1.
// Returns the winning index, or -1 if neither page is usable.
func SelectHeaderPage(pages [2]*HeaderPage, errs [2]error) int {
	aOK, bOK := errs[0] == nil && pages[0] != nil, errs[1] == nil && pages[1] != nil
	switch {
	case aOK && bOK:
		if pages[1].HeaderPageGeneration > pages[0].HeaderPageGeneration {
			return 1
		}
		return 0
	case aOK:
		return 0
	case bOK:
		return 1
	default:
		return -1
	}
}

// Footer is the decoded 60-byte trailer pointing at the TOC for one
// generation.
type Footer struct {
	TOCLen          uint64
	TOCHash         [32]byte
	Generation      uint64
	WALCommittedSeq uint64
}

// Encode serializes f to exactly FooterSize bytes. The footer carries no
// self-referential trailing checksum (toc_hash authenticates the TOC, not
// the footer itself), so no stamped-zero pass applies here.
func (f *Footer) Encode() []byte {
	e := codec.NewEncoder(FooterSize)
	e.PutFixed(FooterMagic[:])
	e.PutU64(f.TOCLen)
	e.PutFixed(f.TOCHash[:])
	e.PutU64(f.Generation)
	e.PutU64(f.WALCommittedSeq)
	out := e.Bytes()
	if len(out) != FooterSize {
		panic(fmt.Sprintf("format: footer encoded to %d bytes, want %d", len(out), FooterSize))
	}
	return out
}

// DecodeFooter parses exactly FooterSize bytes and performs the structural
// sanity checks from spec §4.5 that don't require the file around it
// (magic only; toc_len bounds are checked by the caller, which knows
// max_toc_bytes and the candidate offset).
func DecodeFooter(buf []byte) (*Footer, error) {
	if len(buf) != FooterSize {
		return nil, waxerr.New(waxerr.KindInvalidFooter, "format.decode_footer", fmt.Errorf("footer is %d bytes, want %d", len(buf), FooterSize))
	}
	d := codec.NewDecoder(buf, codec.DefaultLimits())
	magic, err := d.Fixed(4)
	if err != nil {
		return nil, waxerr.Wrap("format.decode_footer", err)
	}
	if string(magic) != string(FooterMagic[:]) {
		return nil, waxerr.New(waxerr.KindInvalidFooter, "format.decode_footer", fmt.Errorf("bad magic %x", magic))
	}
	f := &Footer{}
	if f.TOCLen, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_footer", err)
	}
	tocHash, err := d.Fixed(32)
	if err != nil {
		return nil, waxerr.Wrap("format.decode_footer", err)
	}
	copy(f.TOCHash[:], tocHash)
	if f.Generation, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_footer", err)
	}
	if f.WALCommittedSeq, err = d.U64(); err != nil {
		return nil, waxerr.Wrap("format.decode_footer", err)
	}
	if err := d.Finalize(); err != nil {
		return nil, waxerr.Wrap("format.decode_footer", err)
	}
	return f, nil
}

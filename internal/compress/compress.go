// Package compress implements the canonical_encoding codecs named in spec
// §3: plain (no-op), deflate, lz4, and a validating stub for lzfse (no
// pure-Go implementation exists in the ecosystem; see DESIGN.md). Codecs
// are registered by tag so the frame store and commit coordinator can look
// one up without a type switch.
package compress

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/waxerr"
)

// Compressor turns canonical (logical) bytes into stored (on-disk) bytes
// and back, for one canonical_encoding tag.
type Compressor interface {
	Tag() format.Encoding
	Encode(canonical []byte) (stored []byte, err error)
	Decode(stored []byte) (canonical []byte, err error)
}

var registry = map[format.Encoding]Compressor{}

// Register adds (or replaces) the Compressor for its own Tag().
func Register(c Compressor) {
	registry[c.Tag()] = c
}

// Get looks up the Compressor for a canonical_encoding tag.
func Get(tag format.Encoding) (Compressor, error) {
	c, ok := registry[tag]
	if !ok {
		return nil, waxerr.New(waxerr.KindEncodingError, "compress.get", fmt.Errorf("no compressor registered for tag %d", tag))
	}
	return c, nil
}

func init() {
	Register(plainCompressor{})
	Register(deflateCompressor{})
	Register(lz4Compressor{})
	Register(lzfseStub{})
}

type plainCompressor struct{}

func (plainCompressor) Tag() format.Encoding { return format.EncodingPlain }
func (plainCompressor) Encode(canonical []byte) ([]byte, error) {
	return canonical, nil
}
func (plainCompressor) Decode(stored []byte) ([]byte, error) {
	return stored, nil
}

// deflateCompressor wraps stdlib compress/flate. No example repo in the
// corpus pulls in a third-party deflate implementation (klauspost/compress
// appears only for zstd, used nowhere Wax needs it), and stdlib deflate is
// the direct, zero-dependency match for spec §3's "deflate" tag; see
// DESIGN.md for the full justification.
type deflateCompressor struct{}

func (deflateCompressor) Tag() format.Encoding { return format.EncodingDeflate }

func (deflateCompressor) Encode(canonical []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, waxerr.New(waxerr.KindEncodingError, "compress.deflate.encode", err)
	}
	if _, err := w.Write(canonical); err != nil {
		return nil, waxerr.New(waxerr.KindEncodingError, "compress.deflate.encode", err)
	}
	if err := w.Close(); err != nil {
		return nil, waxerr.New(waxerr.KindEncodingError, "compress.deflate.encode", err)
	}
	return buf.Bytes(), nil
}

func (deflateCompressor) Decode(stored []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(stored))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, waxerr.New(waxerr.KindDecodingError, "compress.deflate.decode", err)
	}
	return out, nil
}

// lz4Compressor wraps github.com/pierrec/lz4/v4, grounded on the
// foxglove/mcap writer in the example pack's other_examples entries, which
// uses the same library for chunk compression.
type lz4Compressor struct{}

func (lz4Compressor) Tag() format.Encoding { return format.EncodingLZ4 }

func (lz4Compressor) Encode(canonical []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(canonical); err != nil {
		return nil, waxerr.New(waxerr.KindEncodingError, "compress.lz4.encode", err)
	}
	if err := w.Close(); err != nil {
		return nil, waxerr.New(waxerr.KindEncodingError, "compress.lz4.encode", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decode(stored []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(stored))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, waxerr.New(waxerr.KindDecodingError, "compress.lz4.decode", err)
	}
	return out, nil
}

// lzfseStub registers the lzfse tag so the segment/frame catalog can round
// trip files written by a host with native LZFSE support, but refuses to
// actually (de)compress: no pure-Go LZFSE implementation exists anywhere
// in the example corpus or, to this module's knowledge, the wider
// ecosystem. A host that needs LZFSE must Register its own Compressor for
// format.EncodingLZFSE before opening such a file.
type lzfseStub struct{}

func (lzfseStub) Tag() format.Encoding { return format.EncodingLZFSE }

func (lzfseStub) Encode([]byte) ([]byte, error) {
	return nil, waxerr.New(waxerr.KindEncodingError, "compress.lzfse.encode", fmt.Errorf("lzfse is not implemented; register a Compressor for format.EncodingLZFSE"))
}

func (lzfseStub) Decode([]byte) ([]byte, error) {
	return nil, waxerr.New(waxerr.KindDecodingError, "compress.lzfse.decode", fmt.Errorf("lzfse is not implemented; register a Compressor for format.EncodingLZFSE"))
}

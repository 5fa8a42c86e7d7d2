// Package xsum implements the stamped-zero checksum convention used for
// every structure in the MV2S format that ends in a trailing 32-byte
// checksum field: the checksum covers the structure's own bytes with that
// trailing field treated as all-zero, so a single SHA-256 pass can both
// compute and verify the stamp without a separate "exclude last 32 bytes"
// special case at each call site.
package xsum

import (
	"bytes"
	"crypto/sha256"
	"hash"
)

// Size is the length in bytes of a stamped checksum.
const Size = sha256.Size

var zero32 [Size]byte

// Stamp computes SHA-256(body || zero32) where body is the structure's
// bytes up to (but not including) its trailing checksum field.
func Stamp(body []byte) [Size]byte {
	h := sha256.New()
	h.Write(body)
	h.Write(zero32[:])
	var out [Size]byte
	h.Sum(out[:0])
	return out
}

// Verify reports whether got equals Stamp(body).
func Verify(body []byte, got [Size]byte) bool {
	want := Stamp(body)
	return bytes.Equal(want[:], got[:])
}

// Hasher accumulates a body incrementally before stamping, for callers that
// build a structure's bytes in pieces (e.g. streaming a frame payload)
// rather than having the whole body materialized at once.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher ready to accumulate body bytes.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write implements io.Writer, feeding body bytes into the running hash.
func (hs *Hasher) Write(p []byte) (int, error) {
	return hs.h.Write(p)
}

// Sum finalizes the stamped checksum over everything written so far, as if
// zero32 were appended at the end.
func (hs *Hasher) Sum() [Size]byte {
	h := hs.h
	h.Write(zero32[:])
	var out [Size]byte
	h.Sum(out[:0])
	return out
}

// Content computes a plain content-address hash (no stamped-zero suffix),
// used for frame canonical-bytes addressing per spec §4.9 where the hash
// identifies content rather than authenticating a self-referential
// structure.
func Content(b []byte) [Size]byte {
	return sha256.Sum256(b)
}

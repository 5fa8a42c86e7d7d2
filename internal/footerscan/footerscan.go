// Package footerscan implements the bounded reverse scan that locates the
// highest-generation valid footer in an MV2S file, per spec §4.5. It never
// trusts a single fixed offset: stale or torn footers left behind by a
// crash are tolerated as long as at least one earlier footer still
// validates within the scanned window.
package footerscan

import (
	"fmt"
	"os"

	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/waxerr"
)

// Limits bounds the scan.
type Limits struct {
	MaxFooterScanBytes int64
	MaxTOCBytes        int64
}

// DefaultLimits mirrors the constants named in spec §6.4.
func DefaultLimits() Limits {
	return Limits{
		MaxFooterScanBytes: 64 << 20,  // 64 MiB trailing window
		MaxTOCBytes:        256 << 20, // 256 MiB
	}
}

// Result is one validated footer candidate.
type Result struct {
	Footer      *format.Footer
	TOC         *format.TOC
	FooterBytes int64 // file offset of the footer's first byte
}

// Scan walks the window [max(HeaderRegionSize,
// fileSize-limits.MaxFooterScanBytes), fileSize) backwards one byte at a time looking for footer magic, decoding
// and fully validating each candidate (footer fields, TOC bounds, TOC hash
// match). It returns the candidate with the highest generation; ties break
// by larger file offset (spec §4.5, invariant 2).
func Scan(f *os.File, fileSize int64, limits Limits) (*Result, error) {
	windowStart := fileSize - limits.MaxFooterScanBytes
	if windowStart < format.HeaderRegionSize {
		windowStart = format.HeaderRegionSize
	}
	if fileSize-windowStart < format.FooterSize {
		return nil, waxerr.Wrap("footerscan.scan", waxerr.ErrInvalidFooter)
	}

	window := make([]byte, fileSize-windowStart)
	if err := readFullAt(f, window, windowStart); err != nil {
		return nil, waxerr.Wrap("footerscan.scan", err)
	}

	var best *Result
	for i := len(window) - format.FooterSize; i >= 0; i-- {
		if !matchesMagic(window[i : i+4]) {
			continue
		}
		candidateOffset := windowStart + int64(i)
		res, err := validateCandidate(f, window[i:i+format.FooterSize], candidateOffset, limits)
		if err != nil {
			continue // not a real footer, or a torn/corrupt one; keep scanning backward
		}
		if best == nil || res.Footer.Generation > best.Footer.Generation ||
			(res.Footer.Generation == best.Footer.Generation && res.FooterBytes > best.FooterBytes) {
			best = res
		}
	}

	if best == nil {
		return nil, waxerr.Wrap("footerscan.scan", waxerr.ErrInvalidFooter)
	}
	return best, nil
}

func matchesMagic(b []byte) bool {
	return len(b) == 4 && b[0] == format.FooterMagic[0] && b[1] == format.FooterMagic[1] &&
		b[2] == format.FooterMagic[2] && b[3] == format.FooterMagic[3]
}

func validateCandidate(f *os.File, footerBuf []byte, candidateOffset int64, limits Limits) (*Result, error) {
	footer, err := format.DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}
	tocLen := int64(footer.TOCLen)
	if tocLen < 32 || tocLen > limits.MaxTOCBytes {
		return nil, waxerr.New(waxerr.KindInvalidFooter, "footerscan.validate", fmt.Errorf("toc_len %d out of bounds", tocLen))
	}
	if tocLen > candidateOffset {
		return nil, waxerr.New(waxerr.KindInvalidFooter, "footerscan.validate", fmt.Errorf("toc_len %d exceeds candidate offset %d", tocLen, candidateOffset))
	}

	tocOffset := candidateOffset - tocLen
	tocBuf := make([]byte, tocLen)
	if err := readFullAt(f, tocBuf, tocOffset); err != nil {
		return nil, err
	}

	gotHash := format.TOCHash(tocBuf)
	if gotHash != footer.TOCHash {
		return nil, waxerr.New(waxerr.KindChecksumMismatch, "footerscan.validate", fmt.Errorf("toc_hash mismatch at offset %d", tocOffset))
	}

	toc, err := format.DecodeTOC(tocBuf)
	if err != nil {
		return nil, err
	}

	return &Result{Footer: footer, TOC: toc, FooterBytes: candidateOffset}, nil
}

func readFullAt(f *os.File, p []byte, off int64) error {
	n, err := f.ReadAt(p, off)
	if err != nil && n != len(p) {
		return waxerr.New(waxerr.KindIO, "footerscan.read", fmt.Errorf("offset %d: %w", off, err))
	}
	return nil
}

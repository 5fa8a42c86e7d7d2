package wax

import "github.com/wax-db/wax/internal/waxerr"

// Kind classifies the category of a Wax error (spec §7).
type Kind = waxerr.Kind

const (
	KindInvalidHeader    = waxerr.KindInvalidHeader
	KindInvalidFooter    = waxerr.KindInvalidFooter
	KindInvalidTOC       = waxerr.KindInvalidTOC
	KindChecksumMismatch = waxerr.KindChecksumMismatch
	KindDecodingError    = waxerr.KindDecodingError
	KindEncodingError    = waxerr.KindEncodingError
	KindWALCorruption    = waxerr.KindWALCorruption
	KindLockUnavailable  = waxerr.KindLockUnavailable
	KindCapacityExceeded = waxerr.KindCapacityExceeded
	KindFrameNotFound    = waxerr.KindFrameNotFound
	KindIO               = waxerr.KindIO
)

// Error is the concrete error type returned by any Wax operation that can
// fail in a taxonomy-classified way. Use errors.As to recover one from a
// wrapped error, or OfKind to check a Kind directly.
type Error = waxerr.Error

// Sentinels for the most common failure categories (spec §7).
var (
	ErrFrameNotFound   = waxerr.ErrFrameNotFound
	ErrLockUnavailable = waxerr.ErrLockUnavailable
	ErrInvalidFooter   = waxerr.ErrInvalidFooter
	ErrInvalidHeader   = waxerr.ErrInvalidHeader
)

// OfKind reports whether err (or something it wraps) is a *Error of kind k.
func OfKind(err error, k Kind) bool { return waxerr.OfKind(err, k) }

// Package waxerr defines the error taxonomy shared across the storage engine.
//
// Every operation-level error surfaces as a *Error carrying a Kind so callers
// can branch on failure category (as spec'd) while still composing with the
// standard errors.Is/errors.As machinery via Unwrap.
package waxerr

import (
	"errors"
	"fmt"
)

// Kind classifies the category of a storage engine error.
type Kind int

const (
	// KindUnknown is the zero value; never returned by this package.
	KindUnknown Kind = iota
	KindInvalidHeader
	KindInvalidFooter
	KindInvalidTOC
	KindChecksumMismatch
	KindDecodingError
	KindEncodingError
	KindWALCorruption
	KindLockUnavailable
	KindCapacityExceeded
	KindFrameNotFound
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindInvalidHeader:
		return "invalid_header"
	case KindInvalidFooter:
		return "invalid_footer"
	case KindInvalidTOC:
		return "invalid_toc"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindDecodingError:
		return "decoding_error"
	case KindEncodingError:
		return "encoding_error"
	case KindWALCorruption:
		return "wal_corruption"
	case KindLockUnavailable:
		return "lock_unavailable"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindFrameNotFound:
		return "frame_not_found"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every wax operation that can
// fail in a taxonomy-classified way.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "frame.put", "commit.stage_vector"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wax: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("wax: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is matching by Kind: a *Error target matches whenever
// its Kind equals e's, regardless of Op or wrapped cause, so
// errors.Is(err, ErrFrameNotFound) holds for any frame_not_found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error for the given operation and cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap returns a new *Error with op prefixed to the operation chain
// ("op: inner-op"); a non-*Error cause is wrapped as KindIO.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Op: op + ": " + e.Op, Err: e.Err}
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// OfKind reports whether err (or something it wraps) is a *Error of kind k.
func OfKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

// Sentinels for the most common categories, matching spec §7's examples.
var (
	ErrFrameNotFound   = New(KindFrameNotFound, "frame", errors.New("frame not found"))
	ErrLockUnavailable = New(KindLockUnavailable, "lock", errors.New("lock unavailable"))
	ErrInvalidFooter   = New(KindInvalidFooter, "footer", errors.New("no valid footer found"))
	ErrInvalidHeader   = New(KindInvalidHeader, "header", errors.New("no valid header page found"))
)

// CapacityExceeded builds a capacity_exceeded error carrying the limit and
// the requested amount, per spec §7.
func CapacityExceeded(op string, limit, requested int) error {
	return New(KindCapacityExceeded, op, fmt.Errorf("limit %d, requested %d", limit, requested))
}

// FrameNotFound builds a frame_not_found error for the given frame id.
func FrameNotFound(id int64) error {
	return New(KindFrameNotFound, "frame", fmt.Errorf("frame %d not found", id))
}

// WALCorruption builds a wal_corruption error carrying the offset and reason.
func WALCorruption(offset int64, reason string) error {
	return New(KindWALCorruption, "wal", fmt.Errorf("offset %d: %s", offset, reason))
}

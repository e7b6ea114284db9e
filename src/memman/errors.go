package memman

import "errors"

// Sentinel errors returned by FF and Buddy operations. Callers that need
// a stable numeric result code (OK=0, NOT_FOUND=4, INTERNAL=-1) rather
// than a Go error should use Code.
var (
	// ErrInvalidSize is returned by get/extend for a zero or
	// out-of-range request.
	ErrInvalidSize = errors.New("memman: invalid allocation size")

	// ErrNoMem is returned when no sufficiently large block is
	// available and, for Buddy, the emergency arena (if any) also
	// failed.
	ErrNoMem = errors.New("memman: out of memory")

	// ErrNotFound is returned by free/extend when the pointer is not
	// owned by this arena: outside the region, misaligned, or
	// already free.
	ErrNotFound = errors.New("memman: pointer not owned by this arena")

	// ErrInternal is returned when an operation detects an invariant
	// violation that can only mean heap corruption. The arena should
	// be considered compromised afterward.
	ErrInternal = errors.New("memman: heap invariant violated")
)

// Code maps a memman error to its stable result code: 0 for a nil error
// (OK), 4 for ErrNotFound, -1 for ErrInternal, and -1 for any other
// non-nil error (treated conservatively as corruption/unknown failure).
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return 4
	default:
		return -1
	}
}

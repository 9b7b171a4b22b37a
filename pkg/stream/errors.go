package stream

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrEmptySource is returned by NewNonEmpty when the source has no bytes.
	ErrEmptySource = errors.New("stream: empty source")

	// ErrIncomplete is matched by every *IncompleteError.
	ErrIncomplete = errors.New("stream: incomplete")

	// ErrClosed is returned when starting a BackgroundReader after Close.
	ErrClosed = errors.New("stream: closed")

	// ErrInvalidSize is returned for a non-positive queue or block size.
	ErrInvalidSize = errors.New("stream: size must be positive")
)

// IncompleteError reports a source that ended before the declared size.
//
// Use errors.As to inspect Expected and Got, or errors.Is with ErrIncomplete.
type IncompleteError struct {
	Expected int64 // Declared size
	Got      int64 // Bytes delivered before the source ended
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete stream: expected %d, got %d", e.Expected, e.Got)
}

// Unwrap returns ErrIncomplete.
func (e *IncompleteError) Unwrap() error {
	return ErrIncomplete
}

package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every *DecodeError.
var ErrMalformed = errors.New("malformed message")

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	// Kind is the discriminator found in the frame (or expected, for empty frames)
	Kind Kind

	// Reason describes what was wrong
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Kind, e.Reason)
}

// Is makes errors.Is(err, ErrMalformed) true for decode errors.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

// IsDecodeError returns true if the error is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

func lengthReason(got, want int) string {
	return fmt.Sprintf("invalid length: got %d bytes, expected %d", got, want)
}

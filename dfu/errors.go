package dfu

import (
	"errors"
	"fmt"

	"github.com/moffa90/go-anchordfu/firmware"
	"github.com/moffa90/go-anchordfu/protocol"
	"github.com/moffa90/go-anchordfu/transport"
)

var (
	// ErrInvalidImage is returned before any network activity when the
	// image cannot be planned.
	ErrInvalidImage = firmware.ErrInvalidImage

	// ErrProtocolViolation matches every *ProtocolViolationError.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout is returned when the device does not answer in time.
	// Chunk acknowledgements are retried; everywhere else it is fatal.
	ErrTimeout = transport.ErrTimeout

	// ErrTransferFailed matches every *TransferFailedError.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrRejected matches every *RejectedError.
	ErrRejected = errors.New("update rejected")

	// ErrNack is recorded when the device reports a chunk checksum failure.
	ErrNack = errors.New("chunk not acknowledged")
)

// ProtocolViolationError reports a message that is not valid in the current state.
type ProtocolViolationError struct {
	State State
	Got   protocol.Kind
	Want  protocol.Kind

	// Err is set when the frame could not be decoded at all
	Err error
}

func (e *ProtocolViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation in %s: expected %s: %v", e.State, e.Want, e.Err)
	}
	return fmt.Sprintf("protocol violation in %s: expected %s, got %s", e.State, e.Want, e.Got)
}

func (e *ProtocolViolationError) Is(target error) bool { return target == ErrProtocolViolation }
func (e *ProtocolViolationError) Unwrap() error        { return e.Err }

// TransferFailedError reports a chunk that was not acknowledged within the
// retry budget.
type TransferFailedError struct {
	Chunk    uint32
	Attempts int

	// Last is the outcome of the final attempt (ErrNack or a timeout)
	Last error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Chunk, e.Attempts, e.Last)
}

func (e *TransferFailedError) Is(target error) bool { return target == ErrTransferFailed }
func (e *TransferFailedError) Unwrap() error        { return e.Last }

// RejectedError reports a Confirm with the success flag cleared: the device
// received every chunk but refused the image.
type RejectedError struct {
	ImageChecksum uint32
	Kind          protocol.UpdateKind
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("device rejected %s image with checksum 0x%08X", e.Kind, e.ImageChecksum)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// IsRetryable reports whether err is a timeout or nack, the only failures
// resolved by resending a chunk.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrNack)
}

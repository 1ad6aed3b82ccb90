package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrUnknownRole    = errors.New("unknown turn role")
	ErrNothingToRetry = errors.New("no previous message to retry")
)

// ValidationError rejects input before any session starts.
type ValidationError struct {
	Err    error
	Length int
	Max    int
}

func (e *ValidationError) Error() string {
	if e.Max > 0 {
		return fmt.Sprintf("invalid message: %v (%d > %d)", e.Err, e.Length, e.Max)
	}
	return fmt.Sprintf("invalid message: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

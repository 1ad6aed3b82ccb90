package stream

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyStarted = errors.New("stream session already started")
	ErrSessionClosed  = errors.New("stream session already finished")
	ErrMissingBody    = errors.New("response has no body")
)

// ConnectivityError reports that the exchange never reached the streaming
// phase: the request failed, the endpoint answered with a non-success
// status, or the response carried no body.
type ConnectivityError struct {
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to connect: endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("failed to connect: %v", e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TransportError reports a read failure after streaming began. Partial holds
// the text accumulated before the failure.
type TransportError struct {
	Partial string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream interrupted: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeWarning describes one skipped frame. It is never fatal.
type DecodeWarning struct {
	Line string
	Err  error
}

func (w *DecodeWarning) Error() string {
	return fmt.Sprintf("skipping malformed frame %q: %v", w.Line, w.Err)
}

func (w *DecodeWarning) Unwrap() error { return w.Err }

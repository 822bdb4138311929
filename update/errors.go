package update

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrBusy        = errors.New("update: another update is in progress")
	ErrSessionDone = errors.New("update: session already finished")
)

// TransportError reports a failed or rejected request. Status is the
// protocol status, or <= 0 when the connection itself failed.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update: request failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("update: request rejected with status %d", e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// InsufficientSpaceError reports an image larger than the writable flash.
type InsufficientSpaceError struct {
	Needed    int64
	Available int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("update: image too large: %d bytes needed, %d bytes available",
		e.Needed, e.Available)
}

// SinkOpenError reports that the flash refused to start a transaction.
type SinkOpenError struct {
	Size int64
	Err  error
}

func (e *SinkOpenError) Error() string {
	return fmt.Sprintf("update: cannot begin flash update of %d bytes: %v", e.Size, e.Err)
}

func (e *SinkOpenError) Unwrap() error { return e.Err }

// WriteError reports a rejected or partial write. Offset is the image offset
// of the failed chunk.
type WriteError struct {
	Offset    int64
	Requested int
	Accepted  int
	Err       error
}

func (e *WriteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update: flash write at offset %d failed (%d/%d bytes accepted): %v",
			e.Offset, e.Accepted, e.Requested, e.Err)
	}
	return fmt.Sprintf("update: flash write at offset %d failed (%d/%d bytes accepted)",
		e.Offset, e.Accepted, e.Requested)
}

func (e *WriteError) Unwrap() error { return e.Err }

// StreamTimeoutError reports a streaming phase that ended before the size
// target: either the wall-clock ceiling passed, or the connection dropped
// (Disconnected, with any read error in Err).
type StreamTimeoutError struct {
	Transferred  int64
	Limit        int64
	Elapsed      time.Duration
	Disconnected bool
	Err          error
}

func (e *StreamTimeoutError) Error() string {
	switch {
	case e.Disconnected && e.Err != nil:
		return fmt.Sprintf("update: stream ended after %d/%d bytes: %v", e.Transferred, e.Limit, e.Err)
	case e.Disconnected:
		return fmt.Sprintf("update: connection lost after %d/%d bytes", e.Transferred, e.Limit)
	}
	return fmt.Sprintf("update: stream timed out after %s with %d/%d bytes",
		e.Elapsed.Truncate(time.Second), e.Transferred, e.Limit)
}

func (e *StreamTimeoutError) Unwrap() error { return e.Err }

// FinalizeError reports that the completed image failed validation or
// activation.
type FinalizeError struct {
	Transferred int64
	Err         error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("update: finalize of %d bytes failed: %v", e.Transferred, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// Reason returns a short, stable name for the failure class of err, suitable
// for status payloads and metrics labels.
func Reason(err error) string {
	var (
		te *TransportError
		se *InsufficientSpaceError
		oe *SinkOpenError
		we *WriteError
		st *StreamTimeoutError
		fe *FinalizeError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &se):
		return "insufficient-space"
	case errors.As(err, &oe):
		return "sink-open"
	case errors.As(err, &we):
		return "write"
	case errors.As(err, &st):
		if st.Disconnected {
			return "disconnected"
		}
		return "stream-timeout"
	case errors.As(err, &fe):
		return "finalize"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "unknown"
}

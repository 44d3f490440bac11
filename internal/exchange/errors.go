package exchange

import (
	"errors"
	"fmt"
)

// ErrIntakeFull is returned when the intake queue cannot take another batch.
var ErrIntakeFull = errors.New("intake queue is full")

// ErrIntakeClosed is returned after the intake has been closed.
var ErrIntakeClosed = errors.New("intake queue is closed")

// TransportError is a network-level failure: the peer was unreachable, the
// connection broke, or a timeout expired. It is always transient.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exchange with %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying later may succeed.
func (e *TransportError) Transient() bool {
	return true
}

// RejectedError is a protocol-level refusal: the peer answered with a
// non-success status. Body holds the peer's error text.
type RejectedError struct {
	URL    string
	Status int
	Body   string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("exchange with %s: rejected with status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("exchange with %s: rejected with status %d: %s", e.URL, e.Status, e.Body)
}

// Transient reports whether the peer asked to be retried later.
func (e *RejectedError) Transient() bool {
	return e.Status == 503 || e.Status == 429
}

// IsTransportError reports whether err is a network-level failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a protocol-level refusal by the peer.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

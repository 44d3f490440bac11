package coordinator

import (
	"errors"
	"fmt"

	"github.com/roach88/sitenet/internal/ism"
)

// ErrorCode categorizes coordinator errors.
type ErrorCode string

const (
	// CodeStateConflict means an administrative operation does not fit the
	// current read-model: an unknown site or lab, a block that is not
	// reserved, a site creation already in progress.
	CodeStateConflict ErrorCode = "STATE_CONFLICT"

	// CodeFold means the sent log could not be folded into a read-model.
	CodeFold ErrorCode = "FOLD"
)

// Error is returned by coordinator operations. A StateConflict aborts only
// the operation that raised it; nothing was stamped or appended.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func conflict(op, format string, args ...any) *Error {
	return &Error{Code: CodeStateConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsStateConflict reports whether err is a StateConflict.
func IsStateConflict(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == CodeStateConflict
}

// FoldError describes a sent-log entry the fold could not apply.
type FoldError struct {
	Seq    ism.SeqNum
	Kind   ism.Kind
	Reason string

	// Missing is set when the entry refers to a site, lab or reserved
	// block the log never created. Only these errors can be skipped with
	// WithLenientFold.
	Missing bool
}

func (e *FoldError) Error() string {
	return fmt.Sprintf("fold seq %d (%s): %s", e.Seq, e.Kind, e.Reason)
}

// IsFoldError reports whether err came from folding the sent log.
func IsFoldError(err error) bool {
	var fe *FoldError
	return errors.As(err, &fe)
}

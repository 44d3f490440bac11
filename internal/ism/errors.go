package ism

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes message errors.
type ErrorCode string

const (
	// CodeIncomplete: a message is missing fields it needs before it can be serialized.
	CodeIncomplete ErrorCode = "INCOMPLETE"

	// CodeDecode: a document does not describe a well-formed message.
	CodeDecode ErrorCode = "DECODE"

	// CodeValidation: a well-formed message violates a protocol rule.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeUnknownKind: the type tag is not in the catalog.
	CodeUnknownKind ErrorCode = "UNKNOWN_KIND"
)

// Error is returned by encoding, decoding and validation.
type Error struct {
	Code    ErrorCode
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Kind != "" {
		msg = fmt.Sprintf("%s (kind=%s", msg, e.Kind)
		if e.Field != "" {
			msg += ", field=" + e.Field
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func incomplete(kind Kind, field, format string, args ...any) *Error {
	return &Error{Code: CodeIncomplete, Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

func decodeErr(kind Kind, field string, err error) *Error {
	return &Error{Code: CodeDecode, Kind: kind, Field: field, Message: "malformed message", Err: err}
}

func invalid(kind Kind, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsIncomplete reports whether err is a serialization completeness error.
func IsIncomplete(err error) bool { return hasCode(err, CodeIncomplete) }

// IsDecodeError reports whether err is a decoding error.
func IsDecodeError(err error) bool { return hasCode(err, CodeDecode) }

// IsValidationError reports whether err is a protocol validation error.
func IsValidationError(err error) bool { return hasCode(err, CodeValidation) }

// IsUnknownKind reports whether err names a type tag outside the catalog.
func IsUnknownKind(err error) bool { return hasCode(err, CodeUnknownKind) }

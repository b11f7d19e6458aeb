package challenge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPayload marks bytes that are not a well-formed challenge definition.
var ErrInvalidPayload = errors.New("invalid payload")

// DecodeError is returned by Decode.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrInvalidPayload
}

// ValidationError is returned by a Store when a well-formed command is
// rejected on its content. It is never worth retrying.
type ValidationError struct {
	Details string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Details
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// Reason classifies why a message failed.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInvalidPayload
	ReasonValidation
	ReasonProcessing
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInvalidPayload:
		return "invalid_payload"
	case ReasonValidation:
		return "validation_error"
	case ReasonProcessing:
		return "processing_error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Permanent reports whether a failure of this kind must never be retried.
func (r Reason) Permanent() bool {
	return r == ReasonInvalidPayload || r == ReasonValidation
}

// Classify maps an error onto the failure taxonomy. Anything that is neither
// a decode nor a validation failure is treated as a transient processing error.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInvalidPayload):
		return ReasonInvalidPayload
	case IsValidation(err):
		return ReasonValidation
	default:
		return ReasonProcessing
	}
}

// Outcome is the result of processing one message.
type Outcome struct {
	Reason Reason
	Err    error
}

func Succeeded() Outcome {
	return Outcome{Reason: ReasonNone}
}

func Failed(err error) Outcome {
	if err == nil {
		return Succeeded()
	}
	return Outcome{Reason: Classify(err), Err: err}
}

func (o Outcome) Success() bool {
	return o.Err == nil
}

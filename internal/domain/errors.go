package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures
type ErrorKind string

const (
	ErrContentFetch    ErrorKind = "content_fetch_failure"    // URL could not be resolved to content
	ErrAnalysisRequest ErrorKind = "analysis_request_failure" // Scoring backend call failed
	ErrValidation      ErrorKind = "validation_failure"       // Payload lacks required structure
	ErrUnknown         ErrorKind = "unknown_failure"          // Anything else, including panics
)

// User-facing messages. Raw transport errors are never shown to consumers.
const (
	MsgContentFetch    = "Failed to fetch article content. Please try copying the content directly."
	MsgAnalysisRequest = "Failed to analyze content. The analysis service returned an error."
	MsgValidation      = "Invalid analysis response structure"
	MsgUnknown         = "Failed to analyze content"
)

// AnalysisError describes a classified pipeline failure
type AnalysisError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
	Err       error // underlying cause, for logs only
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// NewContentFetchError returns a non-retryable content resolution failure
func NewContentFetchError(cause error) *AnalysisError {
	return &AnalysisError{Kind: ErrContentFetch, Message: MsgContentFetch, Retryable: false, Err: cause}
}

// NewAnalysisRequestError returns a retryable backend failure
func NewAnalysisRequestError(cause error) *AnalysisError {
	return &AnalysisError{Kind: ErrAnalysisRequest, Message: MsgAnalysisRequest, Retryable: true, Err: cause}
}

// NewValidationError returns a retryable payload validation failure
func NewValidationError(cause error) *AnalysisError {
	return &AnalysisError{Kind: ErrValidation, Message: MsgValidation, Retryable: true, Err: cause}
}

// NewUnknownError returns a retryable unclassified failure
func NewUnknownError(cause error) *AnalysisError {
	return &AnalysisError{Kind: ErrUnknown, Message: MsgUnknown, Retryable: true, Err: cause}
}

// AsAnalysisError extracts the classified error from err, if any
func AsAnalysisError(err error) (*AnalysisError, bool) {
	var ae *AnalysisError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Classify normalizes any error into an AnalysisError. Errors that are
// already classified pass through unchanged.
func Classify(err error) *AnalysisError {
	if err == nil {
		return nil
	}
	if ae, ok := AsAnalysisError(err); ok {
		return ae
	}
	return NewUnknownError(err)
}

// KindOf returns the error kind, or ErrUnknown for unclassified errors
func KindOf(err error) ErrorKind {
	if ae, ok := AsAnalysisError(err); ok {
		return ae.Kind
	}
	return ErrUnknown
}

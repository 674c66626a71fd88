package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of casegate failure.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"    // 400
	ErrInvalidConfig     ErrorCode = "INVALID_CONFIG"     // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"          // 404
	ErrCaseClosed        ErrorCode = "CASE_CLOSED"        // 409
	ErrWatermarkConflict ErrorCode = "WATERMARK_CONFLICT" // 409
	ErrTimelineOverlap   ErrorCode = "TIMELINE_OVERLAP"   // 409
	ErrAdapterTransient  ErrorCode = "ADAPTER_TRANSIENT"  // 503
	ErrAdapterPermanent  ErrorCode = "ADAPTER_PERMANENT"  // 502
	ErrInternal          ErrorCode = "INTERNAL"           // 500
)

// CaseError is a structured error with code, status, and details.
type CaseError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *CaseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *CaseError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for malformed case or message input.
func NewInvalidRequest(msg string) *CaseError {
	return &CaseError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewInvalidConfig creates a 400 error for a configuration that must not be run.
func NewInvalidConfig(field, reason string) *CaseError {
	return &CaseError{
		Code:    ErrInvalidConfig,
		Status:  400,
		Message: fmt.Sprintf("invalid config %s: %s", field, reason),
		Details: map[string]any{"field": field},
	}
}

// NewNotFound creates a 404 error for when a case cannot be found.
func NewNotFound(caseID string) *CaseError {
	return &CaseError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("case not found: %s", caseID),
		Details: map[string]any{"case_id": caseID},
	}
}

// NewFileNotFound creates a 404 error for a missing input file.
func NewFileNotFound(path string) *CaseError {
	return &CaseError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewCaseClosed creates a 409 error for writes against a closed case.
func NewCaseClosed(caseID string) *CaseError {
	return &CaseError{
		Code:    ErrCaseClosed,
		Status:  409,
		Message: fmt.Sprintf("case %s is closed", caseID),
		Details: map[string]any{"case_id": caseID},
	}
}

// NewWatermarkConflict creates a 409 error for out-of-order message delivery.
func NewWatermarkConflict(caseID string, stored, got int) *CaseError {
	return &CaseError{
		Code:    ErrWatermarkConflict,
		Status:  409,
		Message: fmt.Sprintf("case %s: delta starts after %d but stored watermark is %d", caseID, got, stored),
		Details: map[string]any{"case_id": caseID, "stored_watermark": stored, "delta_watermark": got},
	}
}

// NewTimelineOverlap creates a 409 error when appended entries would overlap existing ones.
func NewTimelineOverlap(caseID string, lastSeq, first int) *CaseError {
	return &CaseError{
		Code:    ErrTimelineOverlap,
		Status:  409,
		Message: fmt.Sprintf("case %s: timeline entry starting at %d overlaps covered range ending at %d", caseID, first, lastSeq),
		Details: map[string]any{"case_id": caseID, "covered_through": lastSeq, "entry_first": first},
	}
}

// NewAdapterTransient creates a 503 error for retryable analysis failures.
func NewAdapterTransient(stage string, err error) *CaseError {
	return &CaseError{
		Code:    ErrAdapterTransient,
		Status:  503,
		Message: fmt.Sprintf("%s: %v", stage, err),
		Details: map[string]any{"stage": stage},
		cause:   err,
	}
}

// NewAdapterPermanent creates a 502 error for analysis failures that retrying cannot fix.
func NewAdapterPermanent(stage string, err error) *CaseError {
	return &CaseError{
		Code:    ErrAdapterPermanent,
		Status:  502,
		Message: fmt.Sprintf("%s: %v", stage, err),
		Details: map[string]any{"stage": stage},
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *CaseError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &CaseError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is reports whether err, or anything it wraps, is a CaseError with the given code.
func Is(err error, code ErrorCode) bool {
	var cErr *CaseError
	if stderrors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first CaseError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var cErr *CaseError
	if stderrors.As(err, &cErr) {
		return cErr.Code
	}
	return ErrInternal
}

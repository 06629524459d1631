// ABOUTME: Error taxonomy shared by protocol handlers
// ABOUTME: Maps sentinel errors to the stable codes reported in response envelopes

package protocol

import (
	"errors"
)

// Error classes. Handlers wrap these with fmt.Errorf("...: %w", ...).
var (
	ErrValidation       = errors.New("validation error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("not found")
	ErrTransient        = errors.New("transient error")
	ErrCriticalRecovery = errors.New("critical recovery failure")
	ErrSenseDisabled    = errors.New("sense disabled")
	ErrBusy             = errors.New("busy")
	ErrRateLimited      = errors.New("rate limited")
)

// Stable error codes carried in the "error" field of failure responses.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeTransient        = "TRANSIENT_ERROR"
	CodeCriticalRecovery = "CRITICAL_RECOVERY_FAILURE"
	CodeSenseDisabled    = "SENSE_DISABLED"
	CodeBusy             = "BUSY"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Code returns the stable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCriticalRecovery):
		return CodeCriticalRecovery
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrSenseDisabled):
		return CodeSenseDisabled
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// Failure is the content of an error response.
type Failure struct {
	Success  bool   `json:"success"`
	Error    string `json:"error"`
	Message  string `json:"message"`
	Critical bool   `json:"critical,omitempty"`
}

// FailureFor builds the failure content for err.
func FailureFor(err error) Failure {
	return Failure{
		Success:  false,
		Error:    Code(err),
		Message:  err.Error(),
		Critical: errors.Is(err, ErrCriticalRecovery),
	}
}

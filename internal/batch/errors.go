package batch

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleStatus indicates a compare-and-set status transition lost a race.
	ErrStaleStatus = errors.New("status changed concurrently")
)

const (
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeDuplicateKind = "DUPLICATE_KIND"
	ErrorCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrorCodeSubmission    = "SUBMISSION_ERROR"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)

// ValidationError is a synchronous, user-correctable creation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DuplicateKindError rejects a kind that already has a successful result set.
type DuplicateKindError struct {
	AnalysisKind     string
	ExistingResultID string
}

func (e *DuplicateKindError) Error() string {
	return fmt.Sprintf("analysis kind %q already completed (result %s)", e.AnalysisKind, e.ExistingResultID)
}

// KindBusyError rejects a kind that already has a non-terminal job. The
// earlier job either delivers the result set or fails, at which point the
// kind can be retried.
type KindBusyError struct {
	AnalysisKind string
	JobID        string
}

func (e *KindBusyError) Error() string {
	return fmt.Sprintf("analysis kind %q already has job %s in flight", e.AnalysisKind, e.JobID)
}

// QuotaExceededError rejects job creation over the daily per-user quota.
type QuotaExceededError struct {
	Limit     int
	Used      int
	Requested int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily job quota exceeded: used %d of %d, requested %d more", e.Used, e.Limit, e.Requested)
}

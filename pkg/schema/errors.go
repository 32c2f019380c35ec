package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Engine taxonomy.
	ErrCodeConfiguration         = "CONFIGURATION_ERROR"
	ErrCodeExpressionSyntax      = "EXPRESSION_SYNTAX_ERROR"
	ErrCodeClaimContention       = "CLAIM_CONTENTION"
	ErrCodeCompletionPersistence = "COMPLETION_PERSISTENCE_ERROR"
	ErrCodeGraphIntegrity        = "GRAPH_INTEGRITY_ERROR"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeLLM               = "LLM_ERROR"
	ErrCodeMaxStepsExceeded  = "MAX_STEPS_EXCEEDED"
	ErrCodeMaxIterations     = "MAX_ITERATIONS_EXCEEDED"
)

// StepflowError is the structured error type for all engine operations.
type StepflowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepSlug string         `json:"step_slug,omitempty"`
	Cause    error          `json:"-"`
}

func (e *StepflowError) Error() string {
	if e.StepSlug != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepSlug, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepflowError) Unwrap() error {
	return e.Cause
}

// Is matches another *StepflowError by code, so sentinel-style comparisons
// like errors.Is(err, schema.NewError(schema.ErrCodeNotFound, "")) work.
func (e *StepflowError) Is(target error) bool {
	t, ok := target.(*StepflowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new StepflowError.
func NewError(code, message string) *StepflowError {
	return &StepflowError{Code: code, Message: message}
}

// NewErrorf creates a new StepflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepflowError {
	return &StepflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step slug to the error.
func (e *StepflowError) WithStep(slug string) *StepflowError {
	e.StepSlug = slug
	return e
}

// WithCause attaches an underlying cause.
func (e *StepflowError) WithCause(err error) *StepflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepflowError) WithDetails(details map[string]any) *StepflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first StepflowError in err's chain, or "".
func CodeOf(err error) string {
	var se *StepflowError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether err's chain carries a StepflowError with code.
func HasCode(err error, code string) bool {
	var se *StepflowError
	for err != nil {
		if errors.As(err, &se) {
			if se.Code == code {
				return true
			}
			err = se.Cause
			continue
		}
		return false
	}
	return false
}

// IsRetryable reports whether the error represents a transient failure that a
// retry policy may re-attempt.
func (e *StepflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeExpressionSyntax, ErrCodeGraphIntegrity,
		ErrCodeCompletionPersistence, ErrCodeValidation, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeInvalidTransition, ErrCodeCancelled,
		ErrCodeActionUnavailable, ErrCodeInterpolation, ErrCodeVault,
		ErrCodeMaxStepsExceeded, ErrCodeMaxIterations, ErrCodeRetryExhausted:
		return false
	}
	return true
}

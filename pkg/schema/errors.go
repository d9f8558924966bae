package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeDecisionAmbiguous = "DECISION_AMBIGUOUS"
	ErrCodeGateBlocked       = "GATE_BLOCKED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeStore             = "STORE_ERROR"
)

// StepgateError is the structured error type for all stepgate operations.
type StepgateError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *StepgateError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *StepgateError) Unwrap() error {
	return e.Cause
}

// NewError creates a new StepgateError.
func NewError(code, message string) *StepgateError {
	return &StepgateError{Code: code, Message: message}
}

// NewErrorf creates a new StepgateError with a formatted message.
func NewErrorf(code, format string, args ...any) *StepgateError {
	return &StepgateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *StepgateError) WithNode(nodeID string) *StepgateError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *StepgateError) WithCause(err error) *StepgateError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *StepgateError) WithDetails(details map[string]any) *StepgateError {
	e.Details = details
	return e
}

package tokenize

import "fmt"

// Code is the tokenization error code
type Code string

// Tokenization error codes
const (
	ValidationFailed   Code = "VALIDATION_FAILED"
	DeviceNotEligible  Code = "DEVICE_NOT_ELIGIBLE"
	RiskDenied         Code = "RISK_DENIED"
	ProviderError      Code = "PROVIDER_ERROR"
	VerificationFailed Code = "VERIFICATION_FAILED"
)

// Retryable reports whether a new attempt with the same input can succeed.
// Validation errors need corrected input, device and risk errors are final for the input.
func (c Code) Retryable() bool {
	return c == ProviderError || c == VerificationFailed
}

// Error is the failed attempt error
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches errors by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

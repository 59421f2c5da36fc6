package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	// ErrFacilitatorUnavailable marks a failure to communicate with the facilitator.
	// Facilitator implementations wrap transport errors with it.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator unavailable")

	// ErrMalformedPayment indicates the X-PAYMENT header could not be decoded.
	ErrMalformedPayment = errors.New("x402: malformed payment header")

	// ErrConfiguration indicates a bad or missing price or payee.
	ErrConfiguration = errors.New("x402: invalid payment configuration")

	// ErrAlreadySettled indicates a second settlement attempt for the same session.
	ErrAlreadySettled = errors.New("x402: payment already settled")
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error

	// Requirements is set for errors answered with a 402 challenge.
	Requirements *PaymentRequirements
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// StatusCode returns the HTTP status the error is answered with.
func (e *PaymentError) StatusCode() int {
	switch e.Code {
	case ErrCodeFacilitatorUnavailable, ErrCodeInternal, ErrCodeConfiguration, ErrCodeHeaderEncoding:
		return http.StatusInternalServerError
	default:
		return http.StatusPaymentRequired
	}
}

// Error codes.
const (
	ErrCodeConfiguration          = "CONFIGURATION_ERROR"
	ErrCodeMissingPayment         = "MISSING_PAYMENT"
	ErrCodeMalformedPayment       = "MALFORMED_PAYMENT"
	ErrCodeResourceMismatch       = "RESOURCE_MISMATCH"
	ErrCodeVerificationRejected   = "VERIFICATION_REJECTED"
	ErrCodeFacilitatorUnavailable = "FACILITATOR_UNAVAILABLE"
	ErrCodeInternal               = "INTERNAL_ERROR"
	ErrCodeSettlementRejected     = "SETTLEMENT_REJECTED"
	ErrCodeSettlementError        = "SETTLEMENT_ERROR"
	ErrCodeAlreadySettled         = "ALREADY_SETTLED"
	ErrCodeHeaderEncoding         = "HEADER_ENCODING_ERROR"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func challengeError(code, message string, requirements *PaymentRequirements, cause error) *PaymentError {
	e := NewPaymentError(code, message, cause)
	e.Requirements = requirements
	return e
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

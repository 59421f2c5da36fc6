package x402

import "context"

// Payment is what the gate hands to the facilitator: the raw X-PAYMENT value
// as received and its decoded form.
type Payment struct {
	Header  string
	Payload *PaymentPayload
}

// Facilitator is the interface payment verification backends must implement.
//
// Both calls block on network I/O. A call that cannot complete returns an
// error wrapping ErrFacilitatorUnavailable; a payment the facilitator declines
// is not an error and is reported through the response (IsValid=false or
// Success=false). Implementations must not retry Settle.
type Facilitator interface {
	// Verify checks if a payment is valid without settling it
	Verify(ctx context.Context, payment *Payment, requirements *PaymentRequirements) (*VerificationResponse, error)

	// Settle executes a previously verified payment
	Settle(ctx context.Context, payment *Payment, requirements *PaymentRequirements) (*SettlementResponse, error)
}

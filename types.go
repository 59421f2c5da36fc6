package x402

import (
	"context"
)

// X402Version is the protocol version emitted in 402 challenges.
const X402Version = 1

// SchemeExact is the only payment scheme this gate issues requirements for.
const SchemeExact = "exact"

// PaymentPayload represents a decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Payload     map[string]interface{} `json:"payload"`

	// Resource is optional; when present it must match the resource being paid for.
	Resource string `json:"resource,omitempty"`
}

// PaymentRequirements describes what payment is required for a resource.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"` // smallest token unit
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset"`
	OutputSchema      map[string]interface{} `json:"outputSchema,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// ExactPayload is the scheme-specific payload of an "exact" payment.
// Following the EIP-3009 transferWithAuthorization specification
type ExactPayload struct {
	Signature     string              `json:"signature"`
	Authorization *ExactAuthorization `json:"authorization"`
}

// ExactAuthorization contains the EIP-3009 authorization parameters
type ExactAuthorization struct {
	From        string `json:"from"`  // Payer's address
	To          string `json:"to"`    // Recipient address
	Value       string `json:"value"` // Amount in token units
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// VerificationResponse is the facilitator's answer to a verify call.
type VerificationResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettlementResponse is the facilitator's answer to a settle call.
type SettlementResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	TxHash    string `json:"txHash"`
	NetworkID string `json:"networkId"`
}

// SettlementResponseHeader is sent in the X-PAYMENT-RESPONSE header
type SettlementResponseHeader struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentRequiredResponse is the response body when returning 402
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	Error       *string               `json:"error"`
}

// ErrorResponse is the response body when returning 500
type ErrorResponse struct {
	Error string `json:"error"`
}

// PaymentContext contains verified payment information that handlers can read
// while the protected operation runs. Settlement has not happened yet.
type PaymentContext struct {
	Verified     bool
	PayerAddress string
	Amount       string
	Asset        string
	Network      string
	Resource     string
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context
	PaymentContextKey contextKey = "x402-payment"
)

// WithPaymentContext returns a copy of ctx carrying payment.
func WithPaymentContext(ctx context.Context, payment *PaymentContext) context.Context {
	return context.WithValue(ctx, PaymentContextKey, payment)
}

// GetPaymentFromContext extracts payment information from the request context
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment is a helper that extracts payment from context and returns error if not found
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil {
		return nil, NewPaymentError(ErrCodeMissingPayment, "payment context not found", nil)
	}
	if !payment.Verified {
		return nil, NewPaymentError(ErrCodeMissingPayment, "payment not verified", nil)
	}
	return payment, nil
}

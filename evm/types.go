package evm

import (
	x402 "github.com/becomeliminal/x402-gate"
)

// FacilitatorVerifyRequest is the request to the facilitator's /verify endpoint.
// Exactly one of PaymentHeader and PaymentPayload is set.
type FacilitatorVerifyRequest struct {
	X402Version         int                       `json:"x402Version"`
	PaymentHeader       string                    `json:"paymentHeader,omitempty"`
	PaymentPayload      *x402.PaymentPayload      `json:"paymentPayload,omitempty"`
	PaymentRequirements *x402.PaymentRequirements `json:"paymentRequirements"`
}

// FacilitatorSettleRequest is the request to the facilitator's /settle endpoint
type FacilitatorSettleRequest = FacilitatorVerifyRequest

// FacilitatorVerifyResponse is the response from /verify
type FacilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorSettleResponse is the response from /settle.
// Facilitators name the transaction and network fields differently;
// both spellings are accepted.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	NetworkID   string `json:"networkId,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// FacilitatorSupportedResponse is the response from /supported
type FacilitatorSupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// SupportedKind is a scheme/network pair the facilitator can verify and settle
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Supports reports whether the facilitator accepts scheme on network.
func (r *FacilitatorSupportedResponse) Supports(scheme, network string) bool {
	for _, kind := range r.Kinds {
		if kind.Scheme == scheme && kind.Network == network {
			return true
		}
	}
	return false
}

func (r *FacilitatorVerifyResponse) toVerification() *x402.VerificationResponse {
	return &x402.VerificationResponse{
		IsValid:       r.IsValid,
		InvalidReason: r.InvalidReason,
		Payer:         r.Payer,
	}
}

func (r *FacilitatorSettleResponse) toSettlement() *x402.SettlementResponse {
	return &x402.SettlementResponse{
		Success:   r.Success,
		Error:     firstNonEmpty(r.Error, r.ErrorReason),
		TxHash:    firstNonEmpty(r.TxHash, r.Transaction),
		NetworkID: firstNonEmpty(r.NetworkID, r.Network),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

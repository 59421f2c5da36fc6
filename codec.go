package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderExposeHeaders   = "Access-Control-Expose-Headers"
)

// DecodeHeader decodes and validates the X-PAYMENT header.
// All failures wrap ErrMalformedPayment.
func DecodeHeader(raw string) (*PaymentPayload, error) {
	payloadBytes, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64: %v", ErrMalformedPayment, err)
	}

	var payload PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON: %v", ErrMalformedPayment, err)
	}

	if payload.Scheme == "" {
		return nil, fmt.Errorf("%w: scheme is required", ErrMalformedPayment)
	}

	if payload.Network == "" {
		return nil, fmt.Errorf("%w: network is required", ErrMalformedPayment)
	}

	if payload.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrMalformedPayment)
	}

	return &payload, nil
}

// EncodePaymentPayload encodes a PaymentPayload to X-PAYMENT header format (base64 JSON)
// Useful for testing and client implementations
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payloadJSON), nil
}

// EncodeSettlementHeader encodes the X-PAYMENT-RESPONSE header value.
func EncodeSettlementHeader(header SettlementResponseHeader) (string, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(headerJSON), nil
}

// DecodeSettlementHeader decodes an X-PAYMENT-RESPONSE header
func DecodeSettlementHeader(raw string) (*SettlementResponseHeader, error) {
	headerBytes, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var header SettlementResponseHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &header, nil
}

// EncodePaymentRequired encodes a 402 body as base64 JSON, the form used in gRPC status messages.
func EncodePaymentRequired(response *PaymentRequiredResponse) (string, error) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment required response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(responseJSON), nil
}

// DecodePaymentRequired decodes a base64 JSON 402 body.
func DecodePaymentRequired(encoded string) (*PaymentRequiredResponse, error) {
	responseBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var response PaymentRequiredResponse
	if err := json.Unmarshal(responseBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &response, nil
}

// ReadPaymentRequired is a helper to extract payment requirements from a 402 response
func ReadPaymentRequired(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReq PaymentRequiredResponse
	if err := json.Unmarshal(body, &paymentReq); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &paymentReq, nil
}

func newPaymentRequired(requirements *PaymentRequirements, reason string) *PaymentRequiredResponse {
	response := &PaymentRequiredResponse{
		X402Version: X402Version,
		Accepts:     []PaymentRequirements{},
	}
	if requirements != nil {
		response.Accepts = append(response.Accepts, *requirements)
	}
	if reason != "" {
		response.Error = &reason
	}
	return response
}

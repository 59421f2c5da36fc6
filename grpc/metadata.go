package grpc

import (
	"errors"
	"fmt"
	"net/http"

	x402 "github.com/becomeliminal/x402-gate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// MetadataKeyPayment is the metadata key for payment payload
	MetadataKeyPayment = x402.MetadataKeyPayment

	// MetadataKeyPaymentResponse is the metadata key for settlement response
	MetadataKeyPaymentResponse = x402.MetadataKeyPaymentResponse
)

// PaymentHeaderFromMetadata returns the first payment value in md, or "".
func PaymentHeaderFromMetadata(md metadata.MD) string {
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ExtractPaymentFromMetadata extracts and decodes payment from gRPC metadata
func ExtractPaymentFromMetadata(md metadata.MD) (*x402.PaymentPayload, error) {
	header := PaymentHeaderFromMetadata(md)
	if header == "" {
		return nil, fmt.Errorf("no payment found in metadata")
	}

	return x402.DecodeHeader(header)
}

// SettlementFromMetadata decodes the settlement response a paid call returned.
func SettlementFromMetadata(md metadata.MD) (*x402.SettlementResponseHeader, error) {
	values := md.Get(MetadataKeyPaymentResponse)
	if len(values) == 0 {
		return nil, fmt.Errorf("no payment response found in metadata")
	}

	return x402.DecodeSettlementHeader(values[0])
}

// StatusFromError converts a gate error to a gRPC status.
// Payment required uses RESOURCE_EXHAUSTED, following Google Cloud's precedent
// for billing/quota enforcement; the message is the base64 JSON 402 body.
func StatusFromError(err error) error {
	var pe *x402.PaymentError
	if !errors.As(err, &pe) {
		return status.Error(codes.Internal, err.Error())
	}

	if pe.StatusCode() != http.StatusPaymentRequired {
		return status.Error(codes.Internal, pe.Message)
	}

	reason := pe.Message
	encoded, encErr := x402.EncodePaymentRequired(&x402.PaymentRequiredResponse{
		X402Version: x402.X402Version,
		Accepts:     acceptsOf(pe.Requirements),
		Error:       &reason,
	})
	if encErr != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", encErr))
	}

	return status.Error(codes.ResourceExhausted, encoded)
}

// PaymentRequiredFromError decodes the 402 body carried by a RESOURCE_EXHAUSTED status.
func PaymentRequiredFromError(err error) (*x402.PaymentRequiredResponse, error) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, fmt.Errorf("not a payment required status: %v", err)
	}

	return x402.DecodePaymentRequired(st.Message())
}

func acceptsOf(requirements *x402.PaymentRequirements) []x402.PaymentRequirements {
	if requirements == nil {
		return []x402.PaymentRequirements{}
	}
	return []x402.PaymentRequirements{*requirements}
}

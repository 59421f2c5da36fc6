package x402

import (
	"context"
	"net/http"
	"net/textproto"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// gRPC metadata keys carrying the payment protocol.
const (
	// MetadataKeyPayment carries the X-PAYMENT value
	MetadataKeyPayment = "x402-payment"

	// MetadataKeyPaymentResponse carries the X-PAYMENT-RESPONSE value
	MetadataKeyPaymentResponse = "x402-payment-response"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(paymentMetadata)
}

func paymentMetadata(ctx context.Context, r *http.Request) metadata.MD {
	md := metadata.MD{}

	payment, ok := GetPaymentFromContext(ctx)
	if !ok || payment == nil || !payment.Verified {
		return md
	}

	md.Set("x-payment-verified", "true")
	md.Set("x-payment-payer", payment.PayerAddress)
	md.Set("x-payment-amount", payment.Amount)
	md.Set("x-payment-network", payment.Network)
	md.Set("x-payment-resource", payment.Resource)

	if payment.Asset != "" {
		md.Set("x-payment-asset", payment.Asset)
	}

	return md
}

// WithPaymentHeaderForwarding returns ServeMuxOptions that pass X-PAYMENT through
// to a gRPC backend gated by the grpc interceptors, and the settlement
// metadata it answers with back out as X-PAYMENT-RESPONSE. Payment required
// statuses from the backend are answered with the HTTP 402 challenge.
func WithPaymentHeaderForwarding() []runtime.ServeMuxOption {
	return []runtime.ServeMuxOption{
		runtime.WithIncomingHeaderMatcher(PaymentHeaderMatcher),
		runtime.WithOutgoingHeaderMatcher(SettlementHeaderMatcher),
		runtime.WithErrorHandler(PaymentErrorHandler),
		runtime.WithForwardResponseOption(ExposeSettlementHeader),
	}
}

// PaymentErrorHandler writes a RESOURCE_EXHAUSTED status carrying a 402 body
// as the HTTP 402 challenge. Other errors go to runtime.DefaultHTTPErrorHandler.
func PaymentErrorHandler(ctx context.Context, mux *runtime.ServeMux, marshaler runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.ResourceExhausted {
		if body, decErr := DecodePaymentRequired(st.Message()); decErr == nil && body.X402Version == X402Version {
			if prepare(w) {
				writeJSON(w, http.StatusPaymentRequired, body)
			}
			return
		}
	}
	runtime.DefaultHTTPErrorHandler(ctx, mux, marshaler, w, r, err)
}

// ExposeSettlementHeader attaches the settlement header a unary backend sent
// and exposes it to cross-origin clients.
func ExposeSettlementHeader(ctx context.Context, w http.ResponseWriter, _ proto.Message) error {
	md, ok := runtime.ServerMetadataFromContext(ctx)
	if !ok {
		return nil
	}
	if values := md.HeaderMD.Get(MetadataKeyPaymentResponse); len(values) > 0 {
		SetSettlementHeader(w.Header(), values[0])
	}
	return nil
}

// PaymentHeaderMatcher maps the X-PAYMENT HTTP header to gRPC metadata and
// keeps grpc-gateway's default behavior for everything else.
func PaymentHeaderMatcher(key string) (string, bool) {
	if textproto.CanonicalMIMEHeaderKey(key) == textproto.CanonicalMIMEHeaderKey(HeaderPayment) {
		return MetadataKeyPayment, true
	}
	return runtime.DefaultHeaderMatcher(key)
}

// SettlementHeaderMatcher maps settlement metadata to the X-PAYMENT-RESPONSE HTTP header.
func SettlementHeaderMatcher(key string) (string, bool) {
	if key == MetadataKeyPaymentResponse {
		return HeaderPaymentResponse, true
	}
	return runtime.MetadataHeaderPrefix + key, true
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers behind the gateway to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	verified := md.Get("x-payment-verified")
	if len(verified) == 0 || verified[0] != "true" {
		return nil, false
	}

	payment := &PaymentContext{
		Verified: true,
	}

	if payer := md.Get("x-payment-payer"); len(payer) > 0 {
		payment.PayerAddress = payer[0]
	}

	if amount := md.Get("x-payment-amount"); len(amount) > 0 {
		payment.Amount = amount[0]
	}

	if network := md.Get("x-payment-network"); len(network) > 0 {
		payment.Network = network[0]
	}

	if resource := md.Get("x-payment-resource"); len(resource) > 0 {
		payment.Resource = resource[0]
	}

	if asset := md.Get("x-payment-asset"); len(asset) > 0 {
		payment.Asset = asset[0]
	}

	return payment, true
}

package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-gate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
// Payment is verified before the handler runs and settled after it returns
// successfully; the settlement response is sent as header metadata.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	gate, err := x402.NewPaymentGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return UnaryGateInterceptor(gate)
}

// UnaryGateInterceptor is UnaryServerInterceptor for an existing gate.
func UnaryGateInterceptor(gate *x402.PaymentGate) grpc.UnaryServerInterceptor {
	logger := gate.Config().Logger

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		policy, requiresPayment := gate.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		session, err := gate.Verify(ctx, policy, info.FullMethod, PaymentHeaderFromMetadata(md))
		if err != nil {
			return nil, StatusFromError(err)
		}

		resp, err := handler(x402.WithPaymentContext(ctx, session.PaymentContext()), req)
		if err != nil {
			// The client gets the handler's error and is not charged.
			return nil, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("x402 skipping settlement, call ended before completion", "resource", info.FullMethod, "error", ctxErr)
			return nil, status.FromContextError(ctxErr).Err()
		}

		settled, err := gate.Settle(ctx, session)
		if err != nil {
			return nil, StatusFromError(err)
		}

		encoded, err := x402.EncodeSettlementHeader(*settled)
		if err != nil {
			logger.Error("x402 settlement error creating response header", "resource", info.FullMethod, "error", err)
			return nil, status.Error(codes.Internal, "failed to create settlement response header")
		}

		if err := grpc.SetHeader(ctx, metadata.Pairs(MetadataKeyPaymentResponse, encoded)); err != nil {
			logger.Warn("x402 failed to attach settlement metadata", "resource", info.FullMethod, "error", err)
		}

		return resp, nil
	}
}

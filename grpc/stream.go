package grpc

import (
	"context"
	"fmt"

	x402 "github.com/becomeliminal/x402-gate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments.
// Payment is verified before the stream begins and settled after the handler
// returns. Once the handler has sent a message or header the call is
// committed: a settlement failure is then logged but cannot fail the stream.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	gate, err := x402.NewPaymentGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return StreamGateInterceptor(gate)
}

// StreamGateInterceptor is StreamServerInterceptor for an existing gate.
func StreamGateInterceptor(gate *x402.PaymentGate) grpc.StreamServerInterceptor {
	logger := gate.Config().Logger

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		policy, requiresPayment := gate.MatchMethod(info.FullMethod)
		if !requiresPayment {
			return handler(srv, ss)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		session, err := gate.Verify(ctx, policy, info.FullMethod, PaymentHeaderFromMetadata(md))
		if err != nil {
			return StatusFromError(err)
		}

		wrappedStream := &paymentServerStream{
			ServerStream: ss,
			ctx:          x402.WithPaymentContext(ctx, session.PaymentContext()),
		}

		if err := handler(srv, wrappedStream); err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("x402 skipping settlement, stream ended before completion", "resource", info.FullMethod, "error", ctxErr)
			return nil
		}

		settled, err := gate.Settle(ctx, session)
		if err != nil {
			if wrappedStream.committed {
				logger.Warn("x402 settlement failed after stream was committed", "resource", info.FullMethod, "error", err)
				return nil
			}
			return StatusFromError(err)
		}

		encoded, err := x402.EncodeSettlementHeader(*settled)
		if err != nil {
			logger.Error("x402 settlement error creating response header", "resource", info.FullMethod, "error", err)
			return nil
		}

		wrappedStream.SetTrailer(metadata.Pairs(MetadataKeyPaymentResponse, encoded))
		return nil
	}
}

// paymentServerStream wraps grpc.ServerStream to provide updated context with
// payment info and to record whether anything reached the client
type paymentServerStream struct {
	grpc.ServerStream
	ctx       context.Context
	committed bool
}

// Context returns the wrapped context with payment information
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}

func (s *paymentServerStream) SendHeader(md metadata.MD) error {
	s.committed = true
	return s.ServerStream.SendHeader(md)
}

func (s *paymentServerStream) SendMsg(m interface{}) error {
	s.committed = true
	return s.ServerStream.SendMsg(m)
}

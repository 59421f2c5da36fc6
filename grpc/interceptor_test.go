package grpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	x402 "github.com/becomeliminal/x402-gate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	testMethod = "/test.v1.TestService/Paid"
	testPayTo  = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

type mockFacilitator struct {
	VerifyFunc func(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.VerificationResponse, error)
	SettleFunc func(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResponse, error)

	verifyCalls atomic.Int32
	settleCalls atomic.Int32
}

func (m *mockFacilitator) Verify(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.VerificationResponse, error) {
	m.verifyCalls.Add(1)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, payment, requirements)
	}
	return &x402.VerificationResponse{IsValid: true, Payer: "0xpayer"}, nil
}

func (m *mockFacilitator) Settle(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResponse, error) {
	m.settleCalls.Add(1)
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, payment, requirements)
	}
	return &x402.SettlementResponse{Success: true, TxHash: "0xtx", NetworkID: "base-sepolia"}, nil
}

// fakeTransportStream records header and trailer metadata set by the interceptor.
type fakeTransportStream struct {
	header  metadata.MD
	trailer metadata.MD
}

func (s *fakeTransportStream) Method() string { return testMethod }

func (s *fakeTransportStream) SetHeader(md metadata.MD) error {
	s.header = metadata.Join(s.header, md)
	return nil
}

func (s *fakeTransportStream) SendHeader(md metadata.MD) error {
	return s.SetHeader(md)
}

func (s *fakeTransportStream) SetTrailer(md metadata.MD) error {
	s.trailer = metadata.Join(s.trailer, md)
	return nil
}

// fakeServerStream is a grpc.ServerStream that records what the handler sent.
type fakeServerStream struct {
	ctx     context.Context
	sent    []interface{}
	trailer metadata.MD
}

func (s *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (s *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (s *fakeServerStream) SetTrailer(md metadata.MD) {
	s.trailer = metadata.Join(s.trailer, md)
}
func (s *fakeServerStream) Context() context.Context { return s.ctx }
func (s *fakeServerStream) SendMsg(m interface{}) error {
	s.sent = append(s.sent, m)
	return nil
}
func (s *fakeServerStream) RecvMsg(interface{}) error { return nil }

func testConfig(f x402.Facilitator) x402.Config {
	return x402.Config{
		Facilitator:  f,
		DefaultPayTo: testPayTo,
		MethodRoutes: map[string]x402.RoutePolicy{
			testMethod: {Price: "0.01", Description: "Paid method"},
		},
	}
}

func paymentContext(t *testing.T) context.Context {
	t.Helper()
	encoded, err := x402.EncodePaymentPayload(&x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: map[string]interface{}{
			"signature":     "0xsig",
			"authorization": map[string]interface{}{"from": "0xpayer"},
		},
	})
	if err != nil {
		t.Fatalf("failed to encode payment: %v", err)
	}
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPayment, encoded))
}

func TestUnaryServerInterceptor_FreeMethod(t *testing.T) {
	facilitator := &mockFacilitator{}
	interceptor := UnaryServerInterceptor(testConfig(facilitator))

	resp, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/test.v1.TestService/Free"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Errorf("expected ok, got %v", resp)
	}
	if facilitator.verifyCalls.Load() != 0 {
		t.Error("expected no verification for a free method")
	}
}

func TestUnaryServerInterceptor_MissingPayment(t *testing.T) {
	interceptor := UnaryServerInterceptor(testConfig(&mockFacilitator{}))

	var called bool
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			called = true
			return "ok", nil
		})

	if called {
		t.Error("handler must not run without payment")
	}
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	body, err := PaymentRequiredFromError(err)
	if err != nil {
		t.Fatalf("failed to decode 402 body: %v", err)
	}
	if len(body.Accepts) != 1 {
		t.Fatalf("expected one accepted requirement, got %d", len(body.Accepts))
	}
	if body.Accepts[0].MaxAmountRequired != "10000" || body.Accepts[0].Resource != testMethod {
		t.Errorf("unexpected requirements: %+v", body.Accepts[0])
	}
}

func TestUnaryServerInterceptor_Settles(t *testing.T) {
	facilitator := &mockFacilitator{}
	interceptor := UnaryServerInterceptor(testConfig(facilitator))

	stream := &fakeTransportStream{}
	ctx := grpc.NewContextWithServerTransportStream(paymentContext(t), stream)

	resp, err := interceptor(ctx, "req", &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			payment, ok := x402.GetPaymentFromContext(ctx)
			if !ok || payment.PayerAddress != "0xpayer" {
				t.Errorf("expected payment context with payer, got %+v", payment)
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "ok" {
		t.Errorf("expected ok, got %v", resp)
	}
	if facilitator.settleCalls.Load() != 1 {
		t.Errorf("expected one settlement, got %d", facilitator.settleCalls.Load())
	}

	settled, err := SettlementFromMetadata(stream.header)
	if err != nil {
		t.Fatalf("expected settlement header: %v", err)
	}
	if settled.Transaction != "0xtx" || settled.Payer != "0xpayer" {
		t.Errorf("unexpected settlement: %+v", settled)
	}
}

func TestUnaryServerInterceptor_HandlerErrorSkipsSettlement(t *testing.T) {
	facilitator := &mockFacilitator{}
	interceptor := UnaryServerInterceptor(testConfig(facilitator))

	handlerErr := status.Error(codes.NotFound, "missing")
	_, err := interceptor(paymentContext(t), "req", &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return nil, handlerErr
		})

	if !errors.Is(err, handlerErr) {
		t.Errorf("expected handler error, got %v", err)
	}
	if facilitator.settleCalls.Load() != 0 {
		t.Error("expected no settlement after a handler error")
	}
}

func TestUnaryServerInterceptor_FacilitatorUnavailable(t *testing.T) {
	facilitator := &mockFacilitator{
		VerifyFunc: func(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.VerificationResponse, error) {
			return nil, x402.ErrFacilitatorUnavailable
		},
	}
	interceptor := UnaryServerInterceptor(testConfig(facilitator))

	_, err := interceptor(paymentContext(t), "req", &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Error("handler must not run")
			return nil, nil
		})

	if status.Code(err) != codes.Internal {
		t.Errorf("expected Internal, got %v", err)
	}
}

func TestUnaryServerInterceptor_SettlementRejected(t *testing.T) {
	facilitator := &mockFacilitator{
		SettleFunc: func(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResponse, error) {
			return &x402.SettlementResponse{Success: false, Error: "nonce already used"}, nil
		},
	}
	interceptor := UnaryServerInterceptor(testConfig(facilitator))

	_, err := interceptor(paymentContext(t), "req", &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			return "ok", nil
		})

	body, decodeErr := PaymentRequiredFromError(err)
	if decodeErr != nil {
		t.Fatalf("expected payment required status, got %v", err)
	}
	if body.Error == nil || *body.Error != "nonce already used" {
		t.Errorf("unexpected reason: %v", body.Error)
	}
}

func TestStreamServerInterceptor_SettlesInTrailer(t *testing.T) {
	facilitator := &mockFacilitator{}
	interceptor := StreamServerInterceptor(testConfig(facilitator))

	ss := &fakeServerStream{ctx: paymentContext(t)}
	err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: testMethod},
		func(srv interface{}, stream grpc.ServerStream) error {
			if _, ok := x402.GetPaymentFromContext(stream.Context()); !ok {
				t.Error("expected payment context on stream")
			}
			return stream.SendMsg("chunk")
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ss.sent) != 1 {
		t.Errorf("expected one message, got %d", len(ss.sent))
	}
	if _, err := SettlementFromMetadata(ss.trailer); err != nil {
		t.Errorf("expected settlement trailer: %v", err)
	}
}

func TestStreamServerInterceptor_SettlementFailure(t *testing.T) {
	rejectSettle := func(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResponse, error) {
		return nil, errors.New("chain down")
	}

	t.Run("before any message", func(t *testing.T) {
		interceptor := StreamServerInterceptor(testConfig(&mockFacilitator{SettleFunc: rejectSettle}))
		ss := &fakeServerStream{ctx: paymentContext(t)}

		err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: testMethod},
			func(srv interface{}, stream grpc.ServerStream) error {
				return nil
			})

		if status.Code(err) != codes.ResourceExhausted {
			t.Errorf("expected ResourceExhausted, got %v", err)
		}
	})

	t.Run("after a message", func(t *testing.T) {
		interceptor := StreamServerInterceptor(testConfig(&mockFacilitator{SettleFunc: rejectSettle}))
		ss := &fakeServerStream{ctx: paymentContext(t)}

		err := interceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: testMethod},
			func(srv interface{}, stream grpc.ServerStream) error {
				return stream.SendMsg("chunk")
			})

		if err != nil {
			t.Errorf("expected committed stream to finish cleanly, got %v", err)
		}
		if len(ss.trailer) != 0 {
			t.Error("expected no settlement trailer")
		}
	})
}

func TestUnaryServerInterceptor_InvalidConfigPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing facilitator")
		}
	}()
	UnaryServerInterceptor(x402.Config{})
}

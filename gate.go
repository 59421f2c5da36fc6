package x402

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
)

// Messages sent to clients.
const (
	msgMissingPayment     = "X-PAYMENT header is required"
	msgMalformedPayment   = "malformed payment header"
	msgResourceMismatch   = "payment resource mismatch"
	msgVerifyUnavailable  = "payment verification failed"
	msgVerifyInternal     = "internal server error during payment verification"
	msgInvalidPayment     = "invalid payment"
	msgSettlementFailed   = "settlement failed"
	msgSettlementError    = "settlement error: "
	msgHeaderEncoding     = "failed to create settlement response header"
	msgConfigurationError = "payment configuration error"
)

// PaymentGate runs the two-phase x402 protocol: Verify before the protected
// operation and Settle after it. It holds only immutable configuration; all
// per-request state lives in the Session returned by Verify.
type PaymentGate struct {
	cfg         Config
	builder     RequirementsBuilder
	facilitator Facilitator
	logger      *slog.Logger
}

// NewPaymentGate validates cfg and creates a gate.
func NewPaymentGate(cfg Config) (*PaymentGate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PaymentGate{
		cfg:         cfg,
		builder:     cfg.builder(),
		facilitator: cfg.Facilitator,
		logger:      cfg.Logger,
	}, nil
}

// Config returns the validated configuration.
func (g *PaymentGate) Config() Config {
	return g.cfg
}

// MatchEndpoint returns the policy for an HTTP path.
func (g *PaymentGate) MatchEndpoint(requestPath string) (*RoutePolicy, bool) {
	return g.cfg.MatchEndpoint(requestPath)
}

// MatchMethod returns the policy for a gRPC method.
func (g *PaymentGate) MatchMethod(fullMethod string) (*RoutePolicy, bool) {
	return g.cfg.MatchMethod(fullMethod)
}

// Session is the request-scoped state passed from Verify to Settle.
type Session struct {
	Requirements PaymentRequirements
	Header       string
	Payload      *PaymentPayload
	Verification *VerificationResponse

	settled atomic.Bool
}

// PaymentContext returns the handler-facing view of a verified session.
func (s *Session) PaymentContext() *PaymentContext {
	payer := ""
	if s.Verification != nil {
		payer = s.Verification.Payer
	}
	if payer == "" {
		payer = ExtractPayer(s.Payload)
	}
	return &PaymentContext{
		Verified:     true,
		PayerAddress: payer,
		Amount:       s.Requirements.MaxAmountRequired,
		Asset:        s.Requirements.Asset,
		Network:      s.Requirements.Network,
		Resource:     s.Requirements.Resource,
	}
}

// Requirements builds the requirements a gated resource is challenged with.
func (g *PaymentGate) Requirements(resource string, policy *RoutePolicy) (PaymentRequirements, error) {
	return g.builder.Build(resource, *policy)
}

// Verify runs the pre-handle phase. On success the returned session must be
// passed to Settle once the protected operation completes. Any error is a
// *PaymentError whose StatusCode is the response to send; the protected
// operation must not run.
func (g *PaymentGate) Verify(ctx context.Context, policy *RoutePolicy, resource, header string) (*Session, error) {
	log := g.logger.With("resource", resource, "payment", redact(header))

	requirements, err := g.builder.Build(resource, *policy)
	if err != nil {
		log.Error("x402 invalid payment configuration", "error", err)
		return nil, NewPaymentError(ErrCodeConfiguration, msgConfigurationError, err)
	}

	if strings.TrimSpace(header) == "" {
		log.Info("x402 called without payment header")
		return nil, challengeError(ErrCodeMissingPayment, msgMissingPayment, &requirements, nil)
	}

	payload, err := DecodeHeader(header)
	if err != nil {
		log.Warn("x402 called with malformed payment header", "error", err)
		return nil, challengeError(ErrCodeMalformedPayment, msgMalformedPayment, &requirements, err)
	}

	if !g.cfg.SkipResourceCheck && payload.Resource != "" && payload.Resource != requirements.Resource {
		log.Warn("x402 payment resource mismatch", "paid_resource", payload.Resource)
		return nil, challengeError(ErrCodeResourceMismatch, msgResourceMismatch, &requirements, nil)
	}

	payment := &Payment{Header: header, Payload: payload}
	vr, err := g.verify(ctx, payment, &requirements)
	if err != nil {
		if errors.Is(err, ErrFacilitatorUnavailable) {
			log.Warn("x402 communication error with facilitator", "error", err)
			return nil, NewPaymentError(ErrCodeFacilitatorUnavailable, msgVerifyUnavailable, err)
		}
		log.Error("x402 internal error during verification", "error", err)
		return nil, NewPaymentError(ErrCodeInternal, msgVerifyInternal, err)
	}

	if !vr.IsValid {
		reason := vr.InvalidReason
		if reason == "" {
			reason = msgInvalidPayment
		}
		log.Info("x402 payment verification failed", "reason", reason)
		return nil, challengeError(ErrCodeVerificationRejected, reason, &requirements, nil)
	}

	log.Info("x402 payment verified", "payer", vr.Payer)
	return &Session{
		Requirements: requirements,
		Header:       header,
		Payload:      payload,
		Verification: vr,
	}, nil
}

// verify calls the facilitator, turning a panic or an empty answer into an error.
func (g *PaymentGate) verify(ctx context.Context, payment *Payment, requirements *PaymentRequirements) (vr *VerificationResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			vr, err = nil, fmt.Errorf("facilitator verify panicked: %v", r)
		}
	}()

	vr, err = g.facilitator.Verify(ctx, payment, requirements)
	if err == nil && vr == nil {
		err = errors.New("facilitator returned no verification response")
	}
	return vr, err
}

// Settle runs the after-completion phase for a verified session and returns
// the header to attach to the response. It must only be called when the
// protected operation produced a non-error status; callers decide whether a
// returned error can still change the response.
func (g *PaymentGate) Settle(ctx context.Context, s *Session) (*SettlementResponseHeader, error) {
	log := g.logger.With("resource", s.Requirements.Resource, "payment", redact(s.Header))
	requirements := &s.Requirements

	if !s.settled.CompareAndSwap(false, true) {
		return nil, challengeError(ErrCodeAlreadySettled, ErrAlreadySettled.Error(), requirements, ErrAlreadySettled)
	}

	payment := &Payment{Header: s.Header, Payload: s.Payload}
	sr, err := g.settle(ctx, payment, requirements)
	if err != nil {
		log.Error("x402 settlement error", "error", err)
		return nil, challengeError(ErrCodeSettlementError, msgSettlementError+err.Error(), requirements, err)
	}

	if logAttrs, mErr := json.Marshal(sr); mErr == nil {
		log.Debug("x402 settlement response", "response", string(logAttrs))
	}

	if sr == nil || !sr.Success {
		reason := msgSettlementFailed
		if sr != nil && sr.Error != "" {
			reason = sr.Error
		}
		log.Error("x402 settlement failed", "reason", reason)
		return nil, challengeError(ErrCodeSettlementRejected, reason, requirements, nil)
	}

	log.Info("x402 payment settled", "transaction", sr.TxHash)
	return &SettlementResponseHeader{
		Success:     true,
		Transaction: sr.TxHash,
		Network:     sr.NetworkID,
		Payer:       ExtractPayer(s.Payload),
	}, nil
}

func (g *PaymentGate) settle(ctx context.Context, payment *Payment, requirements *PaymentRequirements) (sr *SettlementResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			sr, err = nil, fmt.Errorf("facilitator settle panicked: %v", r)
		}
	}()
	return g.facilitator.Settle(ctx, payment, requirements)
}

// ExtractPayer returns the payer address of an exact-scheme payload, or "".
// It tries the typed shape first and falls back to a raw key lookup.
func ExtractPayer(payload *PaymentPayload) string {
	if payload == nil || payload.Payload == nil {
		return ""
	}

	if raw, err := json.Marshal(payload.Payload); err == nil {
		var exact ExactPayload
		if err := json.Unmarshal(raw, &exact); err == nil {
			if exact.Authorization != nil {
				return exact.Authorization.From
			}
			return ""
		}
	}

	auth, ok := payload.Payload["authorization"].(map[string]interface{})
	if !ok {
		return ""
	}
	from, _ := auth["from"].(string)
	return from
}

// redact keeps payment headers out of shared logs.
func redact(header string) string {
	if header == "" {
		return ""
	}
	if len(header) <= 8 {
		return "[" + strconv.Itoa(len(header)) + " bytes]"
	}
	return header[:8] + "...[" + strconv.Itoa(len(header)) + " bytes]"
}

package x402

import (
	"context"
	"fmt"
	"net/http"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It panics if cfg is invalid.
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	gate, err := NewPaymentGate(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return gate.Middleware
}

// Middleware wraps next with payment gating. Routes without a policy pass through untouched.
func (g *PaymentGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy, requiresPayment := g.MatchEndpoint(r.URL.Path)
		if !requiresPayment {
			next.ServeHTTP(w, r)
			return
		}

		resource := r.URL.Path
		session, err := g.Verify(r.Context(), policy, resource, r.Header.Get(HeaderPayment))
		if err != nil {
			if werr := WriteError(w, err); werr != nil {
				g.logger.Error("x402 failed to write payment response", "resource", resource, "error", werr)
			}
			return
		}

		buf := NewResponseBuffer(w, g.cfg.ResponseBufferSize)
		next.ServeHTTP(buf, r.WithContext(WithPaymentContext(r.Context(), session.PaymentContext())))

		g.Complete(r.Context(), buf, session)

		if err := buf.Commit(); err != nil {
			g.logger.Warn("x402 failed to write response", "resource", resource, "error", err)
		}
	})
}

// Complete runs the after-completion phase against a buffered response:
// it settles when the handler succeeded and attaches the settlement header,
// or replaces the response with the failure if it is not yet committed.
// The caller commits buf afterwards.
func (g *PaymentGate) Complete(ctx context.Context, buf BufferedWriter, session *Session) {
	resource := session.Requirements.Resource
	log := g.logger.With("resource", resource, "payment", redact(session.Header))

	if status := buf.Status(); status >= http.StatusBadRequest {
		log.Warn("x402 skipping settlement due to error response", "status", status)
		return
	}

	if err := ctx.Err(); err != nil {
		log.Warn("x402 skipping settlement, request ended before completion", "error", err)
		return
	}

	header, err := g.Settle(ctx, session)
	if err != nil {
		if buf.Committed() {
			log.Warn("x402 settlement failed after response was committed", "error", err)
			return
		}
		if werr := WriteError(buf, err); werr != nil {
			log.Error("x402 failed to write settlement failure", "error", werr)
		}
		return
	}

	encoded, err := EncodeSettlementHeader(*header)
	if err != nil {
		log.Error("x402 settlement error creating response header", "error", err)
		if werr := WriteError(buf, NewPaymentError(ErrCodeHeaderEncoding, msgHeaderEncoding, err)); werr != nil {
			log.Error("x402 failed to write header encoding failure", "error", werr)
		}
		return
	}

	if buf.Committed() {
		log.Warn("x402 response committed before settlement header could be attached")
		return
	}
	SetSettlementHeader(buf.Header(), encoded)
}

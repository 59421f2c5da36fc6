package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-gate"
)

// DefaultTimeout bounds every facilitator call.
const DefaultTimeout = 30 * time.Second

// FacilitatorClient handles communication with an x402 facilitator service.
// Transport failures, unexpected statuses and unreadable answers are
// returned wrapping x402.ErrFacilitatorUnavailable. Calls are never retried.
type FacilitatorClient struct {
	// BaseURL is the facilitator service URL (e.g., "https://x402.org/facilitator")
	BaseURL string

	// HTTPClient sends the requests. NewFacilitatorClient sets a 30s timeout
	HTTPClient *http.Client

	// SendDecodedPayload sends the decoded payload as paymentPayload instead
	// of the raw header as paymentHeader
	SendDecodedPayload bool
}

var _ x402.Facilitator = (*FacilitatorClient)(nil)

// NewFacilitatorClient creates a new facilitator client
func NewFacilitatorClient(baseURL string) *FacilitatorClient {
	return &FacilitatorClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Verify checks if a payment is valid via POST /verify
func (c *FacilitatorClient) Verify(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.VerificationResponse, error) {
	var verifyResp FacilitatorVerifyResponse
	if err := c.post(ctx, "verify", c.request(payment, requirements), &verifyResp); err != nil {
		return nil, err
	}
	return verifyResp.toVerification(), nil
}

// Settle executes the payment on-chain via POST /settle
func (c *FacilitatorClient) Settle(ctx context.Context, payment *x402.Payment, requirements *x402.PaymentRequirements) (*x402.SettlementResponse, error) {
	var settleResp FacilitatorSettleResponse
	if err := c.post(ctx, "settle", c.request(payment, requirements), &settleResp); err != nil {
		return nil, err
	}
	return settleResp.toSettlement(), nil
}

// Supported fetches the scheme/network kinds the facilitator handles via GET /supported
func (c *FacilitatorClient) Supported(ctx context.Context) (*FacilitatorSupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}

	var supportedResp FacilitatorSupportedResponse
	if err := c.do(httpReq, "supported", &supportedResp); err != nil {
		return nil, err
	}
	return &supportedResp, nil
}

func (c *FacilitatorClient) request(payment *x402.Payment, requirements *x402.PaymentRequirements) *FacilitatorVerifyRequest {
	req := &FacilitatorVerifyRequest{
		X402Version:         x402.X402Version,
		PaymentRequirements: requirements,
	}
	if c.SendDecodedPayload && payment.Payload != nil {
		req.PaymentPayload = payment.Payload
	} else {
		req.PaymentHeader = payment.Header
	}
	return req
}

func (c *FacilitatorClient) post(ctx context.Context, endpoint string, req interface{}, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	return c.do(httpReq, endpoint, out)
}

func (c *FacilitatorClient) do(httpReq *http.Request, endpoint string, out interface{}) error {
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: failed to call facilitator %s endpoint: %v", x402.ErrFacilitatorUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: facilitator %s returned status %d: %s", x402.ErrFacilitatorUnavailable, endpoint, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", x402.ErrFacilitatorUnavailable, endpoint, err)
	}

	return nil
}

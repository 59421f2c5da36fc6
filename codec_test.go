package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

func encodeJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func TestDecodeHeader(t *testing.T) {
	payment := &PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: map[string]interface{}{
			"signature": "0xabc123",
			"authorization": map[string]interface{}{
				"from":  "0x123",
				"to":    "0x456",
				"value": "1000000",
			},
		},
	}

	encoded, err := EncodePaymentPayload(payment)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	decoded, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}

	if decoded.Scheme != "exact" || decoded.Network != "base-sepolia" {
		t.Errorf("unexpected payload: %+v", decoded)
	}
	if decoded.Payload["signature"] != "0xabc123" {
		t.Errorf("expected signature 0xabc123, got %v", decoded.Payload["signature"])
	}
}

func TestDecodeHeader_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "not base64", header: "%%%not-base64"},
		{name: "not json", header: base64.StdEncoding.EncodeToString([]byte("not json"))},
		{name: "missing scheme", header: encodeJSON(t, map[string]interface{}{"network": "base", "payload": map[string]interface{}{}})},
		{name: "missing network", header: encodeJSON(t, map[string]interface{}{"scheme": "exact", "payload": map[string]interface{}{}})},
		{name: "missing payload", header: encodeJSON(t, map[string]interface{}{"scheme": "exact", "network": "base"})},
		{name: "payload not an object", header: encodeJSON(t, map[string]interface{}{"scheme": "exact", "network": "base", "payload": "x"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeHeader(tt.header); !errors.Is(err, ErrMalformedPayment) {
				t.Errorf("expected ErrMalformedPayment, got %v", err)
			}
		})
	}
}

func TestSettlementHeaderRoundTrip(t *testing.T) {
	header := SettlementResponseHeader{
		Success:     true,
		Transaction: "0xtx",
		Network:     "base-sepolia",
		Payer:       "0xpayer",
	}

	encoded, err := EncodeSettlementHeader(header)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("not valid base64: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("not valid JSON: %v", err)
	}
	for _, key := range []string{"success", "transaction", "network", "payer"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("expected key %q in settlement header", key)
		}
	}

	decoded, err := DecodeSettlementHeader(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if *decoded != header {
		t.Errorf("expected %+v, got %+v", header, *decoded)
	}
}

func TestPaymentRequiredBody(t *testing.T) {
	req := &PaymentRequirements{Scheme: "exact", MaxAmountRequired: "10000"}

	t.Run("with reason", func(t *testing.T) {
		data, _ := json.Marshal(newPaymentRequired(req, "insufficient funds"))
		var body map[string]interface{}
		json.Unmarshal(data, &body)

		if body["x402Version"] != float64(1) {
			t.Errorf("expected x402Version 1, got %v", body["x402Version"])
		}
		if body["error"] != "insufficient funds" {
			t.Errorf("expected error reason, got %v", body["error"])
		}
		if accepts, ok := body["accepts"].([]interface{}); !ok || len(accepts) != 1 {
			t.Errorf("expected one accepts entry, got %v", body["accepts"])
		}
	})

	t.Run("without reason", func(t *testing.T) {
		data, _ := json.Marshal(newPaymentRequired(req, ""))
		var body map[string]interface{}
		json.Unmarshal(data, &body)

		v, ok := body["error"]
		if !ok || v != nil {
			t.Errorf("expected explicit null error, got %v (present=%v)", v, ok)
		}
	})
}

func TestPaymentRequiredRoundTrip(t *testing.T) {
	reason := "X-PAYMENT header is required"
	response := &PaymentRequiredResponse{
		X402Version: 1,
		Accepts:     []PaymentRequirements{{Scheme: "exact", Resource: "/v1/paid"}},
		Error:       &reason,
	}

	encoded, err := EncodePaymentRequired(response)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	decoded, err := DecodePaymentRequired(encoded)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.Error == nil || *decoded.Error != reason || decoded.Accepts[0].Resource != "/v1/paid" {
		t.Errorf("unexpected decoded response: %+v", decoded)
	}
}

func TestReadPaymentRequired(t *testing.T) {
	body, _ := json.Marshal(newPaymentRequired(&PaymentRequirements{Scheme: "exact"}, "required"))

	resp := &http.Response{
		StatusCode: http.StatusPaymentRequired,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
	parsed, err := ReadPaymentRequired(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(parsed.Accepts) != 1 {
		t.Errorf("expected one requirement, got %d", len(parsed.Accepts))
	}

	if _, err := ReadPaymentRequired(&http.Response{StatusCode: http.StatusOK, Body: http.NoBody}); err == nil {
		t.Error("expected error for non-402 response")
	}
}

package x402

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetDecimals is the fixed decimal precision of the settlement asset (USDC-style).
const AssetDecimals = 6

// RequirementsBuilder turns a route policy into PaymentRequirements.
// It holds only startup configuration and is safe for concurrent use.
type RequirementsBuilder struct {
	DefaultPayTo      string
	Network           string
	Asset             string
	MaxTimeoutSeconds int
	AssetName         string
	AssetVersion      string
	MimeType          string
}

// Build returns fresh requirements for resource under policy.
// Identical inputs always produce identical values; nothing is shared between calls.
func (b RequirementsBuilder) Build(resource string, policy RoutePolicy) (PaymentRequirements, error) {
	amount, err := PriceToAtomicUnits(policy.Price, AssetDecimals)
	if err != nil {
		return PaymentRequirements{}, err
	}

	payTo := strings.TrimSpace(policy.PayTo)
	if payTo == "" {
		payTo = b.DefaultPayTo
	}
	if payTo == "" {
		return PaymentRequirements{}, fmt.Errorf("%w: payTo is required when no default payee is configured", ErrConfiguration)
	}

	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           b.Network,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       policy.Description,
		MimeType:          b.MimeType,
		PayTo:             payTo,
		MaxTimeoutSeconds: b.MaxTimeoutSeconds,
		Asset:             b.Asset,
		OutputSchema:      copyMap(policy.OutputSchema),
		Extra: map[string]interface{}{
			"name":    b.AssetName,
			"version": b.AssetVersion,
		},
	}, nil
}

// PriceToAtomicUnits scales a decimal price by 10^decimals and truncates toward zero.
// For example, "0.01" with 6 decimals becomes "10000".
func PriceToAtomicUnits(price string, decimals int32) (string, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return "", fmt.Errorf("%w: price must not be empty", ErrConfiguration)
	}

	value, err := decimal.NewFromString(price)
	if err != nil {
		return "", fmt.Errorf("%w: price %q is not a number", ErrConfiguration, price)
	}

	if value.IsNegative() {
		return "", fmt.Errorf("%w: price %q must not be negative", ErrConfiguration, price)
	}

	return value.Shift(decimals).Truncate(0).String(), nil
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

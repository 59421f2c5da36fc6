package x402

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Defaults applied by Config.Validate.
const (
	DefaultNetwork            = "base-sepolia"
	DefaultAsset              = "USDC"
	DefaultMaxTimeoutSeconds  = 30
	DefaultAssetName          = "USDC"
	DefaultAssetVersion       = "2"
	DefaultMimeType           = "application/json"
	DefaultResponseBufferSize = 32 << 10
)

// Config holds the payment gate configuration
type Config struct {
	// Facilitator verifies and settles payments (e.g., evm.FacilitatorClient)
	Facilitator Facilitator

	// DefaultPayTo is the payee used when a route policy does not name one
	DefaultPayTo string

	// Network identifier, e.g. "base-sepolia"
	Network string

	// Asset identifier placed in requirements, e.g. "USDC" or a token contract address
	Asset string

	// MaxTimeoutSeconds is how long a payment authorization may stay pending
	MaxTimeoutSeconds int

	// AssetName and AssetVersion are sent in requirements.extra for EIP-712 signing
	AssetName    string
	AssetVersion string

	// MimeType of the protected resources
	MimeType string

	// Routes maps URL patterns to payment policies.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	// Used by HTTP middleware (net/http, gin, grpc-gateway)
	Routes map[string]RoutePolicy

	// MethodRoutes maps gRPC method names to payment policies.
	// Methods are full names like "/package.Service/Method".
	// Used by native gRPC interceptors
	MethodRoutes map[string]RoutePolicy

	// DefaultPolicy is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment
	DefaultPolicy *RoutePolicy

	// SkipPaths lists paths that should bypass payment checks entirely
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks
	SkipMethods []string

	// SkipResourceCheck disables matching the payload's resource against the request
	SkipResourceCheck bool

	// ResponseBufferSize is how many body bytes are held back before the
	// response is committed to the client. Defaults to 32 KiB
	ResponseBufferSize int

	// Logger receives gate logs. Defaults to slog.Default()
	Logger *slog.Logger
}

// RoutePolicy is the payment policy registered for a route
type RoutePolicy struct {
	// Price is a human-readable decimal amount (e.g., "0.01")
	Price string

	// PayTo overrides Config.DefaultPayTo (optional)
	PayTo string

	// Description explains what this payment is for (optional)
	Description string

	// OutputSchema is a JSON schema describing the response format (optional)
	OutputSchema map[string]interface{}
}

// Validate applies defaults and checks every registered policy.
// All failures wrap ErrConfiguration.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("%w: facilitator is required", ErrConfiguration)
	}

	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.Asset == "" {
		c.Asset = DefaultAsset
	}
	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if c.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("%w: max timeout seconds must be positive, got %d", ErrConfiguration, c.MaxTimeoutSeconds)
	}
	if c.AssetName == "" {
		c.AssetName = DefaultAssetName
	}
	if c.AssetVersion == "" {
		c.AssetVersion = DefaultAssetVersion
	}
	if c.MimeType == "" {
		c.MimeType = DefaultMimeType
	}
	if c.ResponseBufferSize <= 0 {
		c.ResponseBufferSize = DefaultResponseBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	builder := c.builder()
	var errs []error

	for _, pattern := range sortedKeys(c.Routes) {
		if err := c.validatePolicy(builder, c.Routes[pattern]); err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", pattern, err))
		}
	}

	for _, method := range sortedKeys(c.MethodRoutes) {
		if err := c.validatePolicy(builder, c.MethodRoutes[method]); err != nil {
			errs = append(errs, fmt.Errorf("method %q: %w", method, err))
		}
	}

	if c.DefaultPolicy != nil {
		if err := c.validatePolicy(builder, *c.DefaultPolicy); err != nil {
			errs = append(errs, fmt.Errorf("default policy: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validatePolicy(builder RequirementsBuilder, policy RoutePolicy) error {
	requirements, err := builder.Build("", policy)
	if err != nil {
		return err
	}
	if isEVMNetwork(c.Network) && !common.IsHexAddress(requirements.PayTo) {
		return fmt.Errorf("%w: payTo %q is not a valid EVM address", ErrConfiguration, requirements.PayTo)
	}
	return nil
}

func (c *Config) builder() RequirementsBuilder {
	return RequirementsBuilder{
		DefaultPayTo:      c.DefaultPayTo,
		Network:           c.Network,
		Asset:             c.Asset,
		MaxTimeoutSeconds: c.MaxTimeoutSeconds,
		AssetName:         c.AssetName,
		AssetVersion:      c.AssetVersion,
		MimeType:          c.MimeType,
	}
}

// MatchEndpoint finds the payment policy for a given path
// Returns the policy and true if found, nil and false otherwise
func (c *Config) MatchEndpoint(requestPath string) (*RoutePolicy, bool) {
	return match(requestPath, c.Routes, c.SkipPaths, c.DefaultPolicy)
}

// MatchMethod finds the payment policy for a given gRPC method
// Returns the policy and true if found, nil and false otherwise
func (c *Config) MatchMethod(fullMethod string) (*RoutePolicy, bool) {
	return match(fullMethod, c.MethodRoutes, c.SkipMethods, c.DefaultPolicy)
}

func match(target string, table map[string]RoutePolicy, skip []string, fallback *RoutePolicy) (*RoutePolicy, bool) {
	for _, skipPattern := range skip {
		if matchPath(target, skipPattern) {
			return nil, false
		}
	}

	// First try exact matches
	if policy, ok := table[target]; ok {
		return &policy, true
	}

	// Then try wildcard matches, longest pattern wins
	var bestMatch string
	var bestPolicy *RoutePolicy

	for pattern, policy := range table {
		if !matchPath(target, pattern) {
			continue
		}
		if bestPolicy == nil || len(pattern) > len(bestMatch) || (len(pattern) == len(bestMatch) && pattern < bestMatch) {
			bestMatch = pattern
			policyCopy := policy
			bestPolicy = &policyCopy
		}
	}

	if bestPolicy != nil {
		return bestPolicy, true
	}

	if fallback != nil {
		policyCopy := *fallback
		return &policyCopy, true
	}

	return nil, false
}

// matchPath checks if a request path matches a pattern
// Supports wildcards: /v1/* matches /v1/foo, /v1/foo/bar, etc.
func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}

func isEVMNetwork(network string) bool {
	return !strings.HasPrefix(network, "solana")
}

func sortedKeys(m map[string]RoutePolicy) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

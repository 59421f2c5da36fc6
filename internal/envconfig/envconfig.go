// Package envconfig binds x402 example server settings from the environment
// and an optional .env file.
package envconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	x402 "github.com/becomeliminal/x402-gate"
	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvEnabled            = "X402_ENABLED"
	EnvDefaultPayTo       = "X402_DEFAULT_PAY_TO"
	EnvNetwork            = "X402_NETWORK"
	EnvAsset              = "X402_ASSET"
	EnvMaxTimeoutSeconds  = "X402_MAX_TIMEOUT_SECONDS"
	EnvFacilitatorBaseURL = "X402_FACILITATOR_BASE_URL"
	EnvListenAddr         = "X402_LISTEN_ADDR"
)

// DefaultListenAddr is used when X402_LISTEN_ADDR is unset.
const DefaultListenAddr = ":8080"

// Settings are the deployment settings of an x402-gated server.
type Settings struct {
	// Enabled turns payment gating on. Off by default
	Enabled bool

	DefaultPayTo       string
	Network            string
	Asset              string
	MaxTimeoutSeconds  int
	FacilitatorBaseURL string
	ListenAddr         string
}

// Load reads files (".env" if none are given) into the environment without
// overriding variables that are already set, then parses the settings.
// Missing files are ignored.
func Load(files ...string) (Settings, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup parses settings using lookup to read variables.
func FromLookup(lookup func(string) (string, bool)) (Settings, error) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	s := Settings{
		DefaultPayTo:       get(EnvDefaultPayTo),
		Network:            get(EnvNetwork),
		Asset:              get(EnvAsset),
		FacilitatorBaseURL: get(EnvFacilitatorBaseURL),
		ListenAddr:         get(EnvListenAddr),
	}

	if s.Network == "" {
		s.Network = x402.DefaultNetwork
	}
	if s.Asset == "" {
		s.Asset = x402.DefaultAsset
	}
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}

	if raw := get(EnvEnabled); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", EnvEnabled, err)
		}
		s.Enabled = enabled
	}

	s.MaxTimeoutSeconds = x402.DefaultMaxTimeoutSeconds
	if raw := get(EnvMaxTimeoutSeconds); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", EnvMaxTimeoutSeconds, err)
		}
		if seconds <= 0 {
			return Settings{}, fmt.Errorf("%s must be positive, got %d", EnvMaxTimeoutSeconds, seconds)
		}
		s.MaxTimeoutSeconds = seconds
	}

	if s.Enabled && s.FacilitatorBaseURL == "" {
		return Settings{}, fmt.Errorf("%s must be configured when x402 is enabled", EnvFacilitatorBaseURL)
	}

	return s, nil
}

// Apply copies the payment settings into cfg.
func (s Settings) Apply(cfg *x402.Config) {
	cfg.DefaultPayTo = s.DefaultPayTo
	cfg.Network = s.Network
	cfg.Asset = s.Asset
	cfg.MaxTimeoutSeconds = s.MaxTimeoutSeconds
}

// Package config loads gateway client settings from a YAML file and the environment and
// turns them into the validated values the client is built from.
package config

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"

	gatewaybridge "github.com/opengovern/gateway-bridge"
)

// Config represents the complete client configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Auth    AuthConfig    `yaml:"auth"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig locates the service behind the gateway
type GatewayConfig struct {
	BaseURL       string `yaml:"base_url"`
	ContextPath   string `yaml:"context_path"`
	ContextHeader bool   `yaml:"context_header"` // also send X-ProxyContextPath
}

// AuthConfig holds the bearer token, or the client-credentials grant used to obtain one
type AuthConfig struct {
	Token        string   `yaml:"token"`
	TokenFile    string   `yaml:"token_file"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// HTTPConfig holds the request policy
type HTTPConfig struct {
	Timeout     time.Duration `yaml:"-"`
	BackoffBase time.Duration `yaml:"-"`
	BackoffMax  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw     string `yaml:"timeout"`
	BackoffBaseRaw string `yaml:"backoff_base"`
	BackoffMaxRaw  string `yaml:"backoff_max"`

	MaxRetries       int     `yaml:"max_retries"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps"`
	RateLimitBurst   int     `yaml:"rate_limit_burst"`
	VerifyTLS        bool    `yaml:"verify_tls"`
	CABundle         string  `yaml:"ca_bundle"`
	MaxResponseBytes int64   `yaml:"max_response_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with the client defaults and no gateway or credentials.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			TimeoutRaw:       gatewaybridge.DefaultTimeout.String(),
			BackoffBaseRaw:   gatewaybridge.DefaultBackoffBase.String(),
			BackoffMaxRaw:    gatewaybridge.DefaultBackoffMax.String(),
			MaxRetries:       gatewaybridge.DefaultMaxRetries,
			RateLimitRPS:     gatewaybridge.DefaultRequestsPerSec,
			RateLimitBurst:   1,
			VerifyTLS:        true,
			MaxResponseBytes: gatewaybridge.DefaultMaxResponseBytes,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then the KNOX_* / HTTP_*
// variables override what the file says. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from the given files (".env" when none) into the process
// environment. Missing files are skipped; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv lets the deployment environment override the file, using the variable names the
// gateway tooling already exports.
func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("KNOX_GATEWAY_URL", &cfg.Gateway.BaseURL)
	str("SSB_PROXY_CONTEXT_PATH", &cfg.Gateway.ContextPath)
	str("KNOX_TOKEN", &cfg.Auth.Token)
	str("KNOX_TOKEN_FILE", &cfg.Auth.TokenFile)
	str("KNOX_TOKEN_ENDPOINT", &cfg.Auth.TokenURL)
	str("KNOX_CA_BUNDLE", &cfg.HTTP.CABundle)
	str("LOG_LEVEL", &cfg.Logging.Level)

	if v := os.Getenv("KNOX_VERIFY_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KNOX_VERIFY_SSL %q: %w", v, err)
		}
		cfg.HTTP.VerifyTLS = b
	}
	if v := os.Getenv("HTTP_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_TIMEOUT_SECONDS %q: %w", v, err)
		}
		cfg.HTTP.TimeoutRaw = (time.Duration(secs) * time.Second).String()
	}
	if v := os.Getenv("HTTP_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_MAX_RETRIES %q: %w", v, err)
		}
		cfg.HTTP.MaxRetries = n
	}
	if v := os.Getenv("HTTP_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HTTP_RATE_LIMIT_RPS %q: %w", v, err)
		}
		cfg.HTTP.RateLimitRPS = rps
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"http.timeout", cfg.HTTP.TimeoutRaw, &cfg.HTTP.Timeout},
		{"http.backoff_base", cfg.HTTP.BackoffBaseRaw, &cfg.HTTP.BackoffBase},
		{"http.backoff_max", cfg.HTTP.BackoffMaxRaw, &cfg.HTTP.BackoffMax},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that all required configuration fields are present.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	a := c.Auth
	if a.Token == "" && a.TokenFile == "" && a.TokenURL == "" {
		return fmt.Errorf("one of auth.token, auth.token_file or auth.token_url is required")
	}
	if a.TokenURL != "" && a.ClientID == "" {
		return fmt.Errorf("auth.client_id is required with auth.token_url")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

// Target resolves the gateway base and context path.
func (c *Config) Target() (*gatewaybridge.GatewayTarget, error) {
	return gatewaybridge.NewGatewayTarget(c.Gateway.BaseURL, c.Gateway.ContextPath)
}

// Policy builds the request policy, loading the CA bundle if one is configured.
func (c *Config) Policy() (gatewaybridge.RequestPolicy, error) {
	h := c.HTTP
	p := gatewaybridge.DefaultRequestPolicy()
	p.Timeout = h.Timeout
	p.MaxRetries = h.MaxRetries
	p.BackoffBase = h.BackoffBase
	p.BackoffMax = h.BackoffMax
	p.RequestsPerSec = h.RateLimitRPS
	p.Burst = h.RateLimitBurst
	p.VerifyTLS = h.VerifyTLS
	p.MaxResponseBytes = h.MaxResponseBytes

	if h.CABundle != "" {
		pem, err := os.ReadFile(h.CABundle)
		if err != nil {
			return p, fmt.Errorf("%w: reading ca_bundle: %v", gatewaybridge.ErrInvalidConfig, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return p, fmt.Errorf("%w: ca_bundle %s holds no PEM certificates", gatewaybridge.ErrInvalidConfig, h.CABundle)
		}
		p.RootCAs = pool
	}
	return p, p.Validate()
}

// TokenSource returns the client-credentials source, or nil when no token_url is set.
func (c *Config) TokenSource(ctx context.Context) oauth2.TokenSource {
	if c.Auth.TokenURL == "" {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     c.Auth.ClientID,
		ClientSecret: c.Auth.ClientSecret,
		TokenURL:     c.Auth.TokenURL,
		Scopes:       c.Auth.Scopes,
	}
	return cc.TokenSource(ctx)
}

// Credentials builds the credential holder from the inline token, the token file, or a
// first fetch from the token endpoint, in that order.
func (c *Config) Credentials(ctx context.Context) (*gatewaybridge.CredentialHolder, error) {
	switch {
	case c.Auth.Token != "":
		return gatewaybridge.NewCredentialHolderFromToken(c.Auth.Token)
	case c.Auth.TokenFile != "":
		data, err := os.ReadFile(c.Auth.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading token file: %w", err)
		}
		return gatewaybridge.NewCredentialHolderFromToken(strings.TrimSpace(string(data)))
	}

	src := c.TokenSource(ctx)
	if src == nil {
		return nil, fmt.Errorf("%w: no credential configured", gatewaybridge.ErrInvalidConfig)
	}
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("fetching token from %s: %w", c.Auth.TokenURL, err)
	}
	cred, err := gatewaybridge.CredentialFromOAuth2Token(tok)
	if err != nil {
		return nil, err
	}
	return gatewaybridge.NewCredentialHolder(cred)
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return lvl, fmt.Errorf("logging.level %q: %w", c.Logging.Level, err)
	}
	return lvl, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := c.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// NewClient builds a gateway client from the configuration.
func (c *Config) NewClient(ctx context.Context, opts ...gatewaybridge.Option) (*gatewaybridge.Client, error) {
	target, err := c.Target()
	if err != nil {
		return nil, err
	}
	policy, err := c.Policy()
	if err != nil {
		return nil, err
	}
	holder, err := c.Credentials(ctx)
	if err != nil {
		return nil, err
	}
	if c.Gateway.ContextHeader {
		opts = append([]gatewaybridge.Option{gatewaybridge.WithProxyContextHeader()}, opts...)
	}
	return gatewaybridge.NewClient(target, holder, policy, opts...)
}

package gatewaybridge

import (
	"log/slog"
	"os"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDebug logs every attempt, retry and outcome to stderr at debug level.
func WithDebug(enabled bool) Option {
	return func(c *Client) {
		if enabled {
			c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
	}
}

// WithHTTPClient replaces the transport. The policy's TLS settings are not applied to it.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.httpClient = d }
}

// WithClock sets the time source used for credential expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithProxyContextHeader additionally sends the context path in an X-ProxyContextPath header,
// for gateways that route on the header instead of the path.
func WithProxyContextHeader() Option {
	return func(c *Client) { c.sendContextHeader = true }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

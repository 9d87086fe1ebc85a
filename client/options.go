package client

import (
	"log/slog"
	"net/http"

	"github.com/xraph/escrow/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for API calls and the feed
// handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCallerID sets the caller identity sent with every request.
func WithCallerID(callerID string, roles ...string) Option {
	return func(c *Client) {
		c.callerID = callerID
		c.roles = roles
	}
}

// WithFormat sets the live feed wire format.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithReconnect enables automatic feed reconnection. Delays between
// attempts follow strategy.
func WithReconnect(maxRetries int, strategy backoff.Strategy) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		if strategy != nil {
			c.backoff = strategy
		}
	}
}

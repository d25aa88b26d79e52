package gwclient

import (
	"log/slog"
	"net/http"
	"time"

	"agentgw/internal/adapter/gateway"
)

// Option configures a Client.
type Option func(*Client)

// WithURL sets the gateway WebSocket endpoint, e.g. "ws://127.0.0.1:18789/ws".
func WithURL(url string) Option {
	return func(c *Client) { c.dial.URL = url }
}

// WithToken sets an explicit token, taking precedence over the environment
// and the token file.
func WithToken(token string) Option {
	return func(c *Client) { c.resolver.Explicit = token }
}

// WithTokenEnv changes the environment variable consulted for the token.
func WithTokenEnv(name string) Option {
	return func(c *Client) { c.resolver.EnvVar = name }
}

// WithTokenFile changes the token file path. A leading "~" is expanded.
func WithTokenFile(path string) Option {
	return func(c *Client) { c.resolver.File = path }
}

// WithCredentials replaces token resolution entirely.
func WithCredentials(creds gateway.Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithConnectTimeout bounds each connect attempt, socket open and handshake
// together.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.dial.ConnectTimeout = d }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.dial.WriteTimeout = d }
}

// WithMaxFrameBytes limits the size of an inbound frame.
func WithMaxFrameBytes(n int64) Option {
	return func(c *Client) { c.dial.MaxFrameBytes = n }
}

// WithPingInterval enables keepalive pings. Zero disables them.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.dial.PingInterval = d }
}

// WithHeader adds an HTTP header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.dial.Header == nil {
			c.dial.Header = http.Header{}
		}
		c.dial.Header.Add(key, value)
	}
}

// WithBackoff sets the reconnect delay schedule.
func WithBackoff(base, maxDelay time.Duration, jitter float64) Option {
	return func(c *Client) {
		c.super.BaseDelay = base
		c.super.MaxDelay = maxDelay
		c.super.Jitter = jitter
	}
}

// WithMaxAttempts bounds attempts per Connect. Zero retries until the
// context is done.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.super.MaxAttempts = n }
}

// WithCircuitBreaker opens the connect breaker after failures consecutive
// failed Connect calls, for cooldown.
func WithCircuitBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		c.super.BreakerFailures = failures
		c.super.BreakerCooldown = cooldown
	}
}

// WithHealthMethod sets the RPC used by Health. Defaults to "health".
func WithHealthMethod(method string) Option {
	return func(c *Client) { c.healthMethod = method }
}

// WithLogger sets a custom slog.Logger. nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

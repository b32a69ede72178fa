package panflux

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client at construction.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for grants and GraphQL
// requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStorage sets where PKCE state is persisted across a login
// redirect. A nil Storage means no durable storage is available: the
// login still works but the CSRF state is only checked in memory.
func WithStorage(s Storage) Option {
	return func(c *Client) { c.storage = s }
}

// WithBroadcast attaches the Client to a cross-tab channel, enabling
// multi-tab login handoff.
func WithBroadcast(b Broadcast) Option {
	return func(c *Client) { c.broadcast = b }
}

// WithRuntime selects the environment Login runs in. The default is
// Headless.
func WithRuntime(env RuntimeEnvironment) Option {
	return func(c *Client) {
		if env != nil {
			c.runtime = env
		}
	}
}

// WithCrypto replaces the random source and hash used for PKCE.
func WithCrypto(cr Crypto) Option {
	return func(c *Client) {
		if cr != nil {
			c.crypto = cr
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLinkFactory replaces the GraphQL transport.
func WithLinkFactory(f LinkFactory) Option {
	return func(c *Client) {
		if f != nil {
			c.linkFactory = f
		}
	}
}

// WithRefreshLeadTime sets how long before expiry the scheduled
// renewal runs. The default is one minute.
func WithRefreshLeadTime(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.refreshLead = d
		}
	}
}

// WithSafetyMargin sets how long a token must stay valid for GetLink to
// use it without renewing. The default is five minutes.
func WithSafetyMargin(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.safetyMargin = d
		}
	}
}

package agion

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
// If not set, defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer for SDK metrics.
// If not set, each Client registers into its own private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = reg
	}
}

// WithInstanceID overrides the generated instance identifier used to
// scope the response stream. Useful for stable identities across
// restarts.
func WithInstanceID(id string) Option {
	return func(c *Client) {
		c.instanceID = id
	}
}

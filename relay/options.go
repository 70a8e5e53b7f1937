package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/perspective-dev/psprelay/lifecycle"
)

// DefaultInboxSize is the number of decoded messages buffered ahead of the
// worker before the transport reader blocks.
const DefaultInboxSize = 64

// Option configures a Relay.
type Option func(*relayConfig)

type relayConfig struct {
	loadTimeout time.Duration
	inboxSize   int
	logger      *zap.Logger
	metrics     *Metrics
	id          string
}

func defaultRelayConfig() relayConfig {
	return relayConfig{
		loadTimeout: lifecycle.DefaultTimeout,
		inboxSize:   DefaultInboxSize,
		logger:      zap.NewNop(),
	}
}

// WithLoadTimeout bounds engine loading.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *relayConfig) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// WithInboxSize sets the inbound message buffer.
func WithInboxSize(n int) Option {
	return func(c *relayConfig) {
		if n > 0 {
			c.inboxSize = n
		}
	}
}

// WithLogger sets the logger. Every entry carries the relay id.
func WithLogger(l *zap.Logger) Option {
	return func(c *relayConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records relay activity into m.
func WithMetrics(m *Metrics) Option {
	return func(c *relayConfig) {
		c.metrics = m
	}
}

// WithID overrides the generated relay id.
func WithID(id string) Option {
	return func(c *relayConfig) {
		if id != "" {
			c.id = id
		}
	}
}

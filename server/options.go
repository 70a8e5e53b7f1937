package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/perspective-dev/psprelay/lifecycle"
	"github.com/perspective-dev/psprelay/transport"
)

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	logger          *zap.Logger
	registry        *prometheus.Registry
	loadTimeout     time.Duration
	maxConnections  int        // 0 = unlimited
	acceptRate      rate.Limit // 0 = unlimited
	acceptBurst     int
	allowedOrigins  []string
	socketOpts      []transport.SocketOption
	shutdownTimeout time.Duration
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		logger:          zap.NewNop(),
		loadTimeout:     lifecycle.DefaultTimeout,
		allowedOrigins:  []string{"*"},
		shutdownTimeout: 10 * time.Second,
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *serverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegistry registers server and relay metrics with reg and serves it on
// /metrics. By default a private registry is used.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *serverConfig) {
		c.registry = reg
	}
}

// WithLoadTimeout bounds engine loading for every connection.
func WithLoadTimeout(d time.Duration) Option {
	return func(c *serverConfig) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// WithMaxConnections caps concurrent connections. Zero means no cap.
func WithMaxConnections(n int) Option {
	return func(c *serverConfig) {
		if n >= 0 {
			c.maxConnections = n
		}
	}
}

// WithAcceptRate limits new connections to perSecond with the given burst.
// Zero disables the limit.
func WithAcceptRate(perSecond float64, burst int) Option {
	return func(c *serverConfig) {
		c.acceptRate = rate.Limit(perSecond)
		c.acceptBurst = burst
	}
}

// WithAllowedOrigins restricts WebSocket upgrades to the given origins. "*"
// allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *serverConfig) {
		c.allowedOrigins = origins
	}
}

// WithSocketOptions applies opts to every accepted connection.
func WithSocketOptions(opts ...transport.SocketOption) Option {
	return func(c *serverConfig) {
		c.socketOpts = append(c.socketOpts, opts...)
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *serverConfig) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

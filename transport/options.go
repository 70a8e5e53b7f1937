package transport

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Socket defaults.
const (
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadLimit        = 64 << 20
	DefaultHandshakeTimeout = 45 * time.Second
)

// SocketOption configures a Socket.
type SocketOption func(*socketConfig)

type socketConfig struct {
	writeTimeout     time.Duration
	pingInterval     time.Duration // 0 disables keepalive pings
	readLimit        int64
	handshakeTimeout time.Duration
	header           http.Header
	logger           *zap.Logger
}

func defaultSocketConfig() socketConfig {
	return socketConfig{
		writeTimeout:     DefaultWriteTimeout,
		pingInterval:     DefaultPingInterval,
		readLimit:        DefaultReadLimit,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           zap.NewNop(),
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) SocketOption {
	return func(c *socketConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithPingInterval sets the keepalive ping period. The peer must answer
// within two periods or the socket is closed. Zero disables pings.
func WithPingInterval(d time.Duration) SocketOption {
	return func(c *socketConfig) {
		if d >= 0 {
			c.pingInterval = d
		}
	}
}

// WithReadLimit caps the size of a single inbound frame.
func WithReadLimit(n int64) SocketOption {
	return func(c *socketConfig) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithHandshakeTimeout bounds the opening handshake of DialSocket.
func WithHandshakeTimeout(d time.Duration) SocketOption {
	return func(c *socketConfig) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithHeader sets extra request headers for DialSocket.
func WithHeader(h http.Header) SocketOption {
	return func(c *socketConfig) {
		c.header = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SocketOption {
	return func(c *socketConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

package client

import "go.uber.org/zap"

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	logger  *zap.Logger
	onPush  func([]byte)
	onError func(error)
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		logger:  zap.NewNop(),
		onPush:  func([]byte) {},
		onError: func(error) {},
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPushHandler receives untagged engine output: poll results and responses
// to bare Sends. It runs on the receive goroutine.
func WithPushHandler(fn func([]byte)) Option {
	return func(c *clientConfig) {
		if fn != nil {
			c.onPush = fn
		}
	}
}

// WithErrorHandler receives relay errors that carry no request id, such as
// malformed-message reports.
func WithErrorHandler(fn func(error)) Option {
	return func(c *clientConfig) {
		if fn != nil {
			c.onError = fn
		}
	}
}

package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/perspective-dev/psprelay/engine"
	psperrors "github.com/perspective-dev/psprelay/errors"
)

// DefaultTimeout bounds how long a load may take before the handle fails.
const DefaultTimeout = 30 * time.Second

// Loader instantiates an engine from source. An empty source asks the loader
// for its default engine.
type Loader func(ctx context.Context, source []byte) (engine.Engine, error)

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	timeout time.Duration
	logger  *zap.Logger
}

func defaultManagerConfig() managerConfig {
	return managerConfig{
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
}

// WithTimeout sets the load deadline. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *managerConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *managerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Manager owns the single engine of one relay instance.
type Manager struct {
	loader  Loader
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	handle *Handle
	cancel context.CancelFunc
	closed bool
}

// NewManager creates a Manager that loads engines with loader.
func NewManager(loader Loader, opts ...Option) *Manager {
	cfg := defaultManagerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		loader:  loader,
		timeout: cfg.timeout,
		logger:  cfg.logger,
	}
}

// Timeout returns the configured load deadline.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Load returns the manager's handle, starting the load on the first call.
// Later calls return the same handle and ignore source.
func (m *Manager) Load(ctx context.Context, source []byte) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		return m.handle
	}

	h := newHandle()
	m.handle = h
	if m.closed {
		h.Fail(psperrors.ErrTransportClosed)
		return h
	}

	loadCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	timeout := m.timeout
	h.arm(timeout, func() {
		if h.Fail(fmt.Errorf("%w after %s", psperrors.ErrLoadTimeout, timeout)) {
			m.logger.Warn("engine load timed out", zap.Duration("timeout", timeout))
			cancel()
		}
	})

	go func() {
		defer cancel()

		start := time.Now()
		e, err := m.loader(loadCtx, source)
		if err != nil {
			if h.Fail(err) {
				m.logger.Warn("engine load failed", zap.Error(err))
			}
			return
		}
		if !h.Loaded(e) {
			m.logger.Warn("discarding engine loaded after resolution",
				zap.Stringer("state", h.State()),
				zap.Duration("elapsed", time.Since(start)),
			)
			e.Close(context.Background())
			return
		}
		m.logger.Debug("engine loaded", zap.Duration("elapsed", time.Since(start)))
	}()

	return h
}

// Handle returns the current handle, or nil before the first Load.
func (m *Manager) Handle() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Engine awaits the loaded engine. Before any Load it fails with
// psperrors.ErrEngineNotReady.
func (m *Manager) Engine(ctx context.Context) (engine.Engine, error) {
	h := m.Handle()
	if h == nil {
		return nil, psperrors.ErrEngineNotReady
	}
	return h.Await(ctx)
}

// Close fails any pending handle with psperrors.ErrTransportClosed, aborts an
// in-flight load and closes a loaded engine. An engine whose load finishes
// after Close is closed by the load goroutine.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.handle
	cancel := m.cancel
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	h.Fail(psperrors.ErrTransportClosed)
	if cancel != nil {
		cancel()
	}

	if h.State() == Loaded {
		e, _ := h.result()
		return e.Close(ctx)
	}
	return nil
}

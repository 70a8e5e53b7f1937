package engine

import "go.uber.org/zap"

// RuntimeOption configures the Runtime at creation time.
type RuntimeOption func(*runtimeConfig)

type runtimeConfig struct {
	diskCache        bool
	cacheDir         string
	precompile       [][]byte // Engine binaries to compile at startup
	memoryLimitPages uint32   // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *zap.Logger
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		memoryLimitPages: 0, // 0 means use wazero default (65536 pages = 4GB)
		logger:           zap.NewNop(),
	}
}

// WithDiskCache enables a persistent compilation cache so a restarted server
// does not recompile the engine. Optionally provide a custom directory;
// otherwise uses ~/.cache/psprelay or XDG_CACHE_HOME/psprelay.
//
// Examples:
//
//	engine.NewRuntime(ctx, engine.WithDiskCache())            // default dir
//	engine.NewRuntime(ctx, engine.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) RuntimeOption {
	return func(c *runtimeConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithPrecompile compiles the given engine binaries at Runtime creation time.
// This moves the compilation cost to startup rather than the first init.
func WithPrecompile(binaries ...[]byte) RuntimeOption {
	return func(c *runtimeConfig) {
		c.precompile = binaries
	}
}

// WithMemoryLimit sets the maximum memory available to each engine instance.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(4096) = 256MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) RuntimeOption {
	return func(c *runtimeConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger receiving runtime events and engine log lines.
func WithLogger(l *zap.Logger) RuntimeOption {
	return func(c *runtimeConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)

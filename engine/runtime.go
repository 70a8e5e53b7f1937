package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	psperrors "github.com/perspective-dev/psprelay/errors"
)

// ErrRuntimeClosed is returned by Load after Close.
var ErrRuntimeClosed = errors.New("runtime closed")

// Runtime manages the wazero runtime and compiled engine caching.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewRuntime creates a Runtime with WASI and the psp_host imports installed.
func NewRuntime(ctx context.Context, opts ...RuntimeOption) (*Runtime, error) {
	cfg := defaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	if err := instantiateHost(ctx, rt, cfg.logger); err != nil {
		closeAll(ctx, rt, cache)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	r := &Runtime{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		logger:   cfg.logger,
	}

	for _, bin := range cfg.precompile {
		if _, err := r.getCompiled(ctx, bin); err != nil {
			r.Close(ctx)
			return nil, fmt.Errorf("precompile engine: %w", err)
		}
	}

	return r, nil
}

// Load compiles (or reuses) the engine binary and instantiates a new engine.
func (r *Runtime) Load(ctx context.Context, wasm []byte) (*Module, error) {
	if len(wasm) == 0 {
		return nil, errors.New("load engine: empty binary")
	}

	compiled, err := r.getCompiled(ctx, wasm)
	if err != nil {
		return nil, err
	}

	logOut := newLogWriter(r.logger, "stdout")
	logErr := newLogWriter(r.logger, "stderr")

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStdout(logOut).
		WithStderr(logErr).
		WithStartFunctions("_initialize")

	mod, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		logOut.Close()
		logErr.Close()
		return nil, fmt.Errorf("instantiate engine: %w", err)
	}

	m, err := newModule(ctx, mod, r.logger, logOut, logErr)
	if err != nil {
		mod.Close(ctx)
		logOut.Close()
		logErr.Close()
		return nil, err
	}
	return m, nil
}

// Loader returns a load function for the lifecycle manager. An init that
// carries no engine binary falls back to fallback; with neither, the load
// fails with psperrors.ErrEngineNotReady.
func (r *Runtime) Loader(fallback []byte) func(context.Context, []byte) (Engine, error) {
	return func(ctx context.Context, source []byte) (Engine, error) {
		if len(source) == 0 {
			source = fallback
		}
		if len(source) == 0 {
			return nil, fmt.Errorf("no engine binary supplied and no default configured: %w", psperrors.ErrEngineNotReady)
		}
		m, err := r.Load(ctx, source)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (r *Runtime) getCompiled(ctx context.Context, wasm []byte) (wazero.CompiledModule, error) {
	sum := sha256.Sum256(wasm)
	key := hex.EncodeToString(sum[:])

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrRuntimeClosed
	}
	if compiled, ok := r.compiled[key]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRuntimeClosed
	}
	if compiled, ok := r.compiled[key]; ok {
		return compiled, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile engine %s: %w", key[:12], err)
	}

	r.logger.Debug("engine compiled", zap.String("sha256", key), zap.Int("bytes", len(wasm)))
	r.compiled[key] = compiled
	return compiled, nil
}

// Close releases all resources held by the Runtime, including every engine
// instance it created.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func closeAll(ctx context.Context, rt wazero.Runtime, cache wazero.CompilationCache) {
	rt.Close(ctx)
	if cache != nil {
		cache.Close(ctx)
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "psprelay")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "psprelay")
	}
	return filepath.Join(os.TempDir(), "psprelay-cache")
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	psperrors "github.com/perspective-dev/psprelay/errors"
)

var (
	ErrModuleClosed  = errors.New("engine module closed")
	ErrInvalidModule = errors.New("invalid engine module")
)

// Module is one instantiated engine. Calls are serialized internally.
type Module struct {
	mod    api.Module
	mem    api.Memory
	alloc  api.Function
	free   api.Function
	handle api.Function
	poll   api.Function
	logger *zap.Logger
	logs   []io.Closer

	mu     sync.Mutex
	closed bool
}

var _ Engine = (*Module)(nil)

func newModule(ctx context.Context, mod api.Module, logger *zap.Logger, logs ...io.Closer) (*Module, error) {
	m := &Module{
		mod:    mod,
		mem:    mod.ExportedMemory("memory"),
		alloc:  mod.ExportedFunction("alloc"),
		free:   mod.ExportedFunction("free"),
		handle: mod.ExportedFunction("handle_message"),
		poll:   mod.ExportedFunction("poll"),
		logger: logger,
		logs:   logs,
	}

	if m.mem == nil {
		m.mem = mod.Memory()
	}
	switch {
	case m.mem == nil:
		return nil, fmt.Errorf("%w: no exported memory", ErrInvalidModule)
	case m.alloc == nil:
		return nil, fmt.Errorf("%w: missing export %q", ErrInvalidModule, "alloc")
	case m.handle == nil:
		return nil, fmt.Errorf("%w: missing export %q", ErrInvalidModule, "handle_message")
	case m.poll == nil:
		return nil, fmt.Errorf("%w: missing export %q", ErrInvalidModule, "poll")
	}

	if init := mod.ExportedFunction("init"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			return nil, fmt.Errorf("engine init: %w", err)
		}
	}

	return m, nil
}

// HandleMessage implements Engine.
func (m *Module) HandleMessage(ctx context.Context, req []byte) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrModuleClosed
	}

	ptr, err := m.write(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := m.handle.Call(ctx, uint64(ptr), uint64(len(req)))
	m.release(ctx, ptr, uint32(len(req)))
	if err != nil {
		return nil, fmt.Errorf("handle_message: %w: %w", psperrors.ErrEngineFailure, err)
	}

	return m.readBatch(ctx, res[0])
}

// Poll implements Engine.
func (m *Module) Poll(ctx context.Context) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrModuleClosed
	}

	res, err := m.poll.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll: %w: %w", psperrors.ErrEngineFailure, err)
	}

	return m.readBatch(ctx, res[0])
}

// Close implements Engine.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	err := m.mod.Close(ctx)
	for _, l := range m.logs {
		l.Close()
	}
	return err
}

func (m *Module) write(ctx context.Context, data []byte) (uint32, error) {
	res, err := m.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc %d bytes: %w: %w", len(data), psperrors.ErrEngineFailure, err)
	}

	ptr := uint32(res[0])
	if !m.mem.Write(ptr, data) {
		return 0, fmt.Errorf("write %d bytes at %#x: out of bounds: %w", len(data), ptr, psperrors.ErrEngineFailure)
	}
	return ptr, nil
}

func (m *Module) readBatch(ctx context.Context, packed uint64) (Batch, error) {
	ptr := uint32(packed >> 32)
	size := uint32(packed)
	if size == 0 {
		return nil, nil
	}

	data, ok := m.mem.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("read batch of %d bytes at %#x: out of bounds: %w", size, ptr, psperrors.ErrEngineFailure)
	}

	batch, err := DecodeBatch(data)
	m.release(ctx, ptr, size)
	return batch, err
}

// release hands a buffer back to the guest allocator when it exports free.
func (m *Module) release(ctx context.Context, ptr, size uint32) {
	if m.free == nil {
		return
	}
	if _, err := m.free.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		m.logger.Warn("engine free failed", zap.Uint32("ptr", ptr), zap.Error(err))
	}
}

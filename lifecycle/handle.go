// Package lifecycle loads the compute engine once per relay and shares the
// result with every caller through a [Handle].
//
// A Handle starts Pending and resolves exactly once, to Loaded or Failed. The
// load deadline is armed when the handle is created; if it fires first, every
// current and future awaiter sees [psperrors.ErrLoadTimeout] and a later
// successful load is discarded.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/perspective-dev/psprelay/engine"
)

// State is the resolution state of a Handle.
type State int

const (
	Pending State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handle is a lazily loaded engine shared by all awaiters.
type Handle struct {
	mu     sync.Mutex
	state  State
	engine engine.Engine
	err    error
	done   chan struct{}
	timer  *time.Timer
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// arm starts the load deadline. fire runs when the deadline wins.
func (h *Handle) arm(timeout time.Duration, fire func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Pending {
		return
	}
	h.timer = time.AfterFunc(timeout, fire)
}

// Loaded resolves the handle to e. It reports false if the handle was already
// resolved, in which case the caller still owns e.
func (h *Handle) Loaded(e engine.Engine) bool {
	return h.resolve(Loaded, e, nil)
}

// Fail resolves the handle to err. It reports false if the handle was already
// resolved.
func (h *Handle) Fail(err error) bool {
	return h.resolve(Failed, nil, err)
}

func (h *Handle) resolve(state State, e engine.Engine, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != Pending {
		return false
	}
	h.state = state
	h.engine = e
	h.err = err
	if h.timer != nil {
		h.timer.Stop()
	}
	close(h.done)
	return true
}

// Await blocks until the handle resolves or ctx is done.
func (h *Handle) Await(ctx context.Context) (engine.Engine, error) {
	select {
	case <-h.done:
		return h.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure, or nil while pending or once loaded.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) result() (engine.Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine, h.err
}

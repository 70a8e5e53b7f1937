package transport

import (
	"bytes"
	"context"
	"sync"

	psperrors "github.com/perspective-dev/psprelay/errors"
	"github.com/perspective-dev/psprelay/protocol"
)

// DefaultPipeBuffer is the per-direction frame buffer of a Pipe.
const DefaultPipeBuffer = 64

// Worker is one end of an in-process pipe. Frames are copied on Send, so the
// two ends never share buffers.
type Worker struct {
	in     <-chan protocol.Frame
	out    chan<- protocol.Frame
	closed chan struct{}
	once   *sync.Once
}

var _ Transport = (*Worker)(nil)

// Pipe returns two connected Worker ends. Closing either end closes both.
func Pipe(buffer int) (*Worker, *Worker) {
	if buffer < 0 {
		buffer = DefaultPipeBuffer
	}
	ab := make(chan protocol.Frame, buffer)
	ba := make(chan protocol.Frame, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &Worker{in: ba, out: ab, closed: closed, once: once}
	b := &Worker{in: ab, out: ba, closed: closed, once: once}
	return a, b
}

// Send implements Transport.
func (w *Worker) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-w.closed:
		return psperrors.ErrTransportClosed
	default:
	}

	f.Data = bytes.Clone(f.Data)
	select {
	case w.out <- f:
		return nil
	case <-w.closed:
		return psperrors.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve implements Transport.
func (w *Worker) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case f := <-w.in:
			h(f)
		case <-w.closed:
			return psperrors.ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close implements Transport.
func (w *Worker) Close() error {
	w.once.Do(func() { close(w.closed) })
	return nil
}

// Done is closed once the pipe is closed from either end.
func (w *Worker) Done() <-chan struct{} {
	return w.closed
}

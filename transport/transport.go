// Package transport carries protocol frames between a relay and its client.
//
// Two implementations satisfy [Transport]: [Worker], an in-process channel
// pipe, and [Socket], a WebSocket connection. Both deliver frames in exact
// sender order. Once a transport is closed every outstanding and future Send,
// and the open gate of a socket, fail with [psperrors.ErrTransportClosed].
package transport

import (
	"context"

	"github.com/perspective-dev/psprelay/protocol"
)

// Handler receives inbound frames in arrival order. It runs on the transport's
// receive goroutine and should hand work off rather than block.
type Handler func(protocol.Frame)

// Transport is one end of a bidirectional frame stream.
type Transport interface {
	// Send writes one frame. Frames of a multi-frame message must be sent by
	// a single goroutine back to back.
	Send(ctx context.Context, f protocol.Frame) error
	// Serve delivers inbound frames to h until the transport closes or ctx is
	// done. It returns psperrors.ErrTransportClosed once closed.
	Serve(ctx context.Context, h Handler) error
	// Close tears the transport down. It is safe to call more than once.
	Close() error
}

// SendMessage encodes m and sends its frames in order.
func SendMessage(ctx context.Context, t Transport, m protocol.Message) error {
	frames, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := t.Send(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

package engine

import "context"

// Batch is the ordered list of buffers returned by a single engine call.
type Batch [][]byte

// Engine is the binary-protocol compute backend the relay forwards to.
// Implementations are not safe for concurrent use; callers serialize access.
type Engine interface {
	// HandleMessage submits one request and returns its direct responses.
	HandleMessage(ctx context.Context, req []byte) (Batch, error)

	// Poll returns engine-originated output not tied to an open request.
	// An empty batch is a normal result.
	Poll(ctx context.Context) (Batch, error)

	// Close releases the engine instance.
	Close(ctx context.Context) error
}

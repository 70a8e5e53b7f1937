package relay

import (
	"context"

	"github.com/perspective-dev/psprelay/lifecycle"
	"github.com/perspective-dev/psprelay/transport"
)

// Spawn starts a relay on one end of an in-process pipe and returns the
// other end for the client. The relay runs until ctx is done or either end
// is closed.
func Spawn(ctx context.Context, loader lifecycle.Loader, opts ...Option) (*transport.Worker, *Relay) {
	client, worker := transport.Pipe(transport.DefaultPipeBuffer)
	r := New(worker, loader, opts...)
	go r.Run(ctx)
	return client, r
}

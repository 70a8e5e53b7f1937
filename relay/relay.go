// Package relay forwards client messages to a compute engine and relays its
// output back over the same transport.
//
// Each Relay owns one transport, one engine handle and one worker goroutine.
// The worker processes inbound messages one at a time. After a message's
// immediate responses have been sent the worker runs one poll cycle, draining
// engine output that the message triggered, before it accepts the next
// inbound message. Drain requests coalesce: at most one is ever pending.
//
// Basic usage:
//
//	r := relay.New(tr, rt.Loader(defaultEngine), relay.WithLogger(logger))
//	go r.Run(ctx)
//
// For an in-process pair use [Spawn].
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	psperrors "github.com/perspective-dev/psprelay/errors"
	"github.com/perspective-dev/psprelay/lifecycle"
	"github.com/perspective-dev/psprelay/protocol"
	"github.com/perspective-dev/psprelay/transport"
)

// closeTimeout bounds engine teardown when a relay closes.
const closeTimeout = 5 * time.Second

// Relayed message sources, used for metrics.
const (
	sourceResponse = "response"
	sourcePoll     = "poll"
	sourceControl  = "control"
	sourceError    = "error"
)

// inbound is one decoded message, or the decode failure in its place.
type inbound struct {
	msg protocol.Message
	err error
}

// Relay bridges one transport to one engine.
type Relay struct {
	id        string
	created   time.Time
	transport transport.Transport
	lifecycle *lifecycle.Manager
	logger    *zap.Logger
	metrics   *Metrics

	decoder *protocol.Decoder // receive goroutine only
	inbox   chan inbound
	drainCh chan struct{}

	engineMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc // cancels Run's context, aborting engine calls

	closed    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once

	received atomic.Uint64
	sent     atomic.Uint64
	polls    atomic.Uint64
}

// New creates a Relay over t that loads its engine with loader. Call Run to
// start it.
func New(t transport.Transport, loader lifecycle.Loader, opts ...Option) *Relay {
	cfg := defaultRelayConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	id := cfg.id
	if id == "" {
		id = ulid.Make().String()
	}
	logger := cfg.logger.With(zap.String("relay_id", id))

	return &Relay{
		id:        id,
		created:   time.Now(),
		transport: t,
		lifecycle: lifecycle.NewManager(loader,
			lifecycle.WithTimeout(cfg.loadTimeout),
			lifecycle.WithLogger(logger),
		),
		logger:  logger,
		metrics: cfg.metrics,
		decoder: protocol.NewDecoder(),
		inbox:   make(chan inbound, cfg.inboxSize),
		drainCh: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

// ID returns the relay's unique id.
func (r *Relay) ID() string {
	return r.id
}

// Lifecycle returns the manager that owns the relay's engine.
func (r *Relay) Lifecycle() *lifecycle.Manager {
	return r.lifecycle
}

// Done is closed once the relay has been closed.
func (r *Relay) Done() <-chan struct{} {
	return r.closed
}

// Run receives from the transport and processes messages until the transport
// closes, ctx is done or Close is called. A transport closed by either side is
// a normal exit and returns nil.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Debug("relay started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.runMu.Lock()
	r.cancel = cancel
	r.runMu.Unlock()
	select {
	case <-r.closed:
		cancel()
	default:
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := r.transport.Serve(gctx, r.HandleInbound)
		// Pending awaiters see ErrTransportClosed rather than the cancelled
		// context. The engine itself is closed once the worker has exited.
		r.shutdown()
		return err
	})
	g.Go(func() error {
		return r.loop(gctx)
	})

	err := g.Wait()
	r.Close()

	if errors.Is(err, psperrors.ErrTransportClosed) || errors.Is(err, context.Canceled) {
		r.logger.Debug("relay stopped")
		return nil
	}
	r.logger.Warn("relay stopped", zap.Error(err))
	return err
}

// HandleInbound decodes one frame from the transport and queues the completed
// message for the worker. Frames must be passed in arrival order from a single
// goroutine. It blocks while the inbox is full.
func (r *Relay) HandleInbound(f protocol.Frame) {
	msg, complete, err := r.decoder.Decode(f)
	if err != nil {
		r.enqueue(inbound{err: err})
		return
	}
	if complete {
		r.enqueue(inbound{msg: msg})
	}
}

func (r *Relay) enqueue(in inbound) {
	select {
	case r.inbox <- in:
	case <-r.closed:
	}
}

// ScheduleDrain requests one poll cycle. The cycle runs after the current
// message and before the next one. A request made while another is pending is
// a no-op.
func (r *Relay) ScheduleDrain() {
	select {
	case r.drainCh <- struct{}{}:
	default:
		r.metrics.recordCoalesced()
	}
}

func (r *Relay) loop(ctx context.Context) error {
	for {
		// A pending drain always runs before the next inbound message.
		select {
		case <-r.drainCh:
			if err := r.drain(ctx); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-r.drainCh:
			if err := r.drain(ctx); err != nil {
				return err
			}
		case in := <-r.inbox:
			if err := r.process(ctx, in); err != nil {
				return err
			}
		case <-r.closed:
			return psperrors.ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process handles one inbound message. Only transport failures are returned;
// everything else is reported to the client.
func (r *Relay) process(ctx context.Context, in inbound) error {
	r.received.Add(1)

	if in.err != nil {
		r.metrics.recordInbound("malformed")
		var raw []byte
		var me *psperrors.MalformedError
		if errors.As(in.err, &me) {
			raw = me.Raw
		}
		r.logger.Warn("malformed inbound message", zap.Binary("raw", raw), zap.Error(in.err))
		return r.sendError(ctx, nil, in.err)
	}

	msg := in.msg
	switch {
	case msg.IsBootstrap():
		r.metrics.recordInbound("init")
		return r.bootstrap(ctx, msg)
	case msg.Cmd == protocol.CmdReply || msg.Cmd == protocol.CmdError:
		r.metrics.recordInbound("malformed")
		err := psperrors.Malformed(nil, fmt.Sprintf("unexpected command %q from client", msg.Cmd), nil)
		r.logger.Warn("malformed inbound message", zap.Error(err))
		return r.sendError(ctx, msg.ID, err)
	case len(msg.Attachments) == 0:
		r.metrics.recordInbound("malformed")
		err := psperrors.Malformed(nil, "message carries no engine payload", nil)
		r.logger.Warn("malformed inbound message", zap.String("cmd", msg.Cmd), zap.Error(err))
		return r.sendError(ctx, msg.ID, err)
	case msg.IsBare():
		r.metrics.recordInbound("bare")
	default:
		r.metrics.recordInbound("message")
	}
	return r.operate(ctx, msg)
}

// bootstrap loads the engine and acknowledges with the request's id.
func (r *Relay) bootstrap(ctx context.Context, msg protocol.Message) error {
	if r.lifecycle.Handle() != nil && len(msg.Payload()) > 0 {
		r.logger.Debug("engine already initialized, ignoring init payload",
			zap.Int("bytes", len(msg.Payload())))
	}
	h := r.lifecycle.Load(ctx, msg.Payload())
	_, err := h.Await(ctx)
	if err != nil {
		r.metrics.recordLoad(loadOutcome(err))
		r.logger.Warn("engine bootstrap failed", zap.Error(err))
		return r.sendError(ctx, msg.ID, err)
	}
	r.metrics.recordLoad("loaded")

	if err := r.send(ctx, protocol.Message{ID: msg.ID}, sourceControl); err != nil {
		return err
	}
	r.ScheduleDrain()
	return nil
}

// operate submits the payload to the engine and relays the response batch.
func (r *Relay) operate(ctx context.Context, msg protocol.Message) error {
	e, err := r.lifecycle.Engine(ctx)
	if err != nil {
		return r.sendError(ctx, msg.ID, err)
	}

	r.engineMu.Lock()
	start := time.Now()
	batch, err := e.HandleMessage(ctx, msg.Payload())
	r.metrics.observeEngine("handle_message", start)
	r.engineMu.Unlock()

	if err != nil {
		r.logger.Error("engine handle_message failed", zap.Error(err))
		if !errors.Is(err, psperrors.ErrEngineFailure) {
			err = fmt.Errorf("%w: %w", psperrors.ErrEngineFailure, err)
		}
		return r.sendError(ctx, msg.ID, err)
	}

	for _, buf := range batch {
		if err := r.send(ctx, response(msg.ID, buf), sourceResponse); err != nil {
			return err
		}
	}
	r.ScheduleDrain()
	return nil
}

// drain runs one poll cycle. It is a no-op once the relay is closed or while
// no engine is loaded.
func (r *Relay) drain(ctx context.Context) error {
	select {
	case <-r.closed:
		return psperrors.ErrTransportClosed
	default:
	}

	h := r.lifecycle.Handle()
	if h == nil || h.State() != lifecycle.Loaded {
		return nil
	}
	e, err := h.Await(ctx)
	if err != nil {
		return nil
	}

	r.polls.Add(1)
	r.metrics.recordDrain()

	r.engineMu.Lock()
	start := time.Now()
	batch, err := e.Poll(ctx)
	r.metrics.observeEngine("poll", start)
	r.engineMu.Unlock()

	if err != nil {
		r.logger.Error("engine poll failed", zap.Error(err))
		if !errors.Is(err, psperrors.ErrEngineFailure) {
			err = fmt.Errorf("%w: %w", psperrors.ErrEngineFailure, err)
		}
		return r.sendError(ctx, nil, err)
	}

	for _, buf := range batch {
		if err := r.send(ctx, protocol.Bare(buf), sourcePoll); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) send(ctx context.Context, m protocol.Message, source string) error {
	if err := transport.SendMessage(ctx, r.transport, m); err != nil {
		if errors.Is(err, psperrors.ErrTransportClosed) || ctx.Err() != nil {
			return psperrors.ErrTransportClosed
		}
		// Encoding or write failures other than closure leave the relay usable.
		r.logger.Warn("relay send failed", zap.String("source", source), zap.Error(err))
		return nil
	}
	r.sent.Add(1)
	r.metrics.recordRelayed(source)
	return nil
}

func (r *Relay) sendError(ctx context.Context, id *uint32, err error) error {
	return r.send(ctx, protocol.Message{
		ID:    id,
		Cmd:   protocol.CmdError,
		Error: err.Error(),
		Code:  psperrors.Code(err),
	}, sourceError)
}

// Close stops the relay. Pending engine awaits and in-flight sends fail with
// psperrors.ErrTransportClosed and any scheduled drain is dropped. An engine
// call in progress is aborted through its context. Close is
// safe to call more than once.
func (r *Relay) Close() error {
	err := r.shutdown()
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		if cerr := r.lifecycle.Close(ctx); cerr != nil {
			r.logger.Warn("engine close failed", zap.Error(cerr))
		}
		r.logger.Debug("relay closed")
	})
	return err
}

// shutdown closes the transport, cancels an engine call in progress and fails
// a pending engine handle without waiting on the engine.
func (r *Relay) shutdown() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.closed)
		r.runMu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.runMu.Unlock()
		err = r.transport.Close()
		if h := r.lifecycle.Handle(); h != nil {
			h.Fail(psperrors.ErrTransportClosed)
		}
	})
	return err
}

// Stats is a point-in-time summary of a relay.
type Stats struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	Engine   string    `json:"engine"`
	Received uint64    `json:"received"`
	Sent     uint64    `json:"sent"`
	Polls    uint64    `json:"polls"`
}

// Stats returns current counters.
func (r *Relay) Stats() Stats {
	state := "none"
	if h := r.lifecycle.Handle(); h != nil {
		state = h.State().String()
	}
	return Stats{
		ID:       r.id,
		Created:  r.created,
		Engine:   state,
		Received: r.received.Load(),
		Sent:     r.sent.Load(),
		Polls:    r.polls.Load(),
	}
}

// response tags buf with id when the request carried one. Untagged requests
// get untagged responses.
func response(id *uint32, buf []byte) protocol.Message {
	if id == nil {
		return protocol.Bare(buf)
	}
	return protocol.Message{ID: id, Cmd: protocol.CmdReply, Attachments: [][]byte{buf}}
}

func loadOutcome(err error) string {
	switch {
	case errors.Is(err, psperrors.ErrLoadTimeout):
		return "timeout"
	case errors.Is(err, psperrors.ErrTransportClosed), errors.Is(err, context.Canceled):
		return "closed"
	default:
		return "failed"
	}
}

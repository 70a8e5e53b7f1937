// Package client is the caller side of a relay. It sends the init handshake,
// correlates requests with their replies by id and hands unsolicited engine
// output to a push handler.
//
// A Client works over any transport:
//
//	tr, _ := relay.Spawn(ctx, rt.Loader(nil))
//	c := client.New(tr, client.WithPushHandler(onUpdate))
//	go c.Run(ctx)
//	if err := c.Init(ctx, engineWasm); err != nil { ... }
//	resp, err := c.Request(ctx, req)
package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	psperrors "github.com/perspective-dev/psprelay/errors"
	"github.com/perspective-dev/psprelay/protocol"
	"github.com/perspective-dev/psprelay/transport"
)

// InitID is the correlation id of the init handshake.
const InitID uint32 = 0

type result struct {
	payload []byte
	err     error
}

// Client correlates requests and replies over one transport.
type Client struct {
	tr      transport.Transport
	logger  *zap.Logger
	onPush  func([]byte)
	onError func(error)

	sendMu sync.Mutex

	mu     sync.Mutex
	nextID uint32
	once   map[uint32]chan result
	many   map[uint32]func([]byte, error)
	closed bool
	done   chan struct{}
}

// New creates a Client over tr. Call Run to start receiving.
func New(tr transport.Transport, opts ...Option) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		tr:      tr,
		logger:  cfg.logger,
		onPush:  cfg.onPush,
		onError: cfg.onError,
		nextID:  InitID + 1,
		once:    make(map[uint32]chan result),
		many:    make(map[uint32]func([]byte, error)),
		done:    make(chan struct{}),
	}
}

// Run dispatches inbound messages until the transport closes or ctx is done.
// Outstanding requests then fail with psperrors.ErrTransportClosed.
func (c *Client) Run(ctx context.Context) error {
	dec := protocol.NewDecoder()
	err := c.tr.Serve(ctx, func(f protocol.Frame) {
		m, complete, err := dec.Decode(f)
		if err != nil {
			c.logger.Warn("undecodable frame from relay", zap.Error(err))
			return
		}
		if complete {
			c.dispatch(m)
		}
	})
	c.failAll()
	return err
}

func (c *Client) dispatch(m protocol.Message) {
	var err error
	if m.Cmd == protocol.CmdError {
		err = psperrors.FromCode(m.Code, m.Error)
	}

	if !m.HasID() {
		if err != nil {
			c.onError(err)
			return
		}
		for _, a := range m.Attachments {
			c.onPush(a)
		}
		return
	}

	id := m.IDValue()
	c.mu.Lock()
	ch, isOnce := c.once[id]
	if isOnce {
		delete(c.once, id)
	}
	fn := c.many[id]
	c.mu.Unlock()

	switch {
	case isOnce:
		ch <- result{payload: m.Payload(), err: err}
	case fn != nil:
		fn(m.Payload(), err)
	default:
		c.logger.Debug("reply for unknown request", zap.Uint32("id", id), zap.String("cmd", m.Cmd))
	}
}

// Init loads the relay's engine. An empty wasm asks the relay for its
// configured default engine.
func (c *Client) Init(ctx context.Context, wasm []byte) error {
	msg := protocol.Message{ID: protocol.ID(InitID), Cmd: protocol.CmdInit}
	if len(wasm) > 0 {
		msg.Attachments = [][]byte{wasm}
	}
	_, err := c.roundTrip(ctx, InitID, msg)
	return err
}

// Request sends payload with a fresh id and returns the first reply.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	id := c.allocID()
	return c.roundTrip(ctx, id, protocol.Message{
		ID:          protocol.ID(id),
		Cmd:         protocol.CmdMessage,
		Attachments: [][]byte{payload},
	})
}

// Subscribe sends payload and calls fn for every reply carrying its id until
// Unsubscribe. It returns the id.
func (c *Client) Subscribe(ctx context.Context, payload []byte, fn func([]byte, error)) (uint32, error) {
	id := c.allocID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, psperrors.ErrTransportClosed
	}
	c.many[id] = fn
	c.mu.Unlock()

	err := c.send(ctx, protocol.Message{
		ID:          protocol.ID(id),
		Cmd:         protocol.CmdMessage,
		Attachments: [][]byte{payload},
	})
	if err != nil {
		c.Unsubscribe(id)
		return 0, err
	}
	return id, nil
}

// Unsubscribe stops delivering replies for id.
func (c *Client) Unsubscribe(id uint32) {
	c.mu.Lock()
	delete(c.many, id)
	c.mu.Unlock()
}

// Send writes payload as a bare engine message. Its responses arrive through
// the push handler.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	return c.send(ctx, protocol.Bare(payload))
}

// Close closes the transport and fails outstanding requests.
func (c *Client) Close() error {
	err := c.tr.Close()
	c.failAll()
	return err
}

// Done is closed once the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) roundTrip(ctx context.Context, id uint32, msg protocol.Message) ([]byte, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, psperrors.ErrTransportClosed
	}
	c.once[id] = ch
	c.mu.Unlock()

	if err := c.send(ctx, msg); err != nil {
		c.forget(id, ch)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-ctx.Done():
		c.forget(id, ch)
		return nil, ctx.Err()
	}
}

// send keeps the frames of one message adjacent on the wire.
func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return transport.SendMessage(ctx, c.tr, msg)
}

func (c *Client) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.nextID == InitID {
		c.nextID++
	}
	return id
}

func (c *Client) forget(id uint32, ch chan result) {
	c.mu.Lock()
	if c.once[id] == ch {
		delete(c.once, id)
	}
	c.mu.Unlock()
}

func (c *Client) failAll() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	once := c.once
	many := c.many
	c.once = make(map[uint32]chan result)
	c.many = make(map[uint32]func([]byte, error))
	close(c.done)
	c.mu.Unlock()

	for _, ch := range once {
		ch <- result{err: psperrors.ErrTransportClosed}
	}
	for _, fn := range many {
		fn(nil, psperrors.ErrTransportClosed)
	}
}

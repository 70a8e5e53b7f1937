package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	psperrors "github.com/perspective-dev/psprelay/errors"
	"github.com/perspective-dev/psprelay/protocol"
)

// Socket is a Transport over a WebSocket connection. Sends wait for the
// connection to open before writing.
type Socket struct {
	cfg socketConfig

	mu      sync.Mutex
	open    chan struct{} // closed once the dial finished
	conn    *websocket.Conn
	dialErr error

	closed    chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
}

var _ Transport = (*Socket)(nil)

// DialSocket starts connecting to url in the background and returns
// immediately. Send and Serve wait for the connection to open.
func DialSocket(ctx context.Context, url string, opts ...SocketOption) *Socket {
	s := newSocket(opts)

	go func() {
		dialer := &websocket.Dialer{HandshakeTimeout: s.cfg.handshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, url, s.cfg.header)

		s.mu.Lock()
		defer s.mu.Unlock()
		defer close(s.open)

		if err != nil {
			s.cfg.logger.Warn("websocket dial failed", zap.String("url", url), zap.Error(err))
			s.dialErr = fmt.Errorf("dial %s: %w", url, err)
			return
		}
		if s.isClosed() {
			conn.Close()
			s.dialErr = psperrors.ErrTransportClosed
			return
		}
		s.conn = conn
		s.cfg.logger.Debug("websocket open", zap.String("url", url))
	}()

	return s
}

// NewSocket wraps an already open connection, typically one accepted by a
// websocket.Upgrader.
func NewSocket(conn *websocket.Conn, opts ...SocketOption) *Socket {
	s := newSocket(opts)
	s.conn = conn
	close(s.open)
	return s
}

func newSocket(opts []SocketOption) *Socket {
	cfg := defaultSocketConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Socket{
		cfg:    cfg,
		open:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// waitOpen is the open gate. It resolves once per socket; later calls return
// immediately.
func (s *Socket) waitOpen(ctx context.Context) error {
	select {
	case <-s.closed:
		return psperrors.ErrTransportClosed
	default:
	}

	select {
	case <-s.open:
		if s.dialErr != nil {
			return s.dialErr
		}
		select {
		case <-s.closed:
			return psperrors.ErrTransportClosed
		default:
			return nil
		}
	case <-s.closed:
		return psperrors.ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements Transport.
func (s *Socket) Send(ctx context.Context, f protocol.Frame) error {
	if err := s.waitOpen(ctx); err != nil {
		return err
	}

	var mt int
	switch f.Kind {
	case protocol.FrameText:
		mt = websocket.TextMessage
	case protocol.FrameBinary:
		mt = websocket.BinaryMessage
	default:
		return fmt.Errorf("send frame: unknown kind %d", f.Kind)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(s.cfg.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteMessage(mt, f.Data); err != nil {
		if s.isClosed() {
			return psperrors.ErrTransportClosed
		}
		return fmt.Errorf("write %s frame: %w", f.Kind, err)
	}
	return nil
}

// Serve implements Transport.
func (s *Socket) Serve(ctx context.Context, h Handler) error {
	if err := s.waitOpen(ctx); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.conn.SetReadLimit(s.cfg.readLimit)
	if s.cfg.pingInterval > 0 {
		wait := 2 * s.cfg.pingInterval
		s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
		go s.pingLoop()
	}

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return s.readFailed(ctx, err)
		}
		if s.cfg.pingInterval > 0 {
			s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.pingInterval))
		}

		switch mt {
		case websocket.TextMessage:
			h(protocol.TextFrame(data))
		case websocket.BinaryMessage:
			h(protocol.BinaryFrame(data))
		}
	}
}

func (s *Socket) readFailed(ctx context.Context, err error) error {
	wasClosed := s.isClosed()
	s.Close()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case wasClosed:
		return psperrors.ErrTransportClosed
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.cfg.logger.Debug("websocket closed by peer")
		return psperrors.ErrTransportClosed
	default:
		s.cfg.logger.Warn("websocket read failed", zap.Error(err))
		return errors.Join(psperrors.ErrTransportClosed, err)
	}
}

func (s *Socket) pingLoop() {
	ticker := time.NewTicker(s.cfg.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.writeTimeout)); err != nil {
				s.cfg.logger.Debug("websocket ping failed", zap.Error(err))
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Close implements Transport. It sends a close frame when the connection is
// open and fails every outstanding Send with psperrors.ErrTransportClosed.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		conn := s.conn
		s.mu.Unlock()

		// A dial still in flight sees closed and drops its connection.
		if conn == nil {
			return
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

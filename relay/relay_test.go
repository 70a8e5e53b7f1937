package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/perspective-dev/psprelay/engine"
	psperrors "github.com/perspective-dev/psprelay/errors"
	"github.com/perspective-dev/psprelay/lifecycle"
	"github.com/perspective-dev/psprelay/protocol"
	"github.com/perspective-dev/psprelay/transport"
)

// scriptEngine answers each request with respond(req) and queues push(req)
// for the next poll.
type scriptEngine struct {
	respond func(req []byte) (engine.Batch, error)
	push    func(req []byte) engine.Batch

	mu      sync.Mutex
	pending engine.Batch
	polls   atomic.Int32
	closed  atomic.Bool
}

func (e *scriptEngine) HandleMessage(_ context.Context, req []byte) (engine.Batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.push != nil {
		e.pending = append(e.pending, e.push(req)...)
	}
	if e.respond == nil {
		return nil, nil
	}
	return e.respond(req)
}

func (e *scriptEngine) Poll(context.Context) (engine.Batch, error) {
	e.polls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out, nil
}

func (e *scriptEngine) Close(context.Context) error {
	e.closed.Store(true)
	return nil
}

func loaderFor(e engine.Engine) lifecycle.Loader {
	return func(context.Context, []byte) (engine.Engine, error) {
		return e, nil
	}
}

// peer is the client end of a relay under test.
type peer struct {
	t    *testing.T
	tr   transport.Transport
	msgs chan protocol.Message
}

func newPeer(t *testing.T, tr transport.Transport) *peer {
	t.Helper()
	p := &peer{t: t, tr: tr, msgs: make(chan protocol.Message, 256)}
	dec := protocol.NewDecoder()
	go tr.Serve(context.Background(), func(f protocol.Frame) {
		m, complete, err := dec.Decode(f)
		if err != nil {
			t.Errorf("relay sent undecodable frame: %v", err)
			return
		}
		if complete {
			p.msgs <- m
		}
	})
	return p
}

func spawnPeer(t *testing.T, loader lifecycle.Loader, opts ...Option) (*peer, *Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	client, r := Spawn(ctx, loader, opts...)
	t.Cleanup(func() {
		cancel()
		r.Close()
	})
	return newPeer(t, client), r
}

func (p *peer) send(m protocol.Message) {
	p.t.Helper()
	require.NoError(p.t, transport.SendMessage(context.Background(), p.tr, m))
}

func (p *peer) sendFrame(f protocol.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.tr.Send(context.Background(), f))
}

func (p *peer) next() protocol.Message {
	p.t.Helper()
	select {
	case m := <-p.msgs:
		return m
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for relayed message")
		return protocol.Message{}
	}
}

func (p *peer) expectQuiet(d time.Duration) {
	p.t.Helper()
	select {
	case m := <-p.msgs:
		p.t.Fatalf("unexpected message: %+v", m)
	case <-time.After(d):
	}
}

func (p *peer) init() {
	p.t.Helper()
	p.send(protocol.Message{ID: protocol.ID(0), Cmd: protocol.CmdInit})
	ack := p.next()
	require.Equal(p.t, "", ack.Cmd, "init ack carries only the id")
	require.True(p.t, ack.HasID())
	require.Equal(p.t, uint32(0), ack.IDValue())
}

func request(id uint32, payload string) protocol.Message {
	return protocol.Message{ID: protocol.ID(id), Cmd: protocol.CmdMessage, Attachments: [][]byte{[]byte(payload)}}
}

func TestResponsesThenPollBuffer(t *testing.T) {
	e := &scriptEngine{
		respond: func([]byte) (engine.Batch, error) {
			return engine.Batch{[]byte("buf1"), []byte("buf2")}, nil
		},
		push: func([]byte) engine.Batch { return engine.Batch{[]byte("pollbuf")} },
	}
	p, _ := spawnPeer(t, loaderFor(e))
	p.init()

	p.send(request(1, "op"))

	for _, want := range []string{"buf1", "buf2"} {
		m := p.next()
		assert.Equal(t, protocol.CmdReply, m.Cmd)
		assert.Equal(t, uint32(1), m.IDValue())
		assert.Equal(t, want, string(m.Payload()))
	}

	m := p.next()
	assert.True(t, m.IsBare(), "poll output is untagged")
	assert.False(t, m.HasID())
	assert.Equal(t, "pollbuf", string(m.Payload()))

	p.expectQuiet(50 * time.Millisecond)
}

func TestOrderingAcrossRequests(t *testing.T) {
	e := &scriptEngine{
		respond: func(req []byte) (engine.Batch, error) {
			return engine.Batch{append([]byte("resp-"), req...)}, nil
		},
		push: func(req []byte) engine.Batch {
			return engine.Batch{append([]byte("push-"), req...)}
		},
	}
	p, _ := spawnPeer(t, loaderFor(e))
	p.init()

	const n = 50
	for i := 0; i < n; i++ {
		p.send(request(uint32(i+1), fmt.Sprint(i)))
	}

	for i := 0; i < n; i++ {
		resp := p.next()
		require.Equal(t, fmt.Sprintf("resp-%d", i), string(resp.Payload()))
		require.Equal(t, uint32(i+1), resp.IDValue())

		push := p.next()
		require.Equal(t, fmt.Sprintf("push-%d", i), string(push.Payload()))
		require.False(t, push.HasID())
	}
}

func TestEmptyPollRelaysNothing(t *testing.T) {
	e := &scriptEngine{}
	p, r := spawnPeer(t, loaderFor(e))
	p.init()

	require.Eventually(t, func() bool { return e.polls.Load() == 1 }, time.Second, 5*time.Millisecond)
	p.expectQuiet(50 * time.Millisecond)
	assert.Equal(t, uint64(1), r.Stats().Polls)
}

func TestBareRequestGetsBareResponses(t *testing.T) {
	e := &scriptEngine{
		respond: func(req []byte) (engine.Batch, error) {
			return engine.Batch{req}, nil
		},
	}
	p, _ := spawnPeer(t, loaderFor(e))
	p.init()

	p.sendFrame(protocol.BinaryFrame([]byte{0xde, 0xad}))

	m := p.next()
	assert.True(t, m.IsBare())
	assert.Equal(t, []byte{0xde, 0xad}, m.Payload())
}

func TestDrainCoalesces(t *testing.T) {
	e := &scriptEngine{}
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	a, b := transport.Pipe(8)
	defer a.Close()
	r := New(b, loaderFor(e), WithMetrics(metrics))

	_, err = r.Lifecycle().Load(context.Background(), nil).Await(context.Background())
	require.NoError(t, err)

	// Both requests land before the worker starts.
	r.ScheduleDrain()
	r.ScheduleDrain()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool { return e.polls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), e.polls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.coalesced))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.drains))
}

func TestEngineNotReady(t *testing.T) {
	e := &scriptEngine{
		respond: func(req []byte) (engine.Batch, error) { return engine.Batch{req}, nil },
	}
	p, _ := spawnPeer(t, loaderFor(e))

	p.send(request(4, "early"))

	m := p.next()
	assert.Equal(t, protocol.CmdError, m.Cmd)
	assert.Equal(t, uint32(4), m.IDValue())
	assert.Equal(t, psperrors.CodeEngineNotReady, m.Code)
	assert.ErrorIs(t, psperrors.FromCode(m.Code, m.Error), psperrors.ErrEngineNotReady)
	assert.Zero(t, e.polls.Load(), "no drain after a rejected message")

	// The relay stays usable.
	p.init()
	p.send(request(5, "late"))
	assert.Equal(t, "late", string(p.next().Payload()))
}

func TestMalformedMessage(t *testing.T) {
	e := &scriptEngine{
		respond: func(req []byte) (engine.Batch, error) { return engine.Batch{req}, nil },
	}
	p, _ := spawnPeer(t, loaderFor(e))
	p.init()
	require.Eventually(t, func() bool { return e.polls.Load() == 1 }, time.Second, 5*time.Millisecond)

	p.sendFrame(protocol.TextFrame([]byte("{not json")))

	m := p.next()
	assert.Equal(t, protocol.CmdError, m.Cmd)
	assert.False(t, m.HasID())
	assert.Equal(t, psperrors.CodeMalformedMessage, m.Code)

	// A header interrupted by another header is dropped along with it.
	p.sendFrame(protocol.TextFrame([]byte(`{"id":8,"cmd":"message","attachments":1}`)))
	p.sendFrame(protocol.TextFrame([]byte(`{"id":9,"cmd":"message"}`)))
	m = p.next()
	assert.Equal(t, psperrors.CodeMalformedMessage, m.Code)

	p.send(protocol.Message{ID: protocol.ID(10), Cmd: protocol.CmdMessage})
	m = p.next()
	assert.Equal(t, psperrors.CodeMalformedMessage, m.Code)
	assert.Equal(t, uint32(10), m.IDValue())

	p.send(request(11, "fine"))
	m = p.next()
	assert.Equal(t, uint32(11), m.IDValue())
	assert.Equal(t, "fine", string(m.Payload()))

	require.Eventually(t, func() bool { return e.polls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), e.polls.Load(), "malformed input schedules no drain")
}

func TestEngineFailureReported(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	e := &scriptEngine{
		respond: func(req []byte) (engine.Batch, error) {
			if fail.Load() {
				return nil, errors.New("trap")
			}
			return engine.Batch{req}, nil
		},
	}
	p, _ := spawnPeer(t, loaderFor(e))
	p.init()

	p.send(request(2, "x"))
	m := p.next()
	assert.Equal(t, psperrors.CodeEngineFailure, m.Code)
	assert.Equal(t, uint32(2), m.IDValue())
	assert.Contains(t, m.Error, "trap")

	fail.Store(false)
	p.send(request(3, "y"))
	assert.Equal(t, "y", string(p.next().Payload()))
}

func TestLoadTimeoutReported(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	loader := func(ctx context.Context, _ []byte) (engine.Engine, error) {
		<-block
		return &scriptEngine{}, nil
	}
	p, r := spawnPeer(t, loader, WithLoadTimeout(50*time.Millisecond))

	p.send(protocol.Message{ID: protocol.ID(0), Cmd: protocol.CmdInit})
	m := p.next()
	assert.Equal(t, psperrors.CodeLoadTimeout, m.Code)
	assert.Equal(t, uint32(0), m.IDValue())
	assert.Equal(t, lifecycle.Failed, r.Lifecycle().Handle().State())

	p.send(request(1, "op"))
	assert.Equal(t, psperrors.CodeLoadTimeout, p.next().Code)
}

func TestInitSource(t *testing.T) {
	var mu sync.Mutex
	var got [][]byte
	loader := func(_ context.Context, source []byte) (engine.Engine, error) {
		mu.Lock()
		got = append(got, source)
		mu.Unlock()
		return &scriptEngine{}, nil
	}

	p, _ := spawnPeer(t, loader)
	p.send(protocol.Message{ID: protocol.ID(0), Cmd: protocol.CmdInit, Attachments: [][]byte{[]byte("wasm")}})
	p.next()

	p2, _ := spawnPeer(t, loader)
	p2.init()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("wasm"), nil}, got)
}

func TestTransportCloseDuringLoad(t *testing.T) {
	e := &scriptEngine{}
	release := make(chan struct{})
	loader := func(ctx context.Context, _ []byte) (engine.Engine, error) {
		<-release
		return e, nil
	}

	a, b := transport.Pipe(8)
	r := New(b, loader, WithLogger(zaptest.NewLogger(t)))
	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()

	require.NoError(t, transport.SendMessage(context.Background(), a, protocol.Message{ID: protocol.ID(0), Cmd: protocol.CmdInit}))
	require.Eventually(t, func() bool { return r.Lifecycle().Handle() != nil }, time.Second, 5*time.Millisecond)
	h := r.Lifecycle().Handle()

	require.NoError(t, a.Close())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}

	_, err := h.Await(context.Background())
	assert.ErrorIs(t, err, psperrors.ErrTransportClosed)

	close(release)
	require.Eventually(t, e.closed.Load, time.Second, 5*time.Millisecond, "late engine is released")
	assert.Zero(t, e.polls.Load(), "no poll after close")
}

func TestCloseStopsRelay(t *testing.T) {
	e := &scriptEngine{}
	p, r := spawnPeer(t, loaderFor(e))
	p.init()

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	select {
	case <-r.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.True(t, e.closed.Load())
	assert.ErrorIs(t, transport.SendMessage(context.Background(), p.tr, request(1, "x")), psperrors.ErrTransportClosed)
}

func TestCloseDropsScheduledDrain(t *testing.T) {
	e := &scriptEngine{}
	_, b := transport.Pipe(8)
	r := New(b, loaderFor(e), WithLogger(zaptest.NewLogger(t)))

	_, err := r.Lifecycle().Load(context.Background(), nil).Await(context.Background())
	require.NoError(t, err)

	r.ScheduleDrain()
	require.NoError(t, r.Close())

	errc := make(chan error, 1)
	go func() { errc <- r.Run(context.Background()) }()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Zero(t, e.polls.Load(), "scheduled drain ran after close")
	assert.Zero(t, r.Stats().Polls)
}

// stuckEngine blocks in HandleMessage until its context is done. Close waits
// for a running call, like a wasm module does.
type stuckEngine struct {
	scriptEngine
	callMu  sync.Mutex
	entered chan struct{}
	aborted atomic.Bool
}

func (e *stuckEngine) HandleMessage(ctx context.Context, _ []byte) (engine.Batch, error) {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	close(e.entered)
	<-ctx.Done()
	e.aborted.Store(true)
	return nil, ctx.Err()
}

func (e *stuckEngine) Close(ctx context.Context) error {
	e.callMu.Lock()
	defer e.callMu.Unlock()
	return e.scriptEngine.Close(ctx)
}

func TestCloseAbortsRunningEngineCall(t *testing.T) {
	e := &stuckEngine{entered: make(chan struct{})}
	p, r := spawnPeer(t, loaderFor(e))
	p.init()

	p.send(request(1, "spin"))
	select {
	case <-e.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("engine call did not start")
	}

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a running engine call")
	}
	assert.True(t, e.aborted.Load())
	assert.True(t, e.closed.Load())
}

func TestReinitIgnoresSource(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var loads atomic.Int32
	loader := func(context.Context, []byte) (engine.Engine, error) {
		loads.Add(1)
		return &scriptEngine{}, nil
	}

	p, _ := spawnPeer(t, loader, WithLogger(zap.New(core)))
	p.init()
	assert.Zero(t, logs.FilterMessageSnippet("ignoring init payload").Len())

	p.send(protocol.Message{ID: protocol.ID(0), Cmd: protocol.CmdInit, Attachments: [][]byte{[]byte("other")}})
	ack := p.next()
	assert.Empty(t, ack.Cmd, "second init is acknowledged")
	assert.Equal(t, uint32(0), ack.IDValue())

	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, 1, logs.FilterMessageSnippet("ignoring init payload").Len())
}

func TestRelayWithWasmEngine(t *testing.T) {
	ctx := context.Background()
	rt, err := engine.NewRuntime(ctx)
	require.NoError(t, err)
	defer rt.Close(ctx)

	p, _ := spawnPeer(t, rt.Loader(nil))

	p.send(protocol.Message{ID: protocol.ID(0), Cmd: protocol.CmdInit, Attachments: [][]byte{engine.EchoWasm()}})
	ack := p.next()
	require.Empty(t, ack.Cmd, "unexpected %s: %s", ack.Cmd, ack.Error)

	p.send(request(1, "hello"))

	reply := p.next()
	assert.Equal(t, uint32(1), reply.IDValue())
	assert.Equal(t, "hello", string(reply.Payload()))

	push := p.next()
	require.True(t, push.IsBare())
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(push.Payload()))
}

func TestRelayIDs(t *testing.T) {
	a, b := transport.Pipe(1)
	defer a.Close()

	r1 := New(b, loaderFor(&scriptEngine{}))
	r2 := New(b, loaderFor(&scriptEngine{}))
	assert.NotEqual(t, r1.ID(), r2.ID())
	assert.Len(t, r1.ID(), 26)

	r3 := New(b, loaderFor(&scriptEngine{}), WithID("fixed"))
	assert.Equal(t, "fixed", r3.ID())
	assert.Equal(t, "none", r3.Stats().Engine)
}

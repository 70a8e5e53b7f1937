package engine

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	psperrors "github.com/perspective-dev/psprelay/errors"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestModuleEcho(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	m, err := rt.Load(ctx, EchoWasm())
	require.NoError(t, err)
	defer m.Close(ctx)

	batch, err := m.HandleMessage(ctx, []byte("hello engine"))
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, []byte("hello engine"), batch[0])

	batch, err = m.HandleMessage(ctx, []byte{})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Empty(t, batch[0])
}

func TestModulePoll(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	m, err := rt.Load(ctx, EchoWasm())
	require.NoError(t, err)
	defer m.Close(ctx)

	batch, err := m.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch, "nothing handled yet")

	for i := 0; i < 3; i++ {
		_, err := m.HandleMessage(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	batch, err = m.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(batch[0]))

	batch, err = m.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch, "counter resets after a poll")
}

func TestModuleInstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	a, err := rt.Load(ctx, EchoWasm())
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := rt.Load(ctx, EchoWasm())
	require.NoError(t, err)
	defer b.Close(ctx)

	_, err = a.HandleMessage(ctx, []byte("x"))
	require.NoError(t, err)

	batch, err := b.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)

	assert.Len(t, rt.compiled, 1, "same binary compiles once")
}

func TestModuleClosed(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	m, err := rt.Load(ctx, EchoWasm())
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	_, err = m.HandleMessage(ctx, []byte("late"))
	assert.ErrorIs(t, err, ErrModuleClosed)
	_, err = m.Poll(ctx)
	assert.ErrorIs(t, err, ErrModuleClosed)
}

func TestLoadMissingExport(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Load(context.Background(), echoWasm(false))
	assert.ErrorIs(t, err, ErrInvalidModule)
	assert.Contains(t, err.Error(), "poll")
}

func TestLoadInvalidBinary(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Load(context.Background(), []byte("not wasm"))
	assert.Error(t, err)

	_, err = rt.Load(context.Background(), nil)
	assert.Error(t, err)
}

func TestLoaderFallback(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)

	t.Run("uses fallback for empty source", func(t *testing.T) {
		e, err := rt.Loader(EchoWasm())(ctx, nil)
		require.NoError(t, err)
		defer e.Close(ctx)

		batch, err := e.HandleMessage(ctx, []byte("ok"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), batch[0])
	})

	t.Run("no source and no fallback", func(t *testing.T) {
		e, err := rt.Loader(nil)(ctx, nil)
		assert.Nil(t, e)
		assert.ErrorIs(t, err, psperrors.ErrEngineNotReady)
	})

	t.Run("invalid source is not masked", func(t *testing.T) {
		e, err := rt.Loader(EchoWasm())(ctx, []byte{0x00, 0x61})
		assert.Nil(t, e)
		assert.Error(t, err)
	})
}

func TestRuntimeClosed(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx)
	require.NoError(t, err)
	require.NoError(t, rt.Close(ctx))

	_, err = rt.Load(ctx, EchoWasm())
	assert.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestPrecompile(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, WithPrecompile(EchoWasm()))
	require.NoError(t, err)
	defer rt.Close(ctx)

	assert.Len(t, rt.compiled, 1)

	_, err = NewRuntime(ctx, WithPrecompile([]byte("garbage")))
	assert.Error(t, err)
}

func TestDecodeBatch(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    Batch
		wantErr bool
	}{
		{name: "empty", data: nil, want: nil},
		{name: "single", data: EncodeBatch(Batch{[]byte("abc")}), want: Batch{[]byte("abc")}},
		{name: "multiple", data: EncodeBatch(Batch{[]byte("a"), {}, []byte("bc")}), want: Batch{[]byte("a"), {}, []byte("bc")}},
		{name: "truncated header", data: []byte{0x01, 0x00}, wantErr: true},
		{name: "overrun", data: []byte{0x05, 0x00, 0x00, 0x00, 'a'}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeBatch(tt.data)
			if tt.wantErr {
				assert.ErrorIs(t, err, psperrors.ErrEngineFailure)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeBatchDoesNotAlias(t *testing.T) {
	data := EncodeBatch(Batch{[]byte("abc")})
	got, err := DecodeBatch(data)
	require.NoError(t, err)

	data[4] = 'z'
	assert.Equal(t, []byte("abc"), got[0])
}

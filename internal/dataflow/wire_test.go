package dataflow

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func memHolders(t *testing.T, reg *stream.Registry, key string) (server, client *stream.Holder) {
	t.Helper()
	opts := stream.Options{Registry: reg}
	once := stream.RetryPolicy{Attempts: 1}
	server, err := stream.NewHolder("mem:"+key, true, opts, once)
	require.NoError(t, err)
	client, err = stream.NewHolder("mem:"+key, false, opts, once)
	require.NoError(t, err)
	_, err = server.Connect(testCtx(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}

func sampleLayout() Layout {
	return MustLayout(FieldSpec{"seq", 4}, FieldSpec{"data", 12})
}

func TestConnectionTransfersFixedAndExtra(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	sh, ch := memHolders(t, stream.NewRegistry(), "wire")

	src := NewDataBuffer("src", "sample", 2, sampleLayout())
	dst := NewDataBuffer("dst", "sample", 2, sampleLayout())
	w, r := NewWriter(src, sh), NewReader(dst, ch)

	copy(src.Field("seq"), []byte{0, 0, 0, 7})
	src.Extra = Extra{Tag: "meta", Version: 1, Payload: []byte("hello")}
	require.NoError(t, w.Write(ctx))
	require.NoError(t, r.Read(ctx))
	assert.Equal(t, src.Fixed(), dst.Fixed())
	assert.Equal(t, src.Extra, dst.Extra)

	src.Extra = Extra{}
	copy(src.Field("seq"), []byte{0, 0, 0, 8})
	require.NoError(t, w.Write(ctx))
	require.NoError(t, r.Read(ctx))
	assert.Equal(t, byte(8), dst.Field("seq")[3])
	assert.True(t, dst.Extra.Empty())

	assert.Equal(t, uint64(2), w.Transfers())
	assert.Equal(t, uint64(2), r.Transfers())
}

func TestConnectionRejectsMismatchedHeader(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	cases := map[string]*DataBuffer{
		"tag":     NewDataBuffer("dst", "other", 2, sampleLayout()),
		"version": NewDataBuffer("dst", "sample", 3, sampleLayout()),
		"layout":  NewDataBuffer("dst", "sample", 2, MustLayout(FieldSpec{"data", 12}, FieldSpec{"seq", 4})),
	}
	for name, dst := range cases {
		t.Run(name, func(t *testing.T) {
			sh, ch := memHolders(t, stream.NewRegistry(), "mismatch")
			src := NewDataBuffer("src", "sample", 2, sampleLayout())
			require.NoError(t, NewWriter(src, sh).Write(ctx))

			err := NewReader(dst, ch).Read(ctx)
			require.ErrorIs(t, err, ErrHeaderMismatch)
			assert.True(t, protocol.IsFatal(err))
		})
	}
}

func TestConnectionReadHonorsContext(t *testing.T) {
	testlog.Start(t)
	_, ch := memHolders(t, stream.NewRegistry(), "idle")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewReader(NewDataBuffer("dst", "sample", 2, sampleLayout()), ch).Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectionReportsClosedUpstream(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	sh, ch := memHolders(t, stream.NewRegistry(), "closing")
	src := NewDataBuffer("src", "sample", 2, sampleLayout())
	dst := NewDataBuffer("dst", "sample", 2, sampleLayout())

	require.NoError(t, NewWriter(src, sh).Write(ctx))
	require.NoError(t, sh.Close())

	r := NewReader(dst, ch)
	require.NoError(t, r.Read(ctx), "buffered transfer survives the writer closing")
	err := r.Read(ctx)
	assert.ErrorIs(t, err, stream.ErrConnectionLost)
	assert.False(t, protocol.IsFatal(err))
	assert.Equal(t, uint64(1), r.Reconnects())
}

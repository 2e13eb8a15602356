package dataflow

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterLayout() Layout {
	return MustLayout(FieldSpec{"n", 4})
}

func TestDataManagerStartRequiresBoundPorts(t *testing.T) {
	testlog.Start(t)
	m := NewDataManager("unit")
	m.AddOutput(NewDataBuffer("out", "counter", 1, counterLayout()))
	err := m.Start(testCtx(t))
	require.ErrorIs(t, err, ErrUnbound)
	assert.True(t, protocol.IsFatal(err))

	assert.ErrorIs(t, m.BindOutput(3, nil), ErrBadIndex)
	assert.ErrorIs(t, m.SetInputTrigger(0, false), ErrBadIndex)
	assert.ErrorIs(t, m.Receive(testCtx(t), 0), ErrBadIndex)
}

func TestDataManagerAsyncSendAndExplicitReceive(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	reg := stream.NewRegistry()
	sh, ch := memHolders(t, reg, "dm")

	prod := NewDataManager("prod")
	out := prod.AddOutput(NewDataBuffer("out", "counter", 1, counterLayout()))
	require.NoError(t, prod.BindOutput(out, sh))
	require.NoError(t, prod.SetOutputTrigger(out, false))

	cons := NewDataManager("cons")
	in := cons.AddInput(NewDataBuffer("in", "counter", 1, counterLayout()))
	require.NoError(t, cons.BindInput(in, ch))
	require.NoError(t, cons.SetInputTrigger(in, false))

	require.NoError(t, prod.Start(ctx))
	require.NoError(t, cons.Start(ctx))
	defer prod.Close()
	defer cons.Close()

	// disabled triggers leave both sides idle
	require.NoError(t, prod.ReleaseAutoOutputs(ctx))
	require.NoError(t, cons.ReadAutoInputs(ctx))
	assert.False(t, prod.Pending(out))

	sent := make(chan error, 1)
	go func() {
		for i := uint32(1); i <= 8; i++ {
			binary.BigEndian.PutUint32(prod.Output(out).Field("n"), i)
			if err := prod.ReadyWithOutHolder(ctx, out); err != nil {
				sent <- err
				return
			}
			// the producer may overwrite its buffer right away
			binary.BigEndian.PutUint32(prod.Output(out).Field("n"), 0xdead)
		}
		sent <- prod.Flush(ctx)
	}()
	for i := uint32(1); i <= 8; i++ {
		require.NoError(t, cons.Receive(ctx, in))
		assert.Equal(t, i, binary.BigEndian.Uint32(cons.Input(in).Field("n")))
	}
	require.NoError(t, <-sent)

	require.NoError(t, prod.Flush(ctx))
	assert.False(t, prod.Pending(out))
	assert.Equal(t, 0, prod.Outbox().Len())

	_, outs := prod.Stats()
	require.Len(t, outs, 1)
	assert.Equal(t, uint64(8), outs[0].Transfers)
	assert.Equal(t, "prod.out0", outs[0].Name)
	ins, _ := cons.Stats()
	assert.Equal(t, uint64(8), ins[0].Transfers)
}

func TestReadyWithOutHolderWaitsForPendingSend(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	reg := stream.NewRegistry()
	opts := stream.Options{Registry: reg, MemDepth: 1}
	sh, err := stream.NewHolder("mem:slow", true, opts, stream.RetryPolicy{Attempts: 1})
	require.NoError(t, err)
	ch, err := stream.NewHolder("mem:slow", false, opts, stream.RetryPolicy{Attempts: 1})
	require.NoError(t, err)
	_, err = sh.Connect(ctx)
	require.NoError(t, err)

	prod := NewDataManager("prod")
	out := prod.AddOutput(NewDataBuffer("out", "counter", 1, counterLayout()))
	require.NoError(t, prod.BindOutput(out, sh))
	require.NoError(t, prod.Start(ctx))
	defer prod.Close()

	// first Ready fills the one-chunk pipe with the handshake and blocks the
	// sender on the transfer
	require.NoError(t, prod.ReadyWithOutHolder(ctx, out))
	require.Eventually(t, func() bool {
		item, ok := prod.Outbox().Get("prod.out0")
		return ok && item.Sequence == 1
	}, time.Second, time.Millisecond)
	assert.True(t, prod.Pending(out))

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, prod.ReadyWithOutHolder(short, out), context.DeadlineExceeded)

	cons := NewDataManager("cons")
	in := cons.AddInput(NewDataBuffer("in", "counter", 1, counterLayout()))
	require.NoError(t, cons.BindInput(in, ch))
	require.NoError(t, cons.Start(ctx))
	defer cons.Close()

	require.NoError(t, cons.ReadAutoInputs(ctx))
	require.NoError(t, prod.ReadyWithOutHolder(ctx, out), "ack arrives once the consumer drains")
	require.NoError(t, cons.ReadAutoInputs(ctx))
}

package transpose

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() beamlet.Layout {
	return beamlet.Layout{Beamlets: 4, SamplesPerFrame: 2, Polarizations: 1, BytesPerSample: 2}
}

var testTimebase = clock.Timebase{BlocksPerSeq: 1000}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newSource(t *testing.T, board, depth int) *beamlet.Buffer {
	t.Helper()
	b, err := beamlet.NewBuffer(beamlet.Config{
		Board:    board,
		Layout:   testLayout(),
		Timebase: testTimebase,
		Depth:    depth,
		Window:   2,
	})
	require.NoError(t, err)
	return b
}

// fill returns the byte stored for every sample of beamlet b.
func fill(board int, block uint32, b int) byte {
	return byte(board*64 + int(block)*8 + b)
}

func write(t *testing.T, buf *beamlet.Buffer, block uint32) beamlet.Outcome {
	t.Helper()
	l := testLayout()
	payload := make([]byte, l.PayloadSize())
	for b := 0; b < l.Beamlets; b++ {
		seg := l.Beamlet(payload, b)
		for i := range seg {
			seg[i] = fill(buf.Config().Board, block, b)
		}
	}
	return buf.Write(clock.SampleClock{Block: block}, payload)
}

type harness struct {
	stage   *Stage
	readers []*dataflow.Connection
}

func newHarness(t *testing.T, cfg Config, sources ...*beamlet.Buffer) *harness {
	t.Helper()
	srcs := make([]Source, len(sources))
	for i, s := range sources {
		srcs[i] = s
	}
	if cfg.Wait == 0 {
		cfg.Wait = 10 * time.Millisecond
	}
	stage, err := NewStage(cfg, srcs)
	require.NoError(t, err)

	reg := stream.NewRegistry()
	opts := stream.Options{Registry: reg, MemDepth: 16}
	once := stream.RetryPolicy{Attempts: 1}
	h := &harness{stage: stage}
	dm := stage.DataManager()
	for sb, band := range stage.Subbands() {
		for core := 0; core < stage.cfg.Cores; core++ {
			key := fmt.Sprintf("mem:out/%d/%d", sb, core)
			server, err := stream.NewHolder(key, true, opts, once)
			require.NoError(t, err)
			_, err = server.Connect(testCtx(t))
			require.NoError(t, err)
			client, err := stream.NewHolder(key, false, opts, once)
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })

			require.NoError(t, dm.BindOutput(stage.Output(sb, core), server))
			buf := NewBuffer("recv", len(sources), testLayout(), band.Count)
			h.readers = append(h.readers, dataflow.NewReader(buf, client))
		}
	}
	require.NoError(t, dm.Start(testCtx(t)))
	require.NoError(t, stage.Preprocess(testCtx(t)))
	t.Cleanup(func() {
		_ = stage.Postprocess(context.Background())
		_ = dm.Close()
	})
	return h
}

func (h *harness) read(t *testing.T, out int) ([]byte, Meta) {
	t.Helper()
	r := h.readers[out]
	require.NoError(t, r.Read(testCtx(t)))
	meta, err := DecodeMeta(r.Buffer().Extra)
	require.NoError(t, err)
	return append([]byte(nil), r.Buffer().MustField("data")...), meta
}

// beamletAt returns beamlet j of board i from a transposed block holding n
// beamlets per board.
func beamletAt(data []byte, i, j, n int) []byte {
	bb := testLayout().BeamletBytes()
	off := (i*n + j) * bb
	return data[off : off+bb]
}

func TestStageEmitsAlignedBlocksPerSubband(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 8)
	for _, blk := range []uint32{0, 2, 4} {
		require.Equal(t, beamlet.Written, write(t, b1, blk))
		require.Equal(t, beamlet.Written, write(t, b2, blk))
	}
	h := newHarness(t, Config{Subbands: []Subband{{First: 0, Count: 2}, {First: 2, Count: 2}}}, b1, b2)

	for range 3 {
		require.NoError(t, h.stage.Process(ctx))
	}
	for k, blk := range []uint32{0, 2, 4} {
		for sb, first := range []int{0, 2} {
			data, meta := h.read(t, sb)
			assert.Equal(t, blk, meta.Block)
			assert.Equal(t, uint64(k), meta.Index)
			assert.Equal(t, first, meta.First)
			assert.Equal(t, []int{1, 2}, meta.Boards)
			assert.Equal(t, []bool{false, false}, meta.Lost)
			assert.Equal(t, [][]uint32{{2, 2}, {2, 2}}, meta.Valid)
			for i, board := range []int{1, 2} {
				for j := 0; j < 2; j++ {
					want := fill(board, blk, first+j)
					for _, v := range beamletAt(data, i, j, 2) {
						require.Equal(t, want, v, "block %d subband %d board %d beamlet %d", blk, sb, board, j)
					}
				}
			}
		}
	}

	assert.ErrorIs(t, h.stage.Process(ctx), dataflow.ErrSkip)
	b1.Seal()
	b2.Seal()
	assert.ErrorIs(t, h.stage.Process(ctx), dataflow.ErrDone)
	st := h.stage.Stats()
	assert.Equal(t, uint64(3), st.Emitted)
	assert.Zero(t, st.LostBoardBlocks)
}

func TestStageHoldsBlockUntilEveryBoardResolves(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 8)
	write(t, b1, 0)
	write(t, b1, 2)
	h := newHarness(t, Config{}, b1, b2)

	assert.ErrorIs(t, h.stage.Process(ctx), dataflow.ErrSkip)
	assert.ErrorIs(t, h.stage.Process(ctx), dataflow.ErrSkip)
	assert.Zero(t, h.stage.Stats().Emitted)

	write(t, b2, 0)
	require.NoError(t, h.stage.Process(ctx))
	_, meta := h.read(t, 0)
	assert.Equal(t, uint32(0), meta.Block)
	assert.Equal(t, []bool{false, false}, meta.Lost)
	assert.Equal(t, "0.2", h.stage.Stats().Next)
}

func TestStageMarksBoardLostWhenItMovedPast(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 2)
	for _, blk := range []uint32{0, 2, 4} {
		write(t, b1, blk)
		write(t, b2, blk) // depth 2 reclaims block 0
	}
	require.Equal(t, uint64(1), b2.Stats().Ring.Reclaimed)
	h := newHarness(t, Config{}, b1, b2)

	for range 3 {
		require.NoError(t, h.stage.Process(ctx))
	}
	data, meta := h.read(t, 0)
	assert.Equal(t, []bool{false, true}, meta.Lost)
	assert.Equal(t, []bool{false, true}, meta.Flagged)
	assert.Equal(t, []uint32{0, 0, 0, 0}, meta.Valid[1])
	for j := 0; j < 4; j++ {
		assert.Equal(t, make([]byte, testLayout().BeamletBytes()), beamletAt(data, 1, j, 4))
	}
	for _, blk := range []uint32{2, 4} {
		_, meta = h.read(t, 0)
		assert.Equal(t, blk, meta.Block)
		assert.Equal(t, []bool{false, false}, meta.Lost)
	}
	assert.Equal(t, uint64(1), h.stage.Stats().LostBoardBlocks)
}

func TestStageForwardsGapFilledBlockFlagged(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 8)
	for _, blk := range []uint32{0, 2, 4} {
		write(t, b1, blk)
	}
	write(t, b2, 0)
	require.Equal(t, beamlet.GapFilled, write(t, b2, 4))
	h := newHarness(t, Config{}, b1, b2)

	for range 3 {
		require.NoError(t, h.stage.Process(ctx))
	}
	h.read(t, 0)
	_, meta := h.read(t, 0)
	assert.Equal(t, uint32(2), meta.Block)
	assert.Equal(t, []bool{false, false}, meta.Lost)
	assert.Equal(t, []bool{false, true}, meta.Flagged)
	assert.Equal(t, []uint32{2, 2, 2, 2}, meta.Valid[0])
	assert.Equal(t, []uint32{0, 0, 0, 0}, meta.Valid[1])
	assert.Zero(t, h.stage.Stats().LostBoardBlocks)
}

func TestStageDiscardsBlocksBeforeStartClock(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 8)
	for _, blk := range []uint32{0, 2, 4} {
		write(t, b1, blk)
		write(t, b2, blk)
	}
	start := clock.SampleClock{Block: 4}
	h := newHarness(t, Config{StartClock: &start}, b1, b2)

	require.NoError(t, h.stage.Process(ctx))
	_, meta := h.read(t, 0)
	assert.Equal(t, uint32(4), meta.Block)
	assert.Equal(t, uint64(4), h.stage.Stats().StaleDiscards)
}

func TestStageMarksSilentBoardLostAfterTimeout(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 8)
	write(t, b1, 0)
	h := newHarness(t, Config{LostAfter: 30 * time.Millisecond}, b1, b2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := h.stage.Process(ctx)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, dataflow.ErrSkip)
		require.True(t, time.Now().Before(deadline), "silent board never marked lost")
	}
	_, meta := h.read(t, 0)
	assert.Equal(t, []bool{false, true}, meta.Lost)
}

func TestStageTreatsSealedEmptyBoardAsLost(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1, b2 := newSource(t, 1, 8), newSource(t, 2, 8)
	write(t, b1, 0)
	b2.Seal()
	h := newHarness(t, Config{}, b1, b2)

	require.NoError(t, h.stage.Process(ctx))
	_, meta := h.read(t, 0)
	assert.Equal(t, []bool{false, true}, meta.Lost)

	b1.Seal()
	assert.ErrorIs(t, h.stage.Process(ctx), dataflow.ErrDone)
}

func TestStageRoundRobinsCores(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)
	b1 := newSource(t, 1, 8)
	for _, blk := range []uint32{0, 2, 4} {
		write(t, b1, blk)
	}
	h := newHarness(t, Config{Cores: 2, MaxBlocks: 3}, b1)

	for range 3 {
		require.NoError(t, h.stage.Process(ctx))
	}
	assert.ErrorIs(t, h.stage.Process(ctx), dataflow.ErrDone)

	_, meta := h.read(t, h.stage.Output(0, 0))
	assert.Equal(t, uint64(0), meta.Index)
	_, meta = h.read(t, h.stage.Output(0, 1))
	assert.Equal(t, uint64(1), meta.Index)
	_, meta = h.read(t, h.stage.Output(0, 0))
	assert.Equal(t, uint64(2), meta.Index)
}

func TestNewStageValidates(t *testing.T) {
	testlog.Start(t)

	_, err := NewStage(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoBoards)
	assert.True(t, protocol.IsFatal(err))

	other, err := beamlet.NewBuffer(beamlet.Config{
		Board:    2,
		Layout:   beamlet.DefaultLayout(),
		Timebase: testTimebase,
		Depth:    2,
	})
	require.NoError(t, err)
	_, err = NewStage(Config{}, []Source{newSource(t, 1, 2), other})
	assert.ErrorIs(t, err, ErrLayoutMismatch)

	for _, sb := range []Subband{{First: -1, Count: 2}, {First: 0, Count: 0}, {First: 3, Count: 2}} {
		_, err = NewStage(Config{Subbands: []Subband{sb}}, []Source{newSource(t, 1, 2)})
		assert.ErrorIs(t, err, ErrBadSubband, "%+v", sb)
		assert.True(t, protocol.IsFatal(err))
	}
}

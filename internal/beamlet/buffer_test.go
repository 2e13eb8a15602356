package beamlet

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLayout() Layout {
	return Layout{Beamlets: 3, SamplesPerFrame: 4, Polarizations: 2, BytesPerSample: 2}
}

func newTestBuffer(t *testing.T, depth, window int) *Buffer {
	t.Helper()
	b, err := NewBuffer(Config{
		Board:    1,
		Layout:   testLayout(),
		Timebase: clock.Timebase{BlocksPerSeq: 1000},
		Depth:    depth,
		Window:   window,
	})
	require.NoError(t, err)
	return b
}

func payload(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testLayout().PayloadSize())
}

func at(block uint32) clock.SampleClock {
	return clock.SampleClock{Block: block}
}

func readAll(t *testing.T, b *Buffer) []*Block {
	t.Helper()
	var out []*Block
	for {
		blk, ok := b.TryReadNext()
		if !ok {
			return out
		}
		cp := &Block{Clock: blk.Clock, Flagged: blk.Flagged}
		cp.Data = append([]byte(nil), blk.Data...)
		cp.Valid = append([]uint32(nil), blk.Valid...)
		out = append(out, cp)
		b.Done(blk)
	}
}

func TestLayoutSizes(t *testing.T) {
	testlog.Start(t)
	l := testLayout()
	require.NoError(t, l.Validate())
	assert.Equal(t, 16, l.BeamletBytes())
	assert.Equal(t, 48, l.PayloadSize())
	assert.Equal(t, int64(4), l.Interval())

	p := make([]byte, l.PayloadSize())
	p[16] = 9
	assert.Equal(t, byte(9), l.Beamlet(p, 1)[0])

	assert.ErrorIs(t, Layout{}.Validate(), ErrInvalidLayout)
}

func TestNewBufferRejectsBadConfig(t *testing.T) {
	testlog.Start(t)
	_, err := NewBuffer(Config{Layout: testLayout(), Timebase: clock.Timebase{BlocksPerSeq: 10}})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewBuffer(Config{Layout: testLayout(), Depth: 4})
	require.ErrorIs(t, err, clock.ErrInvalidTimebase)
}

func TestGapIsFilledWithFlaggedBlock(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 8, 2)

	assert.Equal(t, Written, b.Write(at(0), payload(1)))
	assert.Equal(t, Written, b.Write(at(4), payload(2)))
	assert.Equal(t, GapFilled, b.Write(at(12), payload(4)))

	blocks := readAll(t, b)
	require.Len(t, blocks, 4)
	wantClock := []uint32{0, 4, 8, 12}
	for i, blk := range blocks {
		assert.Equal(t, wantClock[i], blk.Clock.Block)
	}

	gap := blocks[2]
	assert.True(t, gap.Flagged)
	assert.Equal(t, []uint32{0, 0, 0}, gap.Valid)
	assert.Equal(t, make([]byte, testLayout().PayloadSize()), gap.Data)

	assert.False(t, blocks[3].Flagged)
	assert.Equal(t, []uint32{4, 4, 4}, blocks[3].Valid)
	assert.Equal(t, payload(4), blocks[3].Data)

	st := b.Stats()
	assert.Equal(t, uint64(3), st.Written)
	assert.Equal(t, uint64(1), st.GapBlocks)
}

func TestGapFillIsCappedAtCapacity(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 4, 2)

	b.Write(at(0), payload(1))
	b.Write(at(400), payload(2))

	st := b.Stats()
	assert.Equal(t, uint64(99), st.GapBlocks)
	assert.Equal(t, uint64(95), st.GapUnfilled)

	blocks := readAll(t, b)
	require.Len(t, blocks, 4)
	assert.Equal(t, uint32(400), blocks[3].Clock.Block)
	for _, blk := range blocks[:3] {
		assert.True(t, blk.Flagged)
	}
}

func TestReorderedFrameReplacesGap(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 8, 2)

	b.Write(at(0), payload(1))
	assert.Equal(t, GapFilled, b.Write(at(8), payload(3)))
	assert.Equal(t, Reordered, b.Write(at(4), payload(2)))

	blocks := readAll(t, b)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint32(4), blocks[1].Clock.Block)
	assert.False(t, blocks[1].Flagged)
	assert.Equal(t, payload(2), blocks[1].Data)
	assert.Equal(t, uint64(1), b.Stats().Reordered)
}

func TestLateAndDuplicateFramesAreDropped(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 8, 2)

	for i := uint32(0); i < 5; i++ {
		require.Equal(t, Written, b.Write(at(i*4), payload(byte(i+1))))
	}

	assert.Equal(t, DroppedDuplicate, b.Write(at(16), payload(0xee)))
	assert.Equal(t, DroppedDuplicate, b.Write(at(12), payload(0xee)))
	// four frames behind with a window of two
	assert.Equal(t, DroppedLate, b.Write(at(4), payload(0xee)))

	blocks := readAll(t, b)
	require.Len(t, blocks, 5)
	for i, blk := range blocks {
		assert.Equal(t, payload(byte(i+1)), blk.Data, "block %d was overwritten", i)
	}

	st := b.Stats()
	assert.Equal(t, uint64(2), st.DroppedDuplicate)
	assert.Equal(t, uint64(1), st.DroppedLate)
}

func TestConsumedBlockCannotBeRewritten(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 8, 4)

	b.Write(at(0), payload(1))
	b.Write(at(8), payload(3))
	readAll(t, b)

	assert.Equal(t, DroppedLate, b.Write(at(4), payload(2)))
}

func TestMalformedAndMisalignedFrames(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 4, 1)

	assert.Equal(t, DroppedMalformed, b.Write(at(0), []byte{1, 2, 3}))
	assert.Equal(t, DroppedMisaligned, b.Write(at(3), payload(1)))
	assert.True(t, DroppedMisaligned.Dropped())
	assert.False(t, Reordered.Dropped())

	_, ok := b.Horizon()
	assert.False(t, ok)
}

func TestHorizonAdvancesPastWrites(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 4, 1)

	b.Write(clock.SampleClock{Seq: 1, Block: 996}, payload(1))
	h, ok := b.Horizon()
	require.True(t, ok)
	assert.Equal(t, clock.SampleClock{Seq: 2, Block: 0}, h)
}

func TestReadNextWaitsForWriter(t *testing.T) {
	testlog.Start(t)
	b := newTestBuffer(t, 4, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Write(at(0), payload(7))
	}()

	blk, ok := b.ReadNext(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, payload(7), blk.Data)
	assert.Equal(t, 1, blk.Board)
	b.Done(blk)

	_, ok = b.ReadNext(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)
}

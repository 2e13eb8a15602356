package dataflow

import (
	"testing"

	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutResolvesOffsets(t *testing.T) {
	testlog.Start(t)
	l, err := NewLayout(FieldSpec{"clock", 8}, FieldSpec{"flags", 4}, FieldSpec{"data", 64})
	require.NoError(t, err)
	assert.Equal(t, 76, l.Size())
	assert.Equal(t, "clock:8,flags:4,data:64", l.String())

	start, end, ok := l.Offset("flags")
	require.True(t, ok)
	assert.Equal(t, 8, start)
	assert.Equal(t, 12, end)

	_, _, ok = l.Offset("missing")
	assert.False(t, ok)
	assert.Len(t, l.Fields(), 3)
}

func TestLayoutRejectsBadFields(t *testing.T) {
	testlog.Start(t)
	_, err := NewLayout(FieldSpec{"a", 4}, FieldSpec{"a", 4})
	assert.ErrorIs(t, err, ErrInvalidLayout)
	_, err = NewLayout(FieldSpec{"a", 0})
	assert.ErrorIs(t, err, ErrInvalidLayout)
	_, err = NewLayout(FieldSpec{"a:b", 1})
	assert.ErrorIs(t, err, ErrInvalidLayout)
	assert.Panics(t, func() { MustLayout(FieldSpec{"", 1}) })
}

func TestDataBufferFieldsAndReset(t *testing.T) {
	testlog.Start(t)
	b := NewDataBuffer("vis", "visibility", 1, MustLayout(FieldSpec{"hdr", 2}, FieldSpec{"sum", 8}))
	copy(b.Field("hdr"), []byte{1, 2})
	PutFloat32s(b.MustField("sum"), []float32{1.5, -2})
	AddFloat32s(b.MustField("sum"), []float32{0.5, 2})
	b.Extra = Extra{Tag: "meta", Version: 3, Payload: []byte("x")}

	got := make([]float32, 2)
	Float32s(got, b.Field("sum"))
	assert.Equal(t, []float32{2, 0}, got)
	assert.Nil(t, b.Field("nope"))
	assert.Panics(t, func() { b.MustField("nope") })

	c := b.Clone()
	assert.Equal(t, b.Fixed(), c.Fixed())
	assert.Equal(t, b.Extra, c.Extra)

	b.Reset()
	assert.Equal(t, make([]byte, 10), b.Fixed())
	assert.True(t, b.Extra.Empty())
	assert.Equal(t, []byte{1, 2}, c.Field("hdr"), "clone is detached")
}

func TestAllocatorRecyclesReleasedBuffers(t *testing.T) {
	testlog.Start(t)
	a := NewAllocator("blk", "transposed-block", 1, MustLayout(FieldSpec{"data", 4}))

	b := a.Get()
	assert.Equal(t, int32(1), b.Refs())
	copy(b.Fixed(), []byte{9, 9, 9, 9})
	a.Retain(b)
	a.Release(b)
	assert.Equal(t, int32(1), b.Refs())
	a.Release(b)

	again := a.Get()
	assert.Same(t, b, again)
	assert.Equal(t, []byte{0, 0, 0, 0}, again.Fixed())
	allocated, recycled := a.Stats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(1), recycled)

	a.Release(again)
	assert.Panics(t, func() { a.Release(again) })
}

package gather

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorAdvancesCoreThenSubbandThenStep(t *testing.T) {
	c, err := NewCursor(2, 2, 2)
	require.NoError(t, err)

	type pos struct{ core, subband, step int }
	var got []pos
	wraps := 0
	for i := 0; i < c.Cycle(); i++ {
		got = append(got, pos{c.Core, c.Subband, c.Step})
		if c.Advance() {
			wraps++
		}
	}
	assert.Equal(t, []pos{
		{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
		{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
	}, got)
	assert.Equal(t, 1, wraps)
	assert.Equal(t, pos{0, 0, 0}, pos{c.Core, c.Subband, c.Step})
}

func TestCursorWindowBounds(t *testing.T) {
	c, err := NewCursor(3, 1, 2)
	require.NoError(t, err)

	var first, last []int
	for i := 0; i < c.Cycle(); i++ {
		if c.First() {
			first = append(first, i)
		}
		if c.Last() {
			last = append(last, i)
		}
		c.Advance()
	}
	assert.Equal(t, []int{0}, first)
	assert.Equal(t, []int{5}, last)

	single, err := NewCursor(1, 4, 1)
	require.NoError(t, err)
	assert.True(t, single.First())
	assert.True(t, single.Last())
}

func TestNewCursorRejectsZeroBounds(t *testing.T) {
	for _, dims := range [][3]int{{0, 1, 1}, {1, 0, 1}, {1, 1, 0}, {-1, 2, 2}} {
		_, err := NewCursor(dims[0], dims[1], dims[2])
		assert.ErrorIs(t, err, ErrInvalidCursor, "%v", dims)
	}
}

package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareIsLexicographic(t *testing.T) {
	a := SampleClock{Seq: 1, Block: 9}
	b := SampleClock{Seq: 2, Block: 0}
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, "1.9", a.String())
}

func TestTimebaseArithmeticCarriesIntoSeq(t *testing.T) {
	tb := Timebase{BlocksPerSeq: 10}
	require.NoError(t, tb.Validate())

	c := tb.Add(SampleClock{Seq: 3, Block: 8}, 5)
	assert.Equal(t, SampleClock{Seq: 4, Block: 3}, c)
	assert.Equal(t, int64(5), tb.Sub(c, SampleClock{Seq: 3, Block: 8}))
	assert.Equal(t, SampleClock{Seq: 3, Block: 8}, tb.Add(c, -5))
	assert.Equal(t, SampleClock{Seq: 1, Block: 2}, tb.Normalize(SampleClock{Seq: 0, Block: 12}))
}

func TestAlign(t *testing.T) {
	tb := Timebase{BlocksPerSeq: 100}
	assert.Equal(t, SampleClock{Seq: 2, Block: 24}, tb.Align(SampleClock{Seq: 2, Block: 31}, 16))
	assert.Equal(t, SampleClock{Seq: 2, Block: 31}, tb.Align(SampleClock{Seq: 2, Block: 31}, 1))
}

func TestFromLinearClampsNegative(t *testing.T) {
	tb := DefaultTimebase()
	assert.Equal(t, SampleClock{}, tb.FromLinear(-4))
	assert.ErrorIs(t, Timebase{}.Validate(), ErrInvalidTimebase)
}

func TestParseSampleClock(t *testing.T) {
	c, err := ParseSampleClock(" 12.345 ")
	require.NoError(t, err)
	assert.Equal(t, SampleClock{Seq: 12, Block: 345}, c)
	assert.Equal(t, "12.345", c.String())

	for _, bad := range []string{"", "12", "a.1", "1.-1", "1.2.3"} {
		_, err := ParseSampleClock(bad)
		assert.ErrorIs(t, err, ErrInvalidClock, bad)
	}
}

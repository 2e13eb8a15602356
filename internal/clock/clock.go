// Package clock defines the global sample clock shared by every input board.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultBlocksPerSeq is the block rate of a 200 MHz sample clock with
// 1024-point channelization, rounded down to a whole number.
const DefaultBlocksPerSeq uint32 = 195312

var (
	ErrInvalidTimebase = errors.New("clock: blocks per sequence must be positive")
	ErrInvalidClock    = errors.New("clock: expected seq.block")
)

// SampleClock is a (sequence, block) timestamp. Values produced by a Timebase
// keep Block < BlocksPerSeq, so ordering is lexicographic.
type SampleClock struct {
	Seq   uint32
	Block uint32
}

func (c SampleClock) Compare(o SampleClock) int {
	switch {
	case c.Seq < o.Seq:
		return -1
	case c.Seq > o.Seq:
		return 1
	case c.Block < o.Block:
		return -1
	case c.Block > o.Block:
		return 1
	}
	return 0
}

func (c SampleClock) Before(o SampleClock) bool { return c.Compare(o) < 0 }

func (c SampleClock) After(o SampleClock) bool { return c.Compare(o) > 0 }

func (c SampleClock) String() string {
	return fmt.Sprintf("%d.%d", c.Seq, c.Block)
}

// ParseSampleClock reads the "seq.block" form written by String.
func ParseSampleClock(s string) (SampleClock, error) {
	seq, block, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return SampleClock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	a, err := strconv.ParseUint(seq, 10, 32)
	if err != nil {
		return SampleClock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	b, err := strconv.ParseUint(block, 10, 32)
	if err != nil {
		return SampleClock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return SampleClock{Seq: uint32(a), Block: uint32(b)}, nil
}

// Timebase carries the block rate that clock arithmetic depends on.
type Timebase struct {
	BlocksPerSeq uint32
}

func DefaultTimebase() Timebase {
	return Timebase{BlocksPerSeq: DefaultBlocksPerSeq}
}

func (tb Timebase) Validate() error {
	if tb.BlocksPerSeq == 0 {
		return ErrInvalidTimebase
	}
	return nil
}

// Linear returns the number of blocks since (0, 0).
func (tb Timebase) Linear(c SampleClock) int64 {
	return int64(c.Seq)*int64(tb.BlocksPerSeq) + int64(c.Block)
}

// FromLinear is the inverse of Linear. Negative values clamp to (0, 0).
func (tb Timebase) FromLinear(v int64) SampleClock {
	if v <= 0 {
		return SampleClock{}
	}
	per := int64(tb.BlocksPerSeq)
	return SampleClock{Seq: uint32(v / per), Block: uint32(v % per)}
}

func (tb Timebase) Normalize(c SampleClock) SampleClock {
	return tb.FromLinear(tb.Linear(c))
}

func (tb Timebase) Add(c SampleClock, blocks int64) SampleClock {
	return tb.FromLinear(tb.Linear(c) + blocks)
}

// Sub returns a - b in blocks.
func (tb Timebase) Sub(a, b SampleClock) int64 {
	return tb.Linear(a) - tb.Linear(b)
}

// Align rounds c down to a multiple of interval blocks.
func (tb Timebase) Align(c SampleClock, interval int64) SampleClock {
	if interval <= 1 {
		return tb.Normalize(c)
	}
	v := tb.Linear(c)
	return tb.FromLinear(v - v%interval)
}

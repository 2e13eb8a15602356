// Package gather holds the integration side of the pipeline: per-core
// correlators, the round-robin Gather that sums their partial results, and
// the sink that forwards finished windows.
package gather

import (
	"errors"
	"fmt"
)

var ErrInvalidCursor = errors.New("gather: cursor bounds must be positive")

// Cursor walks the round-robin order partial results arrive in. Core advances
// fastest, then Subband, then Step; each wraps to zero and carries into the
// next.
type Cursor struct {
	Cores    int
	Subbands int
	Steps    int

	Core    int
	Subband int
	Step    int
}

func NewCursor(cores, subbands, steps int) (Cursor, error) {
	if cores <= 0 || subbands <= 0 || steps <= 0 {
		return Cursor{}, fmt.Errorf("%w: cores=%d subbands=%d steps=%d", ErrInvalidCursor, cores, subbands, steps)
	}
	return Cursor{Cores: cores, Subbands: subbands, Steps: steps}, nil
}

// Advance moves to the next position and reports whether a full cycle has
// completed.
func (c *Cursor) Advance() bool {
	c.Core++
	if c.Core < c.Cores {
		return false
	}
	c.Core = 0
	c.Subband++
	if c.Subband < c.Subbands {
		return false
	}
	c.Subband = 0
	c.Step++
	if c.Step < c.Steps {
		return false
	}
	c.Step = 0
	return true
}

// First is the position that opens a subband's window.
func (c Cursor) First() bool {
	return c.Core == 0 && c.Step == 0
}

// Last is the position that completes a subband's window.
func (c Cursor) Last() bool {
	return c.Core == c.Cores-1 && c.Step == c.Steps-1
}

// Cycle is the number of partial results in one full integration cycle.
func (c Cursor) Cycle() int {
	return c.Cores * c.Subbands * c.Steps
}

func (c Cursor) String() string {
	return fmt.Sprintf("core %d/%d subband %d/%d step %d/%d", c.Core, c.Cores, c.Subband, c.Subbands, c.Step, c.Steps)
}

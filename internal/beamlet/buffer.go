package beamlet

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/cyclic"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("beamlet: invalid buffer config")

// Outcome classifies what Write did with one frame.
type Outcome int

const (
	Written Outcome = iota
	GapFilled
	Reordered
	DroppedLate
	DroppedDuplicate
	DroppedMisaligned
	DroppedMalformed
	DroppedOverflow
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case GapFilled:
		return "gap_filled"
	case Reordered:
		return "reordered"
	case DroppedLate:
		return "dropped_late"
	case DroppedDuplicate:
		return "dropped_duplicate"
	case DroppedMisaligned:
		return "dropped_misaligned"
	case DroppedMalformed:
		return "dropped_malformed"
	case DroppedOverflow:
		return "dropped_overflow"
	default:
		return "unknown"
	}
}

func (o Outcome) Dropped() bool {
	return o >= DroppedLate
}

// Block is one frame interval of one board. Valid holds the valid sample
// count per beamlet; a gap-filled block is zeroed, Valid all zero and Flagged.
type Block struct {
	Board   int
	Clock   clock.SampleClock
	Data    []byte
	Valid   []uint32
	Flagged bool

	slot int
}

type Config struct {
	Board    int
	Layout   Layout
	Timebase clock.Timebase
	Depth    int
	Window   int
}

func (c Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return err
	}
	if err := c.Timebase.Validate(); err != nil {
		return err
	}
	if c.Depth <= 0 {
		return errors.Join(ErrInvalidConfig, errors.New("depth must be positive"))
	}
	if c.Window < 0 {
		return errors.Join(ErrInvalidConfig, errors.New("window must not be negative"))
	}
	return nil
}

type Stats struct {
	Written           uint64
	GapBlocks         uint64
	GapUnfilled       uint64
	Reordered         uint64
	DroppedLate       uint64
	DroppedDuplicate  uint64
	DroppedMisaligned uint64
	DroppedMalformed  uint64
	DroppedOverflow   uint64
	Ring              cyclic.Stats
}

// Buffer is the per-board store keyed by SampleClock. One InputThread writes,
// one reader consumes.
type Buffer struct {
	cfg      Config
	interval int64
	ring     *cyclic.Buffer[*Block]

	mu          sync.Mutex
	started     bool
	expected    int64
	recentClock []int64
	recentSlot  []int

	horizon atomic.Int64
	live    atomic.Bool
	sealed  atomic.Bool

	written           atomic.Uint64
	gapBlocks         atomic.Uint64
	gapUnfilled       atomic.Uint64
	reordered         atomic.Uint64
	droppedLate       atomic.Uint64
	droppedDuplicate  atomic.Uint64
	droppedMisaligned atomic.Uint64
	droppedMalformed  atomic.Uint64
	droppedOverflow   atomic.Uint64
}

func NewBuffer(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := cfg.Layout.PayloadSize()
	ring := cyclic.NewWith(cfg.Depth, func(i int) *Block {
		return &Block{
			Board: cfg.Board,
			Data:  make([]byte, size),
			Valid: make([]uint32, cfg.Layout.Beamlets),
			slot:  i,
		}
	})
	b := &Buffer{
		cfg:         cfg,
		interval:    cfg.Layout.Interval(),
		ring:        ring,
		recentClock: make([]int64, cfg.Window+1),
		recentSlot:  make([]int, cfg.Window+1),
	}
	for i := range b.recentClock {
		b.recentClock[i] = -1
	}
	return b, nil
}

func (b *Buffer) Config() Config {
	return b.cfg
}

// Write stores one frame payload at clock c according to the ordering policy.
func (b *Buffer) Write(c clock.SampleClock, payload []byte) Outcome {
	if len(payload) != b.cfg.Layout.PayloadSize() {
		b.droppedMalformed.Add(1)
		return DroppedMalformed
	}
	v := b.cfg.Timebase.Linear(c)
	if v%b.interval != 0 {
		b.droppedMisaligned.Add(1)
		return DroppedMisaligned
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.started = true
		b.expected = v
	}

	delta := (v - b.expected) / b.interval
	switch {
	case delta == 0:
		out := b.writeFresh(v, payload)
		b.advance(v + b.interval)
		return out
	case delta > 0:
		b.fillGap(v, delta)
		if out := b.writeFresh(v, payload); out != Written {
			b.advance(v + b.interval)
			return out
		}
		b.advance(v + b.interval)
		return GapFilled
	default:
		return b.writeLate(v, -delta, payload)
	}
}

func (b *Buffer) fillGap(v, frames int64) {
	b.gapBlocks.Add(uint64(frames))
	fill := frames
	if limit := int64(b.ring.Capacity()); fill > limit {
		fill = limit
	}
	if skipped := frames - fill; skipped > 0 {
		b.gapUnfilled.Add(uint64(skipped))
	}
	log.Debug().
		Int("board", b.cfg.Board).
		Str("from", b.cfg.Timebase.FromLinear(b.expected).String()).
		Str("to", b.cfg.Timebase.FromLinear(v).String()).
		Int64("frames", frames).
		Msg("beamlet.Buffer gap")
	for k := fill; k > 0; k-- {
		b.writeFlagged(v - k*b.interval)
	}
}

func (b *Buffer) writeFresh(v int64, payload []byte) Outcome {
	blk, idx, err := b.ring.WriteLock()
	if err != nil {
		b.droppedOverflow.Add(1)
		return DroppedOverflow
	}
	blk.Clock = b.cfg.Timebase.FromLinear(v)
	copy(blk.Data, payload)
	b.markValid(blk)
	_ = b.ring.WriteUnlock(idx)
	b.remember(v, idx)
	b.written.Add(1)
	return Written
}

func (b *Buffer) writeFlagged(v int64) {
	blk, idx, err := b.ring.WriteLock()
	if err != nil {
		b.droppedOverflow.Add(1)
		return
	}
	blk.Clock = b.cfg.Timebase.FromLinear(v)
	clear(blk.Data)
	clear(blk.Valid)
	blk.Flagged = true
	_ = b.ring.WriteUnlock(idx)
	b.remember(v, idx)
}

func (b *Buffer) writeLate(v, behind int64, payload []byte) Outcome {
	if behind > int64(b.cfg.Window) {
		b.droppedLate.Add(1)
		return DroppedLate
	}
	idx, ok := b.lookup(v)
	if !ok {
		b.droppedLate.Add(1)
		return DroppedLate
	}
	blk, err := b.ring.Reacquire(idx)
	if err != nil {
		// already consumed or reclaimed
		b.droppedLate.Add(1)
		return DroppedLate
	}
	if b.cfg.Timebase.Linear(blk.Clock) != v {
		_ = b.ring.WriteAbort(idx)
		b.droppedLate.Add(1)
		return DroppedLate
	}
	if !blk.Flagged {
		_ = b.ring.WriteAbort(idx)
		b.droppedDuplicate.Add(1)
		return DroppedDuplicate
	}
	copy(blk.Data, payload)
	b.markValid(blk)
	_ = b.ring.WriteUnlock(idx)
	b.reordered.Add(1)
	return Reordered
}

func (b *Buffer) markValid(blk *Block) {
	for i := range blk.Valid {
		blk.Valid[i] = uint32(b.cfg.Layout.SamplesPerFrame)
	}
	blk.Flagged = false
}

func (b *Buffer) remember(v int64, idx int) {
	k := int((v / b.interval) % int64(len(b.recentClock)))
	b.recentClock[k] = v
	b.recentSlot[k] = idx
}

func (b *Buffer) lookup(v int64) (int, bool) {
	k := int((v / b.interval) % int64(len(b.recentClock)))
	if b.recentClock[k] != v {
		return 0, false
	}
	return b.recentSlot[k], true
}

func (b *Buffer) advance(next int64) {
	b.expected = next
	b.horizon.Store(next)
	b.live.Store(true)
}

// Horizon is the next clock the writer expects. Every clock before it has
// been resolved as written, gap-filled, or lost.
func (b *Buffer) Horizon() (clock.SampleClock, bool) {
	if !b.live.Load() {
		return clock.SampleClock{}, false
	}
	return b.cfg.Timebase.FromLinear(b.horizon.Load()), true
}

// Seal records that the writer has stopped for good. Blocks already written
// stay readable.
func (b *Buffer) Seal() {
	b.sealed.Store(true)
}

func (b *Buffer) Sealed() bool {
	return b.sealed.Load()
}

// Queued is the number of filled blocks not yet read.
func (b *Buffer) Queued() int {
	return b.ring.Stats().Filled
}

// ReadNext returns the oldest unread block, waiting up to timeout.
func (b *Buffer) ReadNext(ctx context.Context, timeout time.Duration) (*Block, bool) {
	blk, _, ok := b.ring.ReadLockWait(ctx, timeout)
	if !ok {
		return nil, false
	}
	return blk, true
}

// TryReadNext is the non-blocking form of ReadNext.
func (b *Buffer) TryReadNext() (*Block, bool) {
	blk, _, ok := b.ring.ReadLock()
	return blk, ok
}

// Done hands a block obtained from ReadNext back to the writer rotation.
func (b *Buffer) Done(blk *Block) {
	if blk == nil {
		return
	}
	_ = b.ring.ReadUnlock(blk.slot)
}

func (b *Buffer) GapBlocks() uint64 {
	return b.gapBlocks.Load()
}

func (b *Buffer) Stats() Stats {
	return Stats{
		Written:           b.written.Load(),
		GapBlocks:         b.gapBlocks.Load(),
		GapUnfilled:       b.gapUnfilled.Load(),
		Reordered:         b.reordered.Load(),
		DroppedLate:       b.droppedLate.Load(),
		DroppedDuplicate:  b.droppedDuplicate.Load(),
		DroppedMisaligned: b.droppedMisaligned.Load(),
		DroppedMalformed:  b.droppedMalformed.Load(),
		DroppedOverflow:   b.droppedOverflow.Load(),
		Ring:              b.ring.Stats(),
	}
}

// Package transpose turns per-board beamlet buffers into cross-board blocks,
// one block per frame interval, split into subbands for downstream cores.
package transpose

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/observability"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultWait = 100 * time.Millisecond

var (
	ErrNoBoards       = errors.New("transpose: no boards")
	ErrLayoutMismatch = errors.New("transpose: boards disagree on layout or timebase")
	ErrBadSubband     = errors.New("transpose: subband out of range")
)

// Source is the read side of one board's buffer.
type Source interface {
	Config() beamlet.Config
	ReadNext(ctx context.Context, timeout time.Duration) (*beamlet.Block, bool)
	TryReadNext() (*beamlet.Block, bool)
	Done(blk *beamlet.Block)
	Horizon() (clock.SampleClock, bool)
	Sealed() bool
	Queued() int
}

// Subband is a contiguous beamlet range.
type Subband struct {
	First int `toml:"first"`
	Count int `toml:"count"`
}

type Config struct {
	Name string
	// Subbands defaults to one subband holding every beamlet.
	Subbands []Subband
	// Cores spreads consecutive blocks round-robin over this many outputs per
	// subband. Output index is subband*Cores + core.
	Cores int
	// StartClock, when set, discards every block before it.
	StartClock *clock.SampleClock
	// MaxBlocks stops the stage after that many emitted blocks; 0 runs until
	// every board is sealed and drained.
	MaxBlocks uint64
	// Wait bounds one step's wait for unresolved boards.
	Wait time.Duration
	// LostAfter marks boards lost that have not resolved the current block
	// for this long. 0 waits for them indefinitely.
	LostAfter time.Duration
}

type Stats struct {
	Emitted         uint64
	LostBoardBlocks uint64
	StaleDiscards   uint64
	Next            string
}

// resolution is one board's contribution to the current block. A done
// resolution with a nil block means the board is lost for that clock.
type resolution struct {
	done bool
	blk  *beamlet.Block
}

// Stage reads one block per board for each clock and emits the aligned
// cross-board block. It never emits a clock before every board has either
// delivered its block or been marked lost for it.
type Stage struct {
	cfg      Config
	dm       *dataflow.DataManager
	sources  []Source
	boards   []int
	layout   beamlet.Layout
	tb       clock.Timebase
	interval int64

	started bool
	next    int64
	since   time.Time
	count   uint64
	held    []*beamlet.Block
	res     []resolution

	emitted atomic.Uint64
	lost    atomic.Uint64
	stale   atomic.Uint64
	cursor  atomic.Int64
}

var _ dataflow.WorkUnit = (*Stage)(nil)

func NewStage(cfg Config, sources []Source) (*Stage, error) {
	if len(sources) == 0 {
		return nil, protocol.Fatal("transpose.NewStage", ErrNoBoards)
	}
	if cfg.Name == "" {
		cfg.Name = "transpose"
	}
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultWait
	}
	first := sources[0].Config()
	s := &Stage{
		cfg:      cfg,
		dm:       dataflow.NewDataManager(cfg.Name),
		sources:  sources,
		layout:   first.Layout,
		tb:       first.Timebase,
		interval: first.Layout.Interval(),
		held:     make([]*beamlet.Block, len(sources)),
		res:      make([]resolution, len(sources)),
	}
	for _, src := range sources {
		c := src.Config()
		if c.Layout != s.layout || c.Timebase != s.tb {
			return nil, protocol.Fatal("transpose.NewStage", fmt.Errorf("%w: board %d", ErrLayoutMismatch, c.Board))
		}
		s.boards = append(s.boards, c.Board)
	}
	if len(s.cfg.Subbands) == 0 {
		s.cfg.Subbands = []Subband{{First: 0, Count: s.layout.Beamlets}}
	}
	for i, sb := range s.cfg.Subbands {
		if sb.First < 0 || sb.Count <= 0 || sb.First+sb.Count > s.layout.Beamlets {
			return nil, protocol.Fatal("transpose.NewStage", fmt.Errorf("%w: subband %d %+v of %d beamlets", ErrBadSubband, i, sb, s.layout.Beamlets))
		}
		for core := 0; core < s.cfg.Cores; core++ {
			name := fmt.Sprintf("%s.sb%d.core%d", s.cfg.Name, i, core)
			out := s.dm.AddOutput(NewBuffer(name, len(sources), s.layout, sb.Count))
			if err := s.dm.SetOutputTrigger(out, false); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Stage) Name() string                       { return s.cfg.Name }
func (s *Stage) Kind() dataflow.Kind                { return dataflow.KindTranspose }
func (s *Stage) DataManager() *dataflow.DataManager { return s.dm }

func (s *Stage) Subbands() []Subband { return append([]Subband(nil), s.cfg.Subbands...) }

// Output is the port index carrying subband sb for core.
func (s *Stage) Output(sb, core int) int { return sb*s.cfg.Cores + core }

func (s *Stage) Preprocess(context.Context) error {
	if s.cfg.StartClock != nil {
		start := s.tb.Align(*s.cfg.StartClock, s.interval)
		s.begin(s.tb.Linear(start))
	}
	log.Info().
		Str("unit", s.cfg.Name).
		Ints("boards", s.boards).
		Int("subbands", len(s.cfg.Subbands)).
		Int("cores", s.cfg.Cores).
		Msg("transpose started")
	return nil
}

// Process emits at most one block. It returns ErrSkip when some board is
// still unresolved after the step's wait.
func (s *Stage) Process(ctx context.Context) error {
	if s.cfg.MaxBlocks > 0 && s.count >= s.cfg.MaxBlocks {
		return dataflow.ErrDone
	}
	if s.drained() {
		return dataflow.ErrDone
	}
	deadline := time.Now().Add(s.cfg.Wait)
	if !s.started && !s.pickStart(ctx, deadline) {
		return dataflow.ErrSkip
	}

	pending := 0
	for i := range s.sources {
		if !s.res[i].done && !s.resolve(ctx, i, deadline) {
			pending++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if pending > 0 {
		if s.cfg.LostAfter <= 0 || time.Since(s.since) < s.cfg.LostAfter {
			return dataflow.ErrSkip
		}
		for i := range s.sources {
			if !s.res[i].done {
				log.Warn().
					Str("unit", s.cfg.Name).
					Int("board", s.boards[i]).
					Str("clock", s.tb.FromLinear(s.next).String()).
					Msg("transpose board silent, marking lost")
				s.markLost(i)
			}
		}
	}
	if s.drained() {
		// every board ran out while resolving this clock
		return dataflow.ErrDone
	}
	return s.emit(ctx)
}

func (s *Stage) Postprocess(context.Context) error {
	for i, src := range s.sources {
		src.Done(s.held[i])
		src.Done(s.res[i].blk)
		s.held[i] = nil
		s.res[i] = resolution{}
	}
	st := s.Stats()
	log.Info().
		Str("unit", s.cfg.Name).
		Uint64("emitted", st.Emitted).
		Uint64("lost_board_blocks", st.LostBoardBlocks).
		Uint64("stale_discards", st.StaleDiscards).
		Msg("transpose stopped")
	return nil
}

func (s *Stage) Stats() Stats {
	st := Stats{
		Emitted:         s.emitted.Load(),
		LostBoardBlocks: s.lost.Load(),
		StaleDiscards:   s.stale.Load(),
	}
	if v := s.cursor.Load(); v > 0 {
		st.Next = s.tb.FromLinear(v - 1).String()
	}
	return st
}

func (s *Stage) begin(v int64) {
	s.started = true
	s.next = v
	s.since = time.Now()
	s.cursor.Store(v + 1)
}

// pickStart starts at the earliest block any board has ready.
func (s *Stage) pickStart(ctx context.Context, deadline time.Time) bool {
	share := s.cfg.Wait / time.Duration(len(s.sources))
	if share < time.Millisecond {
		share = time.Millisecond
	}
	for i, src := range s.sources {
		if s.held[i] != nil {
			continue
		}
		if blk, ok := src.TryReadNext(); ok {
			s.held[i] = blk
			continue
		}
		wait := min(share, time.Until(deadline))
		if wait <= 0 || ctx.Err() != nil {
			continue
		}
		if blk, ok := src.ReadNext(ctx, wait); ok {
			s.held[i] = blk
		}
	}
	found := false
	var earliest int64
	for _, blk := range s.held {
		if blk == nil {
			continue
		}
		if v := s.tb.Linear(blk.Clock); !found || v < earliest {
			earliest, found = v, true
		}
	}
	if found {
		s.begin(earliest)
	}
	return found
}

// resolve settles board i for the current clock. It returns false when the
// board has neither delivered nor moved past the clock by deadline.
func (s *Stage) resolve(ctx context.Context, i int, deadline time.Time) bool {
	src := s.sources[i]
	for {
		if s.held[i] == nil {
			if blk, ok := src.TryReadNext(); ok {
				s.held[i] = blk
			}
		}
		if blk := s.held[i]; blk != nil {
			v := s.tb.Linear(blk.Clock)
			switch {
			case v < s.next:
				s.stale.Add(1)
				observability.RecordStaleDiscard(s.cfg.Name)
				src.Done(blk)
				s.held[i] = nil
				continue
			case v == s.next:
				s.res[i] = resolution{done: true, blk: blk}
				s.held[i] = nil
			default:
				// the board already moved past this clock
				s.markLost(i)
			}
			return true
		}

		sealed := src.Sealed()
		h, live := src.Horizon()
		passed := live && s.tb.Linear(h) > s.next
		if (sealed || passed) && src.Queued() == 0 {
			s.markLost(i)
			return true
		}
		wait := time.Until(deadline)
		if wait <= 0 || ctx.Err() != nil {
			return false
		}
		blk, ok := src.ReadNext(ctx, wait)
		if !ok {
			if ctx.Err() != nil {
				return false
			}
			continue
		}
		s.held[i] = blk
	}
}

func (s *Stage) markLost(i int) {
	s.res[i] = resolution{done: true}
	s.lost.Add(1)
	observability.RecordLostBoardBlock(s.cfg.Name, s.boards[i])
}

// drained reports that every board is sealed with nothing left to read and
// nothing resolved for the current clock.
func (s *Stage) drained() bool {
	for i, src := range s.sources {
		if s.held[i] != nil || s.res[i].blk != nil {
			return false
		}
		if !src.Sealed() || src.Queued() > 0 {
			return false
		}
	}
	return true
}

func (s *Stage) emit(ctx context.Context) error {
	c := s.tb.FromLinear(s.next)
	core := int(s.count % uint64(s.cfg.Cores))
	bb := s.layout.BeamletBytes()

	for sb, band := range s.cfg.Subbands {
		out := s.Output(sb, core)
		buf := s.dm.Output(out)
		data := buf.MustField("data")
		meta := Meta{
			Seq:     c.Seq,
			Block:   c.Block,
			Index:   s.count,
			First:   band.First,
			Boards:  s.boards,
			Lost:    make([]bool, len(s.sources)),
			Flagged: make([]bool, len(s.sources)),
			Valid:   make([][]uint32, len(s.sources)),
		}
		span := band.Count * bb
		for i, r := range s.res {
			dst := data[i*span : (i+1)*span]
			valid := make([]uint32, band.Count)
			if r.blk == nil {
				clear(dst)
				meta.Lost[i] = true
				meta.Flagged[i] = true
			} else {
				copy(dst, r.blk.Data[band.First*bb:band.First*bb+span])
				copy(valid, r.blk.Valid[band.First:band.First+band.Count])
				meta.Flagged[i] = r.blk.Flagged
			}
			meta.Valid[i] = valid
		}
		extra, err := EncodeMeta(meta)
		if err != nil {
			return err
		}
		buf.Extra = extra
		if err := s.dm.ReadyWithOutHolder(ctx, out); err != nil {
			return err
		}
	}

	for i, r := range s.res {
		s.sources[i].Done(r.blk)
		s.res[i] = resolution{}
	}
	s.count++
	s.emitted.Add(1)
	observability.RecordEmitted(s.cfg.Name)
	s.next += s.interval
	s.since = time.Now()
	s.cursor.Store(s.next + 1)
	return nil
}

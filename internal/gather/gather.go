package gather

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/observability"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrOutOfOrder = errors.New("gather: partial result out of round-robin order")

type Config struct {
	Name     string
	Cores    int
	Subbands int
	Steps    int
	Shape    Shape
}

// Gather sums partial visibilities from Cores inputs into one output per
// subband. Partials arrive in Cursor order; a subband's output is marked
// ready exactly once, when the last partial of its window has been added.
type Gather struct {
	cfg    Config
	dm     *dataflow.DataManager
	cursor Cursor

	sums    [][]float32
	scratch []float32
	window  []uint64
	meta    []VisMeta

	received atomic.Uint64
	ready    atomic.Uint64
}

var _ dataflow.WorkUnit = (*Gather)(nil)

func NewGather(cfg Config) (*Gather, error) {
	if cfg.Name == "" {
		cfg.Name = "gather"
	}
	cur, err := NewCursor(cfg.Cores, cfg.Subbands, cfg.Steps)
	if err != nil {
		return nil, protocol.Fatal("gather.NewGather", err)
	}
	if cfg.Shape.Floats() <= 0 {
		return nil, protocol.Fatal("gather.NewGather", fmt.Errorf("%w: shape %+v", ErrInvalidCorrelator, cfg.Shape))
	}
	g := &Gather{
		cfg:     cfg,
		dm:      dataflow.NewDataManager(cfg.Name),
		cursor:  cur,
		sums:    make([][]float32, cfg.Subbands),
		scratch: make([]float32, cfg.Shape.Floats()),
		window:  make([]uint64, cfg.Subbands),
		meta:    make([]VisMeta, cfg.Subbands),
	}
	for c := 0; c < cfg.Cores; c++ {
		in := g.dm.AddInput(cfg.Shape.NewBuffer(fmt.Sprintf("%s.core%d", cfg.Name, c)))
		if err := g.dm.SetInputTrigger(in, false); err != nil {
			return nil, err
		}
	}
	for s := 0; s < cfg.Subbands; s++ {
		g.sums[s] = make([]float32, cfg.Shape.Floats())
		out := g.dm.AddOutput(cfg.Shape.NewBuffer(fmt.Sprintf("%s.sb%d", cfg.Name, s)))
		if err := g.dm.SetOutputTrigger(out, false); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Gather) Name() string                       { return g.cfg.Name }
func (g *Gather) Kind() dataflow.Kind                { return dataflow.KindIntegrate }
func (g *Gather) DataManager() *dataflow.DataManager { return g.dm }

// Cursor is the position of the next expected partial.
func (g *Gather) Cursor() Cursor { return g.cursor }

func (g *Gather) Preprocess(context.Context) error {
	log.Info().
		Str("unit", g.cfg.Name).
		Int("cores", g.cfg.Cores).
		Int("subbands", g.cfg.Subbands).
		Int("steps", g.cfg.Steps).
		Msg("gather started")
	return nil
}

// Process consumes exactly one partial result.
func (g *Gather) Process(ctx context.Context) error {
	cur := g.cursor
	if err := g.dm.Receive(ctx, cur.Core); err != nil {
		return err
	}
	in := g.dm.Input(cur.Core)
	meta, err := DecodeVisMeta(in.Extra)
	if err != nil {
		return protocol.Fatal("gather.Gather", err)
	}
	if meta.Subband != cur.Subband {
		return protocol.Fatal("gather.Gather", fmt.Errorf("%w: got subband %d at %s", ErrOutOfOrder, meta.Subband, cur))
	}
	g.received.Add(1)
	dataflow.Float32s(g.scratch, in.MustField("vis"))

	s := cur.Subband
	sum := g.sums[s]
	if cur.First() {
		clear(sum)
		g.meta[s] = VisMeta{Subband: s, Seq: meta.Seq, Block: meta.Block, Index: meta.Index}
	}
	g.merge(s, meta)
	if !cur.Last() {
		for i, v := range g.scratch {
			sum[i] += v
		}
		g.cursor.Advance()
		return nil
	}

	out := g.dm.Output(s)
	vis := out.MustField("vis")
	dataflow.PutFloat32s(vis, sum)
	dataflow.AddFloat32s(vis, g.scratch)
	m := g.meta[s]
	m.Window = g.window[s]
	if out.Extra, err = EncodeVisMeta(m); err != nil {
		return err
	}
	if err := g.dm.ReadyWithOutHolder(ctx, s); err != nil {
		return err
	}
	g.window[s]++
	g.ready.Add(1)
	observability.RecordIntegration(g.cfg.Name)
	g.cursor.Advance()
	return nil
}

// merge folds a partial's flags into the window metadata.
func (g *Gather) merge(s int, part VisMeta) {
	m := &g.meta[s]
	m.Parts += part.Parts
	if len(m.Flagged) < len(part.Flagged) {
		m.Flagged = append(m.Flagged, make([]bool, len(part.Flagged)-len(m.Flagged))...)
	}
	for i, f := range part.Flagged {
		m.Flagged[i] = m.Flagged[i] || f
	}
}

func (g *Gather) Postprocess(context.Context) error {
	log.Info().
		Str("unit", g.cfg.Name).
		Uint64("partials", g.received.Load()).
		Uint64("windows", g.ready.Load()).
		Str("cursor", g.cursor.String()).
		Msg("gather stopped")
	return nil
}

type Stats struct {
	Partials uint64
	Windows  uint64
}

func (g *Gather) Stats() Stats {
	return Stats{Partials: g.received.Load(), Windows: g.ready.Load()}
}

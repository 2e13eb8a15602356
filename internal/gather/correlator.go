package gather

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/transpose"
	"github.com/rs/zerolog/log"
)

var ErrInvalidCorrelator = errors.New("gather: invalid correlator config")

type CorrelatorConfig struct {
	Name   string
	Boards int
	Layout beamlet.Layout
	// Beamlets per subband. Every subband of one core has the same width.
	Beamlets int
	Subbands int
}

func (cfg CorrelatorConfig) Shape() Shape {
	return Shape{Boards: cfg.Boards, Beamlets: cfg.Beamlets, Polarizations: cfg.Layout.Polarizations}
}

// Correlator is one compute core. Input s carries the transposed blocks of
// subband s; inputs are read in rotation, one per step, and each step emits
// that subband's partial visibilities on the single output.
type Correlator struct {
	cfg   CorrelatorConfig
	shape Shape
	dm    *dataflow.DataManager
	next  int
	acc   []float32
	parts uint64
}

var _ dataflow.WorkUnit = (*Correlator)(nil)

func NewCorrelator(cfg CorrelatorConfig) (*Correlator, error) {
	if cfg.Name == "" {
		cfg.Name = "correlator"
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, protocol.Fatal("gather.NewCorrelator", err)
	}
	if err := checkSampleWidth(cfg.Layout.BytesPerSample); err != nil {
		return nil, protocol.Fatal("gather.NewCorrelator", err)
	}
	if cfg.Boards <= 0 || cfg.Subbands <= 0 || cfg.Beamlets <= 0 || cfg.Beamlets > cfg.Layout.Beamlets {
		return nil, protocol.Fatal("gather.NewCorrelator",
			fmt.Errorf("%w: boards=%d subbands=%d beamlets=%d", ErrInvalidCorrelator, cfg.Boards, cfg.Subbands, cfg.Beamlets))
	}
	c := &Correlator{
		cfg:   cfg,
		shape: cfg.Shape(),
		dm:    dataflow.NewDataManager(cfg.Name),
	}
	c.acc = make([]float32, c.shape.Floats())
	for s := 0; s < cfg.Subbands; s++ {
		in := c.dm.AddInput(transpose.NewBuffer(fmt.Sprintf("%s.sb%d", cfg.Name, s), cfg.Boards, cfg.Layout, cfg.Beamlets))
		if err := c.dm.SetInputTrigger(in, false); err != nil {
			return nil, err
		}
	}
	c.dm.AddOutput(c.shape.NewBuffer(cfg.Name + ".vis"))
	return c, nil
}

func (c *Correlator) Name() string                       { return c.cfg.Name }
func (c *Correlator) Kind() dataflow.Kind                { return dataflow.KindIntegrate }
func (c *Correlator) DataManager() *dataflow.DataManager { return c.dm }
func (c *Correlator) Shape() Shape                       { return c.shape }

func (c *Correlator) Preprocess(context.Context) error {
	log.Info().
		Str("unit", c.cfg.Name).
		Int("subbands", c.cfg.Subbands).
		Int("baselines", c.shape.Baselines()).
		Msg("correlator started")
	return nil
}

func (c *Correlator) Process(ctx context.Context) error {
	s := c.next
	if err := c.dm.Receive(ctx, s); err != nil {
		return err
	}
	in := c.dm.Input(s)
	meta, err := transpose.DecodeMeta(in.Extra)
	if err != nil {
		return protocol.Fatal("gather.Correlator", err)
	}
	correlate(c.acc, in.MustField("data"), c.shape, c.cfg.Layout)

	out := c.dm.Output(0)
	dataflow.PutFloat32s(out.MustField("vis"), c.acc)
	out.Extra, err = EncodeVisMeta(VisMeta{
		Subband: s,
		Seq:     meta.Seq,
		Block:   meta.Block,
		Index:   meta.Index,
		Parts:   1,
		Flagged: meta.Flagged,
	})
	if err != nil {
		return err
	}
	c.next = (s + 1) % c.cfg.Subbands
	c.parts++
	return nil
}

func (c *Correlator) Postprocess(context.Context) error {
	log.Info().Str("unit", c.cfg.Name).Uint64("partials", c.parts).Msg("correlator stopped")
	return nil
}

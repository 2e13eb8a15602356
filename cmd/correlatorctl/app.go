package main

import (
	"context"
	"fmt"

	"github.com/danmuck/corrstream/internal/config"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/gather"
	"github.com/danmuck/corrstream/internal/node"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/rs/zerolog/log"
)

type app struct {
	node     *node.Node
	cores    []*gather.Correlator
	gather   *gather.Gather
	sink     *gather.Sink
	inputs   []*stream.Holder
	subbands int
	shape    gather.Shape
}

type appStats struct {
	Gather  gather.Stats         `json:"gather"`
	Windows uint64               `json:"windows"`
	Inputs  []dataflow.PortStats `json:"inputs"`
	Latest  []windowSummary      `json:"latest"`
	Pool    poolStats            `json:"pool"`
}

type windowSummary struct {
	Subband int     `json:"subband"`
	Window  uint64  `json:"window"`
	Index   uint64  `json:"index"`
	Parts   int     `json:"parts"`
	Flagged int     `json:"flagged"`
	Peak    float32 `json:"peak"`
}

type poolStats struct {
	Allocated uint64 `json:"allocated"`
	Recycled  uint64 `json:"recycled"`
}

// newApp builds one correlator per core, each listening on its configured
// subband inputs, and links them in-process to the gather and sink units.
func newApp(ctx context.Context, cfg config.CorrelatorConfig) (*app, error) {
	n, err := node.New(ctx, cfg.Name, cfg.Rendezvous)
	if err != nil {
		return nil, err
	}
	a := &app{node: n}
	if err := a.wire(cfg); err != nil {
		n.Close()
		return nil, err
	}
	n.Serve(cfg.AdminAddr, cfg.CorsOrigins, a.stats)
	return a, nil
}

func (a *app) wire(cfg config.CorrelatorConfig) error {
	p := a.node.Pipeline
	retry := cfg.Retry.Policy()
	for c, core := range cfg.Cores {
		corr, err := gather.NewCorrelator(cfg.Core(c))
		if err != nil {
			return err
		}
		for sb, in := range core.Inputs {
			h, err := stream.NewHolder(in, true, a.node.Stream, retry)
			if err != nil {
				return fmt.Errorf("core %d subband %d: %w", c, sb, err)
			}
			if err := corr.DataManager().BindInput(sb, h); err != nil {
				return err
			}
			a.inputs = append(a.inputs, h)
		}
		a.cores = append(a.cores, corr)
	}

	shape := cfg.Core(0).Shape()
	g, err := gather.NewGather(cfg.Gather(shape))
	if err != nil {
		return err
	}
	sink, err := gather.NewSink(cfg.SinkUnit(shape, a.node.Stream))
	if err != nil {
		return err
	}
	a.gather, a.sink = g, sink
	a.subbands, a.shape = cfg.Subbands, shape

	if err := p.Add(g, sink); err != nil {
		return err
	}
	for c, corr := range a.cores {
		if err := p.Add(corr); err != nil {
			return err
		}
		if err := p.Connect(corr, 0, g, c); err != nil {
			return err
		}
	}
	for sb := 0; sb < cfg.Subbands; sb++ {
		if err := p.Connect(g, sb, sink, sb); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) stats() any {
	st := appStats{Gather: a.gather.Stats(), Windows: a.sink.Windows()}
	for _, corr := range a.cores {
		ins, _ := corr.DataManager().Stats()
		st.Inputs = append(st.Inputs, ins...)
	}
	for sb := 0; sb < a.subbands; sb++ {
		if w, ok := a.latest(sb); ok {
			st.Latest = append(st.Latest, w)
		}
	}
	st.Pool.Allocated, st.Pool.Recycled = a.sink.BufferStats()
	return st
}

// latest summarises the sink's most recent window of subband sb.
func (a *app) latest(sb int) (windowSummary, bool) {
	buf := a.sink.Latest(sb)
	if buf == nil {
		return windowSummary{}, false
	}
	defer a.sink.Release(buf)
	meta, err := gather.DecodeVisMeta(buf.Extra)
	if err != nil {
		return windowSummary{}, false
	}
	w := windowSummary{Subband: sb, Window: meta.Window, Index: meta.Index, Parts: meta.Parts}
	for _, f := range meta.Flagged {
		if f {
			w.Flagged++
		}
	}
	vis := make([]float32, a.shape.Floats())
	dataflow.Float32s(vis, buf.MustField("vis"))
	for _, v := range vis {
		w.Peak = max(w.Peak, v, -v)
	}
	return w, true
}

// run listens on every input up front. A correlator only reads one subband
// per step and would otherwise publish later keys late.
func (a *app) run(ctx context.Context) error {
	for _, h := range a.inputs {
		go func() {
			if _, err := h.Connect(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Str("input", h.Descriptor().String()).Err(err).Msg("correlator input listen failed")
			}
		}()
	}
	return a.node.Run(ctx)
}

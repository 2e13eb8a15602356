package main

import (
	"context"
	"fmt"

	"github.com/danmuck/corrstream/internal/capture"
	"github.com/danmuck/corrstream/internal/config"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/node"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/danmuck/corrstream/internal/transpose"
)

type app struct {
	node  *node.Node
	unit  *capture.Unit
	stage *transpose.Stage
}

type appStats struct {
	Boards    []capture.BoardStats `json:"boards"`
	Transpose transpose.Stats      `json:"transpose"`
	Outputs   []dataflow.PortStats `json:"outputs"`
}

// newApp wires the capture unit to the transpose stage and binds every
// transpose output to its configured destination.
func newApp(ctx context.Context, cfg config.CaptureConfig) (*app, error) {
	n, err := node.New(ctx, cfg.Name, cfg.Rendezvous)
	if err != nil {
		return nil, err
	}
	unitCfg := cfg.CaptureUnit(n.Stream)
	cu, err := capture.NewUnit(unitCfg)
	if err != nil {
		n.Close()
		return nil, err
	}
	stageCfg, err := cfg.TransposeStage()
	if err != nil {
		n.Close()
		return nil, err
	}
	sources := make([]transpose.Source, 0, len(cfg.Boards))
	for _, buf := range cu.Buffers() {
		sources = append(sources, buf)
	}
	stage, err := transpose.NewStage(stageCfg, sources)
	if err != nil {
		n.Close()
		return nil, err
	}

	retry := cfg.Retry.Policy()
	dm := stage.DataManager()
	for sb := range cfg.Transpose.Outputs {
		for core := 0; core < cfg.Transpose.Cores; core++ {
			h, err := stream.NewHolder(cfg.Destination(sb, core), false, unitCfg.Stream, retry)
			if err != nil {
				n.Close()
				return nil, fmt.Errorf("subband %d core %d: %w", sb, core, err)
			}
			if err := dm.BindOutput(stage.Output(sb, core), h); err != nil {
				n.Close()
				return nil, err
			}
		}
	}
	if err := n.Pipeline.Add(cu, stage); err != nil {
		n.Close()
		return nil, err
	}

	a := &app{node: n, unit: cu, stage: stage}
	n.Serve(cfg.AdminAddr, cfg.CorsOrigins, a.stats)
	return a, nil
}

func (a *app) stats() any {
	_, outs := a.stage.DataManager().Stats()
	return appStats{
		Boards:    a.unit.Stats(),
		Transpose: a.stage.Stats(),
		Outputs:   outs,
	}
}

func (a *app) run(ctx context.Context) error {
	return a.node.Run(ctx)
}

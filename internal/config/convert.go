package config

import (
	"fmt"

	"github.com/danmuck/corrstream/internal/capture"
	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/gather"
	"github.com/danmuck/corrstream/internal/protocol/frame"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/danmuck/corrstream/internal/transpose"
)

func (r RetryConfig) Policy() stream.RetryPolicy {
	p := stream.DefaultRetryPolicy()
	p.Attempts = r.Attempts
	if r.InitialDelay > 0 {
		p.Backoff.InitialDelay = r.InitialDelay.Std()
	}
	if r.MaxDelay > 0 {
		p.Backoff.MaxDelay = r.MaxDelay.Std()
	}
	return p
}

func (c CaptureConfig) Timebase() clock.Timebase {
	return clock.Timebase{BlocksPerSeq: c.BlocksPerSeq}
}

// CaptureUnit maps the board list onto capture unit settings. opts carries
// the rendezvous chosen at startup.
func (c CaptureConfig) CaptureUnit(opts stream.Options) capture.Config {
	opts.ReadBuffer = c.ReadBuffer
	if opts.AdvertiseHost == "" {
		opts.AdvertiseHost = c.Rendezvous.AdvertiseHost
	}
	boards := make([]capture.BoardInput, 0, len(c.Boards))
	for _, b := range c.Boards {
		boards = append(boards, capture.BoardInput{ID: b.ID, Source: b.Source})
	}
	limits := frame.DefaultLimits()
	if need := uint32(c.Layout.PayloadSize()); need > limits.MaxPayloadBytes {
		limits.MaxPayloadBytes = need
	}
	return capture.Config{
		Name:     c.Name + ".capture",
		Boards:   boards,
		Layout:   c.Layout,
		Timebase: c.Timebase(),
		Depth:    c.BufferDepth,
		Window:   c.LateWindow,
		Thread: capture.ThreadOptions{
			RecvTimeout: c.RecvTimeout.Std(),
			Limits:      limits,
		},
		Stream: opts,
		Retry:  c.Retry.Policy(),
	}
}

func (c CaptureConfig) TransposeStage() (transpose.Config, error) {
	t := c.Transpose
	cfg := transpose.Config{
		Name:      c.Name + ".transpose",
		Cores:     t.Cores,
		MaxBlocks: t.MaxBlocks,
		Wait:      t.Wait.Std(),
		LostAfter: t.LostAfter.Std(),
	}
	for _, o := range t.Outputs {
		cfg.Subbands = append(cfg.Subbands, transpose.Subband{First: o.First, Count: o.Count})
	}
	if t.Start != "" {
		start, err := clock.ParseSampleClock(t.Start)
		if err != nil {
			return transpose.Config{}, fmt.Errorf("transpose.start: %w", err)
		}
		cfg.StartClock = &start
	}
	return cfg, nil
}

// Destination is the stream descriptor for a transpose output.
func (c CaptureConfig) Destination(subband, core int) string {
	return c.Transpose.Outputs[subband].Destinations[core]
}

func (c CorrelatorConfig) Core(core int) gather.CorrelatorConfig {
	return gather.CorrelatorConfig{
		Name:     fmt.Sprintf("%s.core%d", c.Name, core),
		Boards:   c.Boards,
		Layout:   c.Layout,
		Beamlets: c.Beamlets,
		Subbands: c.Subbands,
	}
}

func (c CorrelatorConfig) Gather(shape gather.Shape) gather.Config {
	return gather.Config{
		Name:     c.Name + ".gather",
		Cores:    len(c.Cores),
		Subbands: c.Subbands,
		Steps:    c.IntegrationSteps,
		Shape:    shape,
	}
}

func (c CorrelatorConfig) SinkUnit(shape gather.Shape, opts stream.Options) gather.SinkConfig {
	return gather.SinkConfig{
		Name:       c.Name + ".sink",
		Subbands:   c.Subbands,
		Shape:      shape,
		Descriptor: c.Sink,
		Stream:     opts,
		Retry:      c.Retry.Policy(),
		MaxWindows: c.MaxWindows,
	}
}

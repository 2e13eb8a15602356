package dataflow

import (
	"context"
	"errors"
)

var (
	// ErrSkip from Process means nothing was produced this step. Auto
	// outputs are not released.
	ErrSkip = errors.New("dataflow: nothing to do this step")
	// ErrDone from Process ends the unit's loop without error.
	ErrDone = errors.New("dataflow: unit finished")
)

type Kind uint8

const (
	KindCapture Kind = iota + 1
	KindTranspose
	KindIntegrate
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindCapture:
		return "capture"
	case KindTranspose:
		return "transpose"
	case KindIntegrate:
		return "integrate"
	case KindSink:
		return "sink"
	default:
		return "unknown"
	}
}

// WorkUnit is one stage of a pipeline. Preprocess and Postprocess run once;
// Process runs once per step between auto input reads and auto output
// releases.
type WorkUnit interface {
	Name() string
	Kind() Kind
	DataManager() *DataManager
	Preprocess(ctx context.Context) error
	Process(ctx context.Context) error
	Postprocess(ctx context.Context) error
}

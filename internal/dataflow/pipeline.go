package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/corrstream/internal/observability"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDuplicateUnit = errors.New("dataflow: duplicate unit name")
	ErrUnknownUnit   = errors.New("dataflow: unit not in pipeline")
)

const postprocessTimeout = 10 * time.Second

// Link is one in-process connection between two units.
type Link struct {
	Src  string
	Out  int
	Dst  string
	In   int
	Desc string
}

// Pipeline runs units in-process. Connections made with Connect live in the
// pipeline's own stream registry.
type Pipeline struct {
	id       uuid.UUID
	registry *stream.Registry
	memDepth int

	units   []WorkUnit
	byName  map[string]WorkUnit
	links   []Link
	servers map[string][]*stream.Holder
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		id:       uuid.New(),
		registry: stream.NewRegistry(),
		memDepth: 2,
		byName:   make(map[string]WorkUnit),
		servers:  make(map[string][]*stream.Holder),
	}
}

func (p *Pipeline) ID() uuid.UUID { return p.id }

func (p *Pipeline) Registry() *stream.Registry { return p.registry }

func (p *Pipeline) Units() []WorkUnit { return append([]WorkUnit(nil), p.units...) }

func (p *Pipeline) Links() []Link { return append([]Link(nil), p.links...) }

func (p *Pipeline) Add(units ...WorkUnit) error {
	for _, u := range units {
		if _, dup := p.byName[u.Name()]; dup {
			return protocol.Fatal("dataflow.Pipeline.Add", fmt.Errorf("%w: %s", ErrDuplicateUnit, u.Name()))
		}
		p.byName[u.Name()] = u
		p.units = append(p.units, u)
	}
	return nil
}

// Connect links output out of src to input in of dst over a mem stream.
func (p *Pipeline) Connect(src WorkUnit, out int, dst WorkUnit, in int) error {
	if p.byName[src.Name()] != src || p.byName[dst.Name()] != dst {
		return protocol.Fatal("dataflow.Pipeline.Connect", ErrUnknownUnit)
	}
	sdm, ddm := src.DataManager(), dst.DataManager()
	if out < 0 || out >= sdm.NumOutputs() || in < 0 || in >= ddm.NumInputs() {
		return protocol.Fatal("dataflow.Pipeline.Connect", ErrBadIndex)
	}
	sb, db := sdm.Output(out), ddm.Input(in)
	if sb.Tag != db.Tag || sb.Version != db.Version || sb.Layout().String() != db.Layout().String() {
		return protocol.Fatal("dataflow.Pipeline.Connect",
			fmt.Errorf("%w: %s(%s v%d) -> %s(%s v%d)", ErrHeaderMismatch, sb.Name, sb.Tag, sb.Version, db.Name, db.Tag, db.Version))
	}

	desc := fmt.Sprintf("mem:%s/%s.%d/%s.%d", p.id, src.Name(), out, dst.Name(), in)
	opts := stream.Options{Registry: p.registry, MemDepth: p.memDepth}
	once := stream.RetryPolicy{Attempts: 1}
	sh, err := stream.NewHolder(desc, true, opts, once)
	if err != nil {
		return err
	}
	dh, err := stream.NewHolder(desc, false, opts, once)
	if err != nil {
		return err
	}
	if err := sdm.BindOutput(out, sh); err != nil {
		return err
	}
	if err := ddm.BindInput(in, dh); err != nil {
		return err
	}
	p.servers[src.Name()] = append(p.servers[src.Name()], sh)
	p.links = append(p.links, Link{Src: src.Name(), Out: out, Dst: dst.Name(), In: in, Desc: desc})
	return nil
}

// Run drives every unit in its own goroutine: Preprocess, then steps
// iterations of Process (forever when steps <= 0), then Postprocess. The
// first failing unit cancels the others. Once every sink unit has finished
// the remaining units are stopped. Cancellation of ctx is a clean stop.
func (p *Pipeline) Run(ctx context.Context, steps int) error {
	log.Info().
		Str("pipeline", p.id.String()).
		Int("units", len(p.units)).
		Int("links", len(p.links)).
		Int("steps", steps).
		Msg("dataflow.Pipeline run")

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var sinks atomic.Int32
	for _, u := range p.units {
		if u.Kind() == KindSink {
			sinks.Add(1)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	for _, u := range p.units {
		g.Go(func() error {
			err := p.runUnit(gctx, u, steps)
			if err == nil && u.Kind() == KindSink && sinks.Add(-1) == 0 {
				log.Info().Str("pipeline", p.id.String()).Msg("dataflow.Pipeline sinks finished")
				stop()
			}
			return err
		})
	}
	err := g.Wait()
	if runCtx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

func (p *Pipeline) runUnit(ctx context.Context, u WorkUnit, steps int) (err error) {
	dm := u.DataManager()
	for _, h := range p.servers[u.Name()] {
		if _, err := h.Connect(ctx); err != nil {
			return fmt.Errorf("%s: %w", u.Name(), err)
		}
	}
	if err := dm.Start(ctx); err != nil {
		return fmt.Errorf("%s: %w", u.Name(), err)
	}
	observability.UnitStarted()
	defer observability.UnitStopped()
	defer func() {
		if cerr := dm.Close(); cerr != nil {
			log.Debug().Str("unit", u.Name()).Err(cerr).Msg("dataflow.Pipeline close")
		}
	}()

	if err := u.Preprocess(ctx); err != nil {
		return fmt.Errorf("%s preprocess: %w", u.Name(), err)
	}
	runErr := loop(ctx, u, steps)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postprocessTimeout)
	defer cancel()
	var flushErr error
	if ctx.Err() == nil {
		flushErr = dm.Flush(ctx)
	}
	postErr := u.Postprocess(pctx)
	if postErr != nil {
		postErr = fmt.Errorf("%s postprocess: %w", u.Name(), postErr)
	}
	return errors.Join(runErr, flushErr, postErr)
}

func loop(ctx context.Context, u WorkUnit, steps int) error {
	dm := u.DataManager()
	for step := 0; steps <= 0 || step < steps; step++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := dm.ReadAutoInputs(ctx); err != nil {
			return stepError(ctx, u, step, err)
		}
		err := u.Process(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSkip):
			continue
		case errors.Is(err, ErrDone):
			log.Info().Str("unit", u.Name()).Int("step", step).Msg("dataflow unit done")
			return nil
		default:
			return stepError(ctx, u, step, err)
		}
		if err := dm.ReleaseAutoOutputs(ctx); err != nil {
			return stepError(ctx, u, step, err)
		}
	}
	return nil
}

// stepError turns upstream end-of-stream and cancellation into a clean stop.
func stepError(ctx context.Context, u WorkUnit, step int, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, stream.ErrConnectionLost) && !protocol.IsFatal(err) {
		log.Info().Str("unit", u.Name()).Int("step", step).Msg("dataflow upstream closed")
		return nil
	}
	return fmt.Errorf("%s step %d: %w", u.Name(), step, err)
}

package gather

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/rs/zerolog/log"
)

const DefaultSinkDescriptor = "null:"

// WindowFunc receives every finished window. buf is only valid during the
// call; use Sink.Latest to hold a window longer.
type WindowFunc func(subband int, meta VisMeta, buf *dataflow.DataBuffer) error

type SinkConfig struct {
	Name     string
	Subbands int
	Shape    Shape
	// Descriptor is where finished windows are written, as a client.
	Descriptor string
	Stream     stream.Options
	// Retry is used as given; Attempts <= 0 retries until the context ends.
	Retry stream.RetryPolicy
	// MaxWindows stops the sink once that many steps have been written; 0
	// runs until the upstream closes.
	MaxWindows uint64
	OnWindow   WindowFunc
}

// Sink reads one window per subband each step and forwards it. The most
// recent window of every subband stays available through Latest.
type Sink struct {
	cfg    SinkConfig
	dm     *dataflow.DataManager
	record *dataflow.DataBuffer
	holder *stream.Holder
	conn   *dataflow.Connection
	alloc  *dataflow.Allocator

	mu     sync.Mutex
	latest []*dataflow.DataBuffer

	steps   uint64
	windows atomic.Uint64
}

var _ dataflow.WorkUnit = (*Sink)(nil)

func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Name == "" {
		cfg.Name = "sink"
	}
	if cfg.Descriptor == "" {
		cfg.Descriptor = DefaultSinkDescriptor
	}
	if cfg.Subbands <= 0 || cfg.Shape.Floats() <= 0 {
		return nil, protocol.Fatal("gather.NewSink", fmt.Errorf("%w: subbands=%d shape %+v", ErrInvalidCorrelator, cfg.Subbands, cfg.Shape))
	}
	h, err := stream.NewHolder(cfg.Descriptor, false, cfg.Stream, cfg.Retry)
	if err != nil {
		return nil, err
	}
	s := &Sink{
		cfg:    cfg,
		dm:     dataflow.NewDataManager(cfg.Name),
		record: cfg.Shape.NewBuffer(cfg.Name + ".record"),
		holder: h,
		alloc:  dataflow.NewAllocator(cfg.Name+".window", VisTag, VisVersion, cfg.Shape.Layout()),
		latest: make([]*dataflow.DataBuffer, cfg.Subbands),
	}
	s.conn = dataflow.NewWriter(s.record, h)
	for sb := 0; sb < cfg.Subbands; sb++ {
		s.dm.AddInput(cfg.Shape.NewBuffer(fmt.Sprintf("%s.sb%d", cfg.Name, sb)))
	}
	return s, nil
}

func (s *Sink) Name() string                       { return s.cfg.Name }
func (s *Sink) Kind() dataflow.Kind                { return dataflow.KindSink }
func (s *Sink) DataManager() *dataflow.DataManager { return s.dm }

func (s *Sink) Windows() uint64 { return s.windows.Load() }

func (s *Sink) Preprocess(context.Context) error {
	log.Info().
		Str("unit", s.cfg.Name).
		Str("stream", s.holder.Descriptor().String()).
		Int("subbands", s.cfg.Subbands).
		Msg("sink started")
	return nil
}

// Process runs after every subband input has been filled.
func (s *Sink) Process(ctx context.Context) error {
	if s.cfg.MaxWindows > 0 && s.steps >= s.cfg.MaxWindows {
		return dataflow.ErrDone
	}
	for sb := 0; sb < s.cfg.Subbands; sb++ {
		in := s.dm.Input(sb)
		meta, err := DecodeVisMeta(in.Extra)
		if err != nil {
			return protocol.Fatal("gather.Sink", err)
		}
		s.record.CopyFrom(in)
		if err := s.conn.Write(ctx); err != nil {
			return fmt.Errorf("sink %s: %w", s.holder.Descriptor(), err)
		}
		win := s.alloc.Get()
		win.CopyFrom(in)
		s.keep(sb, win)
		if s.cfg.OnWindow != nil {
			if err := s.cfg.OnWindow(sb, meta, win); err != nil {
				return err
			}
		}
		s.windows.Add(1)
	}
	s.steps++
	if s.cfg.MaxWindows > 0 && s.steps >= s.cfg.MaxWindows {
		return dataflow.ErrDone
	}
	return nil
}

func (s *Sink) Postprocess(context.Context) error {
	s.mu.Lock()
	for sb, b := range s.latest {
		if b != nil {
			s.alloc.Release(b)
			s.latest[sb] = nil
		}
	}
	s.mu.Unlock()
	allocated, recycled := s.alloc.Stats()
	log.Info().
		Str("unit", s.cfg.Name).
		Uint64("windows", s.windows.Load()).
		Uint64("allocated", allocated).
		Uint64("recycled", recycled).
		Msg("sink stopped")
	return s.conn.Close()
}

// keep makes win the latest window of subband sb and drops the sink's hold
// on the one it replaces.
func (s *Sink) keep(sb int, win *dataflow.DataBuffer) {
	s.mu.Lock()
	prev := s.latest[sb]
	s.latest[sb] = win
	s.mu.Unlock()
	if prev != nil {
		s.alloc.Release(prev)
	}
}

// Latest returns the most recent window of subband sb, or nil before the
// first one. The caller holds a reference and must hand the buffer back
// through Release.
func (s *Sink) Latest(sb int) *dataflow.DataBuffer {
	if sb < 0 || sb >= len(s.latest) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.latest[sb]
	if b != nil {
		s.alloc.Retain(b)
	}
	return b
}

func (s *Sink) Release(b *dataflow.DataBuffer) {
	s.alloc.Release(b)
}

// BufferStats reports how many window buffers were allocated and how many
// gets were served from released ones.
func (s *Sink) BufferStats() (allocated, recycled uint64) {
	return s.alloc.Stats()
}

package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/clock"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoBoards       = errors.New("capture: no boards configured")
	ErrDuplicateBoard = errors.New("capture: duplicate board id")
	ErrUnknownBoard   = errors.New("capture: unknown board id")
)

type BoardInput struct {
	ID     int
	Source string
}

type Config struct {
	Name     string
	Boards   []BoardInput
	Layout   beamlet.Layout
	Timebase clock.Timebase
	Depth    int
	Window   int
	Thread   ThreadOptions
	Stream   stream.Options
	Retry    stream.RetryPolicy
}

type BoardStats struct {
	Thread ThreadStats
	Buffer beamlet.Stats
}

// Unit owns one InputThread and BeamletBuffer per board. It has no dataflow
// ports; downstream stages read the buffers in process.
type Unit struct {
	cfg     Config
	dm      *dataflow.DataManager
	order   []int
	buffers map[int]*beamlet.Buffer

	mu      sync.Mutex
	threads map[int]*InputThread
	streams []stream.Stream
}

var _ dataflow.WorkUnit = (*Unit)(nil)

func NewUnit(cfg Config) (*Unit, error) {
	if len(cfg.Boards) == 0 {
		return nil, protocol.Fatal("capture.NewUnit", ErrNoBoards)
	}
	if cfg.Name == "" {
		cfg.Name = "capture"
	}
	u := &Unit{
		cfg:     cfg,
		dm:      dataflow.NewDataManager(cfg.Name),
		buffers: make(map[int]*beamlet.Buffer, len(cfg.Boards)),
		threads: make(map[int]*InputThread, len(cfg.Boards)),
	}
	for _, b := range cfg.Boards {
		if _, dup := u.buffers[b.ID]; dup {
			return nil, protocol.Fatal("capture.NewUnit", fmt.Errorf("%w: %d", ErrDuplicateBoard, b.ID))
		}
		buf, err := beamlet.NewBuffer(beamlet.Config{
			Board:    b.ID,
			Layout:   cfg.Layout,
			Timebase: cfg.Timebase,
			Depth:    cfg.Depth,
			Window:   cfg.Window,
		})
		if err != nil {
			return nil, protocol.Fatal("capture.NewUnit", err)
		}
		u.buffers[b.ID] = buf
		u.order = append(u.order, b.ID)
	}
	sort.Ints(u.order)
	return u, nil
}

func (u *Unit) Name() string                       { return u.cfg.Name }
func (u *Unit) Kind() dataflow.Kind                { return dataflow.KindCapture }
func (u *Unit) DataManager() *dataflow.DataManager { return u.dm }

// Boards returns board ids in ascending order.
func (u *Unit) Boards() []int { return append([]int(nil), u.order...) }

func (u *Unit) Buffer(board int) (*beamlet.Buffer, error) {
	buf, ok := u.buffers[board]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBoard, board)
	}
	return buf, nil
}

// Buffers returns the board buffers in ascending board order.
func (u *Unit) Buffers() []*beamlet.Buffer {
	out := make([]*beamlet.Buffer, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, u.buffers[id])
	}
	return out
}

// Preprocess opens every board source and starts its input thread.
func (u *Unit) Preprocess(ctx context.Context) error {
	for _, b := range u.cfg.Boards {
		d, err := stream.ParseDescriptor(b.Source)
		if err != nil {
			return protocol.Fatal("capture.Preprocess", err)
		}
		src, err := stream.CreateWithRetry(ctx, b.Source, true, u.cfg.Stream, u.cfg.Retry)
		if err != nil {
			u.stopAll()
			return fmt.Errorf("capture: board %d source %s: %w", b.ID, b.Source, err)
		}
		opts := u.cfg.Thread
		opts.Datagram = d.Datagram()
		th := NewInputThread(b.ID, src, u.buffers[b.ID], opts)

		u.mu.Lock()
		u.streams = append(u.streams, src)
		u.threads[b.ID] = th
		u.mu.Unlock()
		th.Start()
	}
	log.Info().Str("unit", u.cfg.Name).Int("boards", len(u.cfg.Boards)).Msg("capture started")
	return nil
}

// Process waits until every input thread has exited, which happens when all
// sources are exhausted.
func (u *Unit) Process(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		u.mu.Lock()
		threads := make([]*InputThread, 0, len(u.threads))
		for _, th := range u.threads {
			threads = append(threads, th)
		}
		u.mu.Unlock()
		for _, th := range threads {
			th.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return dataflow.ErrDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Unit) Postprocess(context.Context) error {
	u.stopAll()
	return nil
}

// stopAll flags every thread and closes the sources before joining, so a
// thread blocked on a stalled peer is released by the close.
func (u *Unit) stopAll() {
	u.mu.Lock()
	threads := make([]*InputThread, 0, len(u.threads))
	for _, th := range u.threads {
		threads = append(threads, th)
	}
	streams := u.streams
	u.streams = nil
	u.mu.Unlock()

	for _, th := range threads {
		th.requestStop()
	}
	for _, s := range streams {
		_ = s.Close()
	}
	for _, th := range threads {
		th.Wait()
	}
}

func (u *Unit) Stats() []BoardStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]BoardStats, 0, len(u.order))
	for _, id := range u.order {
		st := BoardStats{Buffer: u.buffers[id].Stats()}
		if th, ok := u.threads[id]; ok {
			st.Thread = th.Stats()
		} else {
			st.Thread = ThreadStats{Board: id}
		}
		out = append(out, st)
	}
	return out
}

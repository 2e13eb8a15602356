package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/observability"
	"github.com/danmuck/corrstream/internal/protocol/frame"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/rs/zerolog/log"
)

const DefaultRecvTimeout = 100 * time.Millisecond

// errStopped ends a byte-stream read once Stop has been requested.
var errStopped = errors.New("capture: input thread stopped")

type ThreadOptions struct {
	// RecvTimeout bounds how long a stop request can go unnoticed.
	RecvTimeout time.Duration
	Limits      frame.Limits
	// Datagram reads one frame per receive. Byte-stream sources read the
	// header and then the payload, each in RecvTimeout slices.
	Datagram bool
}

// ThreadStats counts what one input thread has seen.
type ThreadStats struct {
	Board        int
	Received     uint64
	Bytes        uint64
	DecodeErrors uint64
	ForeignBoard uint64
	RecvErrors   uint64
	Partial      uint64 // byte-stream frames abandoned part way through
	Outcomes     map[string]uint64
	Running      bool
}

// InputThread receives frames for one board and writes them into the board's
// BeamletBuffer.
type InputThread struct {
	board  int
	src    stream.Stream
	buffer *beamlet.Buffer
	opts   ThreadOptions

	stop    atomic.Bool
	running atomic.Bool
	wg      sync.WaitGroup

	received     atomic.Uint64
	bytes        atomic.Uint64
	decodeErrors atomic.Uint64
	foreign      atomic.Uint64
	recvErrors   atomic.Uint64
	partial      atomic.Uint64
	outcomes     [beamlet.DroppedOverflow + 1]atomic.Uint64
}

func NewInputThread(board int, src stream.Stream, buf *beamlet.Buffer, opts ThreadOptions) *InputThread {
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = DefaultRecvTimeout
	}
	if opts.Limits.MaxPayloadBytes == 0 {
		opts.Limits = frame.DefaultLimits()
	}
	return &InputThread{board: board, src: src, buffer: buf, opts: opts}
}

func (t *InputThread) Board() int { return t.board }

func (t *InputThread) Start() {
	t.stop.Store(false)
	t.running.Store(true)
	t.wg.Add(1)
	go t.run()
}

// Stop asks the loop to exit at its next receive timeout and waits for it.
func (t *InputThread) Stop() {
	t.requestStop()
	t.wg.Wait()
}

func (t *InputThread) requestStop() {
	t.stop.Store(true)
}

// Wait blocks until the loop has exited on its own or through Stop.
func (t *InputThread) Wait() {
	t.wg.Wait()
}

func (t *InputThread) run() {
	defer t.wg.Done()
	defer t.running.Store(false)
	defer t.buffer.Seal()

	log.Info().Int("board", t.board).Str("stream", t.src.String()).Msg("capture.InputThread start")
	buf := make([]byte, frame.HeaderLen+int(t.opts.Limits.MaxPayloadBytes))
	r := &sourceReader{t: t}
	for !t.stop.Load() {
		f, ok, err := t.next(buf, r)
		if err != nil {
			if errors.Is(err, stream.ErrConnectionLost) {
				if t.stop.Load() {
					break
				}
				log.Warn().Int("board", t.board).Err(err).Msg("capture.InputThread source closed")
				return
			}
			t.recvErrors.Add(1)
			log.Debug().Int("board", t.board).Err(err).Msg("capture.InputThread receive")
			continue
		}
		if !ok {
			continue
		}
		t.handle(f)
	}
	log.Info().Int("board", t.board).Msg("capture.InputThread stop")
}

// next returns one decoded frame. ok is false on a timeout, a rejected
// datagram or a stop request.
func (t *InputThread) next(buf []byte, r *sourceReader) (frame.Frame, bool, error) {
	if t.opts.Datagram {
		n, err := t.src.RecvTimeout(buf, t.opts.RecvTimeout)
		if errors.Is(err, stream.ErrTimeout) {
			return frame.Frame{}, false, nil
		}
		if err != nil {
			return frame.Frame{}, false, err
		}
		t.received.Add(1)
		t.bytes.Add(uint64(n))
		f, err := frame.Decode(buf[:n], t.opts.Limits)
		if err != nil {
			t.reject("decode", err)
			return frame.Frame{}, false, nil
		}
		return f, true, nil
	}

	r.pending = 0
	f, err := frame.ReadFrame(r, buf, t.opts.Limits)
	switch {
	case err == nil:
		t.received.Add(1)
		return f, true, nil
	case errors.Is(err, frame.ErrPayloadTooLarge):
		// the stream cannot be resynchronised past an unbounded payload
		return frame.Frame{}, false, errors.Join(stream.ErrConnectionLost, err)
	}
	if r.pending > 0 {
		t.partial.Add(1)
		observability.RecordReject(t.board, "partial_frame")
		log.Debug().Int("board", t.board).Int("bytes", r.pending).Err(err).Msg("capture.InputThread dropped partial frame")
	}
	if errors.Is(err, errStopped) {
		return frame.Frame{}, false, nil
	}
	return frame.Frame{}, false, err
}

// sourceReader reads a byte-stream source in RecvTimeout slices so a stop
// request is seen between slices, even in the middle of a frame.
type sourceReader struct {
	t *InputThread
	// pending is the number of bytes of the current frame read so far.
	pending int
}

func (r *sourceReader) Read(p []byte) (int, error) {
	for {
		if r.t.stop.Load() {
			return 0, errStopped
		}
		n, err := r.t.src.RecvTimeout(p, r.t.opts.RecvTimeout)
		if n > 0 {
			r.pending += n
			r.t.bytes.Add(uint64(n))
			return n, nil
		}
		if !errors.Is(err, stream.ErrTimeout) {
			return 0, err
		}
	}
}

func (t *InputThread) handle(f frame.Frame) {
	if int(f.Header.BoardID) != t.board {
		t.foreign.Add(1)
		observability.RecordReject(t.board, "foreign_board")
		return
	}
	gapsBefore := t.buffer.GapBlocks()
	outcome := t.buffer.Write(f.Header.Clock(), f.Payload)
	t.outcomes[outcome].Add(1)
	observability.RecordFrame(t.board, outcome.String(), frame.HeaderLen+len(f.Payload))
	if outcome == beamlet.GapFilled {
		observability.RecordGapBlocks(t.board, t.buffer.GapBlocks()-gapsBefore)
	}
}

func (t *InputThread) reject(reason string, err error) {
	t.decodeErrors.Add(1)
	observability.RecordReject(t.board, reason)
	log.Debug().Int("board", t.board).Err(err).Msg("capture.InputThread rejected datagram")
}

func (t *InputThread) Stats() ThreadStats {
	st := ThreadStats{
		Board:        t.board,
		Received:     t.received.Load(),
		Bytes:        t.bytes.Load(),
		DecodeErrors: t.decodeErrors.Load(),
		ForeignBoard: t.foreign.Load(),
		RecvErrors:   t.recvErrors.Load(),
		Partial:      t.partial.Load(),
		Outcomes:     make(map[string]uint64, len(t.outcomes)),
		Running:      t.running.Load(),
	}
	for i := range t.outcomes {
		if n := t.outcomes[i].Load(); n > 0 {
			st.Outcomes[beamlet.Outcome(i).String()] = n
		}
	}
	return st
}

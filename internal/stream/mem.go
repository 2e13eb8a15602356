package stream

import (
	"sync"
	"time"
)

type memPipe struct {
	key      string
	toClient chan []byte
	toServer chan []byte
	done     chan struct{}
	once     sync.Once
	attached bool
}

func (p *memPipe) shutdown() {
	p.once.Do(func() { close(p.done) })
}

func (p *memPipe) isDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// memStream is one end of an in-process pipe. Chunks are copied on Send so
// the caller may reuse its buffer.
type memStream struct {
	desc    Descriptor
	pipe    *memPipe
	reg     *Registry
	server  bool
	in      <-chan []byte
	out     chan<- []byte
	pending []byte
}

func (s *memStream) Send(p []byte) error {
	if s.pipe.isDone() {
		return ErrConnectionLost
	}
	chunk := append([]byte(nil), p...)
	select {
	case s.out <- chunk:
		return nil
	case <-s.pipe.done:
		return ErrConnectionLost
	}
}

func (s *memStream) Recv(p []byte) error {
	for filled := 0; filled < len(p); {
		if len(s.pending) == 0 {
			chunk, err := s.next(nil)
			if err != nil {
				return err
			}
			s.pending = chunk
		}
		n := copy(p[filled:], s.pending)
		s.pending = s.pending[n:]
		filled += n
	}
	return nil
}

func (s *memStream) RecvTimeout(p []byte, d time.Duration) (int, error) {
	if len(s.pending) == 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		chunk, err := s.next(timer.C)
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// next prefers buffered data over a closed peer so nothing sent before Close
// is lost.
func (s *memStream) next(timeout <-chan time.Time) ([]byte, error) {
	select {
	case c := <-s.in:
		return c, nil
	default:
	}
	select {
	case c := <-s.in:
		return c, nil
	case <-s.pipe.done:
		select {
		case c := <-s.in:
			return c, nil
		default:
			return nil, ErrConnectionLost
		}
	case <-timeout:
		return nil, ErrTimeout
	}
}

func (s *memStream) Close() error {
	s.pipe.shutdown()
	s.reg.dropMem(s.pipe, s.server)
	return nil
}

func (s *memStream) String() string { return s.desc.String() }

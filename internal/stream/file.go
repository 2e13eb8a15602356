package stream

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// fileStream backs both file: and pipe:. The server side reads, the client
// side writes.
type fileStream struct {
	desc Descriptor
	f    *os.File
	read bool

	closeOnce sync.Once
	closeErr  error
}

func openFile(d Descriptor, asServer bool) (Stream, error) {
	var (
		f   *os.File
		err error
	)
	if asServer {
		f, err = os.Open(d.Target)
	} else {
		f, err = os.OpenFile(d.Target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	}
	if err != nil {
		return nil, err
	}
	return &fileStream{desc: d, f: f, read: asServer}, nil
}

func openPipe(ctx context.Context, d Descriptor, asServer bool) (Stream, error) {
	if err := unix.Mkfifo(d.Target, 0o600); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, err
	}
	flag := os.O_WRONLY
	if asServer {
		flag = os.O_RDONLY
	}

	type opened struct {
		f   *os.File
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		f, err := os.OpenFile(d.Target, flag, 0)
		ch <- opened{f: f, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &fileStream{desc: d, f: r.f, read: asServer}, nil
	case <-ctx.Done():
		// open(2) on a FIFO blocks until the peer opens; a read-write open
		// satisfies it so the goroutine can finish.
		if peer, err := os.OpenFile(d.Target, os.O_RDWR, 0); err == nil {
			if r := <-ch; r.f != nil {
				_ = r.f.Close()
			}
			_ = peer.Close()
		}
		return nil, ctx.Err()
	}
}

func (s *fileStream) Send(p []byte) error {
	if s.read {
		return errors.ErrUnsupported
	}
	_, err := s.f.Write(p)
	return classify(err)
}

func (s *fileStream) Recv(p []byte) error {
	if !s.read {
		return errors.ErrUnsupported
	}
	_, err := io.ReadFull(s.f, p)
	return classify(err)
}

func (s *fileStream) RecvTimeout(p []byte, d time.Duration) (int, error) {
	if !s.read {
		return 0, errors.ErrUnsupported
	}
	deadline := s.f.SetReadDeadline(time.Now().Add(d)) == nil
	n, err := s.f.Read(p)
	if deadline {
		_ = s.f.SetReadDeadline(time.Time{})
	}
	if n > 0 {
		return n, nil
	}
	return 0, classify(err)
}

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.f.Close()
	})
	return s.closeErr
}

func (s *fileStream) String() string { return s.desc.String() }

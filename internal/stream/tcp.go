package stream

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type tcpStream struct {
	desc Descriptor
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
	release   func()
}

// listenTCP accepts exactly one peer. Keyed servers publish their bound
// address before accepting and withdraw it on Close.
func listenTCP(ctx context.Context, d Descriptor, addr string, rv Rendezvous, opts Options) (Stream, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	release := func() {}
	if rv != nil {
		published := advertise(ln.Addr(), opts.AdvertiseHost)
		if err := rv.Publish(ctx, d.Target, published); err != nil {
			_ = ln.Close()
			return nil, err
		}
		release = func() {
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = rv.Withdraw(wctx, d.Target)
		}
		log.Debug().Str("key", d.Target).Str("addr", published).Msg("stream.tcp published")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	conn, err := ln.Accept()
	_ = ln.Close()
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &tcpStream{desc: d, conn: conn, release: release}, nil
}

func dialTCP(ctx context.Context, d Descriptor, addr string, opts Options) (Stream, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpStream{desc: d, conn: conn, release: func() {}}, nil
}

func (s *tcpStream) Send(p []byte) error {
	_, err := s.conn.Write(p)
	return classify(err)
}

func (s *tcpStream) Recv(p []byte) error {
	_, err := io.ReadFull(s.conn, p)
	return classify(err)
}

func (s *tcpStream) RecvTimeout(p []byte, d time.Duration) (int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
	n, err := s.conn.Read(p)
	_ = s.conn.SetReadDeadline(time.Time{})
	if n > 0 {
		return n, nil
	}
	return 0, classify(err)
}

func (s *tcpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		s.release()
	})
	return s.closeErr
}

func (s *tcpStream) String() string { return s.desc.String() }

// advertise turns a bound listener address into one a peer can dial.
func advertise(addr net.Addr, host string) string {
	var port int
	switch a := addr.(type) {
	case *net.TCPAddr:
		if !a.IP.IsUnspecified() {
			return a.String()
		}
		port = a.Port
	case *net.UDPAddr:
		if !a.IP.IsUnspecified() {
			return a.String()
		}
		port = a.Port
	default:
		return addr.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

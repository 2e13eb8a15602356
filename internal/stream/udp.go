package stream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// udpStream moves one datagram per Send. The server binds and receives; the
// client is connected to the server address.
type udpStream struct {
	desc Descriptor
	conn *net.UDPConn

	closeOnce sync.Once
	closeErr  error
	release   func()
}

func listenUDP(ctx context.Context, d Descriptor, addr string, rv Rendezvous, opts Options) (Stream, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if opts.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
			log.Warn().Err(err).Int("bytes", opts.ReadBuffer).Msg("stream.udp read buffer")
		}
	}

	release := func() {}
	if rv != nil {
		published := advertise(conn.LocalAddr(), opts.AdvertiseHost)
		if err := rv.Publish(ctx, d.Target, published); err != nil {
			_ = conn.Close()
			return nil, err
		}
		release = func() {
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = rv.Withdraw(wctx, d.Target)
		}
		log.Debug().Str("key", d.Target).Str("addr", published).Msg("stream.udp published")
	}
	return &udpStream{desc: d, conn: conn, release: release}, nil
}

func dialUDP(ctx context.Context, d Descriptor, addr string, opts Options) (Stream, error) {
	dialer := net.Dialer{Timeout: opts.DialTimeout}
	c, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	return &udpStream{desc: d, conn: c.(*net.UDPConn), release: func() {}}, nil
}

func (s *udpStream) Send(p []byte) error {
	_, err := s.conn.Write(p)
	return classify(err)
}

// Recv reads one datagram that must exactly fill p.
func (s *udpStream) Recv(p []byte) error {
	n, err := s.conn.Read(p)
	if err != nil {
		return classify(err)
	}
	if n != len(p) {
		return ErrShortRead
	}
	return nil
}

func (s *udpStream) RecvTimeout(p []byte, d time.Duration) (int, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
	n, err := s.conn.Read(p)
	_ = s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *udpStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		s.release()
	})
	return s.closeErr
}

func (s *udpStream) String() string { return s.desc.String() }

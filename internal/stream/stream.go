package stream

import (
	"context"
	"time"

	"github.com/danmuck/corrstream/internal/protocol"
)

// Stream is the uniform contract every backend implements.
//
// Recv fills p completely or fails; it never returns a silent short read.
// RecvTimeout returns what one underlying read produced (one datagram for
// udp) or ErrTimeout when nothing arrived within d.
type Stream interface {
	Send(p []byte) error
	Recv(p []byte) error
	RecvTimeout(p []byte, d time.Duration) (int, error)
	Close() error
	String() string
}

type Options struct {
	// Rendezvous resolves tcpkey and udpkey targets. Defaults to Registry.
	Rendezvous Rendezvous
	// Registry hosts mem pipes.
	Registry *Registry
	// AdvertiseHost is published for keyed servers bound to an unspecified host.
	AdvertiseHost string
	DialTimeout   time.Duration
	// MemDepth is the chunk capacity of a mem pipe in each direction.
	MemDepth int
	// ReadBuffer sets SO_RCVBUF on udp sockets when positive.
	ReadBuffer int
}

func (o Options) withDefaults() Options {
	if o.Rendezvous == nil && o.Registry != nil {
		o.Rendezvous = o.Registry
	}
	if o.AdvertiseHost == "" {
		o.AdvertiseHost = "127.0.0.1"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MemDepth <= 0 {
		o.MemDepth = 4
	}
	return o
}

// Create builds one stream for raw. asServer selects the listening or
// reading side of symmetric schemes. Create does not retry; see
// CreateWithRetry.
func Create(ctx context.Context, raw string, asServer bool, opts Options) (Stream, error) {
	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, protocol.Fatal("stream.Create", err)
	}
	return CreateDescriptor(ctx, d, asServer, opts)
}

func CreateDescriptor(ctx context.Context, d Descriptor, asServer bool, opts Options) (Stream, error) {
	opts = opts.withDefaults()
	switch d.Scheme {
	case SchemeNull:
		return nullStream{}, nil
	case SchemeFile:
		return openFile(d, asServer)
	case SchemePipe:
		return openPipe(ctx, d, asServer)
	case SchemeTCP:
		if asServer {
			return listenTCP(ctx, d, d.Address(true), nil, opts)
		}
		return dialTCP(ctx, d, d.Address(false), opts)
	case SchemeTCPKey:
		if opts.Rendezvous == nil {
			return nil, protocol.Fatal("stream.Create", ErrNoRendezvous)
		}
		if asServer {
			return listenTCP(ctx, d, d.Host+":0", opts.Rendezvous, opts)
		}
		addr, err := opts.Rendezvous.Lookup(ctx, d.Target)
		if err != nil {
			return nil, err
		}
		return dialTCP(ctx, d, addr, opts)
	case SchemeUDP:
		if asServer {
			return listenUDP(ctx, d, d.Address(true), nil, opts)
		}
		return dialUDP(ctx, d, d.Address(false), opts)
	case SchemeUDPKey:
		if opts.Rendezvous == nil {
			return nil, protocol.Fatal("stream.Create", ErrNoRendezvous)
		}
		if asServer {
			return listenUDP(ctx, d, d.Host+":0", opts.Rendezvous, opts)
		}
		addr, err := opts.Rendezvous.Lookup(ctx, d.Target)
		if err != nil {
			return nil, err
		}
		return dialUDP(ctx, d, addr, opts)
	case SchemeMem:
		if opts.Registry == nil {
			return nil, protocol.Fatal("stream.Create", ErrNoRegistry)
		}
		if asServer {
			return opts.Registry.openMem(d, opts.MemDepth), nil
		}
		return opts.Registry.attachMem(ctx, d)
	default:
		return nil, protocol.Fatal("stream.Create", ErrUnknownScheme)
	}
}

type nullStream struct{}

func (nullStream) Send([]byte) error { return nil }

func (nullStream) Recv(p []byte) error {
	clear(p)
	return nil
}

func (nullStream) RecvTimeout(_ []byte, d time.Duration) (int, error) {
	time.Sleep(d)
	return 0, ErrTimeout
}

func (nullStream) Close() error { return nil }

func (nullStream) String() string { return "null:" }

package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrConnectionLost      = errors.New("stream: connection lost")
	ErrTimeout             = errors.New("stream: receive timeout")
	ErrShortRead           = errors.New("stream: short read")
	ErrMalformedDescriptor = errors.New("stream: malformed descriptor")
	ErrUnknownScheme       = errors.New("stream: unknown scheme")
	ErrNoRendezvous        = errors.New("stream: scheme requires a rendezvous")
	ErrNoRegistry          = errors.New("stream: mem scheme requires a registry")
	ErrNotReconnectable    = errors.New("stream: scheme cannot reconnect")
	ErrClosed              = errors.New("stream: closed")
)

// classify maps transport errors onto the stream error set.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return errors.Join(ErrConnectionLost, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	return err
}

package dataflow

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/danmuck/corrstream/internal/observability"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/rs/zerolog/log"
)

// Connection moves one DataBuffer across one held stream, either as the
// writing or the reading end. A handshake precedes the first transfer on
// every new stream.
type Connection struct {
	buf    *DataBuffer
	holder *stream.Holder
	writer bool

	cur     stream.Stream
	shook   bool
	scratch []byte

	transfers  atomic.Uint64
	reconnects atomic.Uint64
}

func NewWriter(src *DataBuffer, h *stream.Holder) *Connection {
	return &Connection{buf: src, holder: h, writer: true}
}

func NewReader(dst *DataBuffer, h *stream.Holder) *Connection {
	return &Connection{buf: dst, holder: h}
}

func (c *Connection) Buffer() *DataBuffer { return c.buf }

func (c *Connection) Holder() *stream.Holder { return c.holder }

func (c *Connection) Transfers() uint64 { return c.transfers.Load() }

func (c *Connection) Reconnects() uint64 { return c.reconnects.Load() }

// Write sends the source buffer. A lost connection is re-established once
// when the scheme allows it.
func (c *Connection) Write(ctx context.Context) error {
	return c.withReconnect(ctx, c.writeOnce)
}

// Read fills the destination buffer with the next transfer.
func (c *Connection) Read(ctx context.Context) error {
	return c.withReconnect(ctx, c.readOnce)
}

func (c *Connection) withReconnect(ctx context.Context, op func(context.Context) error) error {
	err := op(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		c.done()
		return nil
	}
	if !errors.Is(err, stream.ErrConnectionLost) || !c.holder.Reconnectable() {
		return err
	}

	log.Warn().
		Str("buffer", c.buf.Name).
		Str("stream", c.holder.Descriptor().String()).
		Bool("writer", c.writer).
		Err(err).
		Msg("dataflow.Connection lost")
	c.reconnects.Add(1)
	c.cur, c.shook = nil, false
	if _, rerr := c.holder.Reconnect(ctx); rerr != nil {
		return errors.Join(stream.ErrConnectionLost, rerr)
	}
	err = op(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	c.done()
	return nil
}

func (c *Connection) done() {
	c.transfers.Add(1)
	dir := "recv"
	if c.writer {
		dir = "send"
	}
	observability.RecordTransfer(c.buf.Name, dir)
}

func (c *Connection) connect(ctx context.Context) (stream.Stream, error) {
	s, err := c.holder.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if s != c.cur {
		c.cur, c.shook = s, false
	}
	return s, nil
}

func (c *Connection) writeOnce(ctx context.Context) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if !c.shook {
		if err := writeHandshake(s, c.buf); err != nil {
			return err
		}
		c.shook = true
	}
	c.scratch = encodeTransfer(c.scratch[:0], c.buf)
	return s.Send(c.scratch)
}

func (c *Connection) readOnce(ctx context.Context) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if !c.shook {
		if err := readHandshake(s, c.buf); err != nil {
			return err
		}
		c.shook = true
	}
	c.scratch, err = readTransfer(s, c.buf, c.scratch)
	return err
}

func (c *Connection) Close() error {
	return c.holder.Close()
}

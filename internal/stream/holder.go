package stream

import (
	"context"
	"sync"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Holder owns one lazily created stream and re-creates it on request for
// schemes that support reconnecting.
type Holder struct {
	desc   Descriptor
	server bool
	opts   Options
	retry  RetryPolicy

	mu     sync.Mutex
	s      Stream
	closed bool
}

func NewHolder(raw string, asServer bool, opts Options, retry RetryPolicy) (*Holder, error) {
	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, protocol.Fatal("stream.NewHolder", err)
	}
	return &Holder{desc: d, server: asServer, opts: opts, retry: retry}, nil
}

func (h *Holder) Descriptor() Descriptor { return h.desc }

func (h *Holder) Server() bool { return h.server }

func (h *Holder) Reconnectable() bool { return h.desc.Reconnectable() }

// Connect returns the current stream, creating it on first use.
func (h *Holder) Connect(ctx context.Context) (Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.s != nil {
		return h.s, nil
	}
	return h.createLocked(ctx)
}

// Stream returns the connected stream or nil.
func (h *Holder) Stream() Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

// Reconnect closes the current stream and creates a new one.
func (h *Holder) Reconnect(ctx context.Context) (Stream, error) {
	if !h.Reconnectable() {
		return nil, ErrNotReconnectable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.s != nil {
		_ = h.s.Close()
		h.s = nil
	}
	log.Info().Str("descriptor", h.desc.String()).Bool("server", h.server).Msg("stream.Holder reconnect")
	return h.createLocked(ctx)
}

func (h *Holder) createLocked(ctx context.Context) (Stream, error) {
	s, err := createDescriptorWithRetry(ctx, h.desc, h.server, h.opts, h.retry)
	if err != nil {
		return nil, err
	}
	h.s = s
	return s, nil
}

func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.s == nil {
		return nil
	}
	err := h.s.Close()
	h.s = nil
	return err
}

package stream

import (
	"context"
	"sync"
)

// Rendezvous resolves keyed stream targets to dialable addresses.
type Rendezvous interface {
	Publish(ctx context.Context, key, addr string) error
	// Lookup waits until key is published or ctx ends.
	Lookup(ctx context.Context, key string) (string, error)
	Withdraw(ctx context.Context, key string) error
}

// Registry is an in-process Rendezvous that also hosts mem pipes. Its scope
// is whatever owns it, usually one pipeline.
type Registry struct {
	mu    sync.Mutex
	addrs map[string]string
	pipes map[string]*memPipe
	// retired keys had a server that closed without reopening
	retired map[string]bool
	wake    chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		addrs:   make(map[string]string),
		pipes:   make(map[string]*memPipe),
		retired: make(map[string]bool),
		wake:    make(chan struct{}),
	}
}

func (r *Registry) Publish(_ context.Context, key, addr string) error {
	r.mu.Lock()
	r.addrs[key] = addr
	r.signalLocked()
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(ctx context.Context, key string) (string, error) {
	for {
		r.mu.Lock()
		addr, ok := r.addrs[key]
		wake := r.wake
		r.mu.Unlock()
		if ok {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

func (r *Registry) Withdraw(_ context.Context, key string) error {
	r.mu.Lock()
	delete(r.addrs, key)
	r.signalLocked()
	r.mu.Unlock()
	return nil
}

// Keys returns the number of published addresses and open mem pipes.
func (r *Registry) Keys() (addrs, pipes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.addrs), len(r.pipes)
}

func (r *Registry) signalLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

// openMem creates a fresh pipe under d.Target, closing any earlier one.
func (r *Registry) openMem(d Descriptor, depth int) Stream {
	p := &memPipe{
		key:      d.Target,
		toClient: make(chan []byte, depth),
		toServer: make(chan []byte, depth),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	old := r.pipes[d.Target]
	r.pipes[d.Target] = p
	delete(r.retired, d.Target)
	r.signalLocked()
	r.mu.Unlock()
	if old != nil {
		old.shutdown()
	}
	return &memStream{desc: d, pipe: p, reg: r, server: true, in: p.toServer, out: p.toClient}
}

// attachMem waits for an unattached pipe under d.Target. A retired key
// without pending data fails with ErrConnectionLost instead of waiting.
func (r *Registry) attachMem(ctx context.Context, d Descriptor) (Stream, error) {
	for {
		r.mu.Lock()
		p, ok := r.pipes[d.Target]
		if ok && !p.attached && (!p.isDone() || len(p.toClient) > 0) {
			p.attached = true
			r.mu.Unlock()
			return &memStream{desc: d, pipe: p, reg: r, in: p.toClient, out: p.toServer}, nil
		}
		if r.retired[d.Target] {
			r.mu.Unlock()
			return nil, ErrConnectionLost
		}
		wake := r.wake
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (r *Registry) dropMem(p *memPipe, server bool) {
	r.mu.Lock()
	if r.pipes[p.key] == p {
		// an unattached pipe keeps its buffered chunks for a late client
		if !server || p.attached || len(p.toClient) == 0 {
			delete(r.pipes, p.key)
		}
		if server {
			r.retired[p.key] = true
		}
		r.signalLocked()
	}
	r.mu.Unlock()
}

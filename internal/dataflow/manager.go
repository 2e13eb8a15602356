package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/stream"
	"github.com/rs/zerolog/log"
)

var (
	ErrBadIndex = errors.New("dataflow: port index out of range")
	ErrUnbound  = errors.New("dataflow: port has no stream")
	ErrStarted  = errors.New("dataflow: manager already started")
)

type inputPort struct {
	name string
	buf  *DataBuffer
	auto bool
	conn *Connection
}

type outputPort struct {
	name   string
	index  int
	buf    *DataBuffer
	shadow *DataBuffer
	auto   bool
	conn   *Connection
	kick   chan struct{}

	mu      sync.Mutex
	pending bool
	ack     chan struct{}
	seq     uint64
	err     error

	sends    atomic.Uint64
	failures atomic.Uint64
}

// PortStats is a snapshot of one input or output.
type PortStats struct {
	Name       string
	Auto       bool
	Transfers  uint64
	Reconnects uint64
	Failures   uint64
	Pending    bool
}

// DataManager owns one unit's inputs and outputs.
type DataManager struct {
	name    string
	inputs  []*inputPort
	outputs []*outputPort
	outbox  *Outbox

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDataManager(name string) *DataManager {
	return &DataManager{name: name, outbox: NewOutbox()}
}

func (m *DataManager) Name() string { return m.name }

// AddInput registers a destination buffer. Triggers default to auto.
func (m *DataManager) AddInput(buf *DataBuffer) int {
	m.inputs = append(m.inputs, &inputPort{
		name: fmt.Sprintf("%s.in%d", m.name, len(m.inputs)),
		buf:  buf,
		auto: true,
	})
	return len(m.inputs) - 1
}

// AddOutput registers a source buffer. Triggers default to auto.
func (m *DataManager) AddOutput(buf *DataBuffer) int {
	i := len(m.outputs)
	m.outputs = append(m.outputs, &outputPort{
		name:   fmt.Sprintf("%s.out%d", m.name, i),
		index:  i,
		buf:    buf,
		shadow: buf.Clone(),
		auto:   true,
		kick:   make(chan struct{}, 1),
	})
	return i
}

func (m *DataManager) BindInput(i int, h *stream.Holder) error {
	if i < 0 || i >= len(m.inputs) {
		return ErrBadIndex
	}
	m.inputs[i].conn = NewReader(m.inputs[i].buf, h)
	return nil
}

func (m *DataManager) BindOutput(i int, h *stream.Holder) error {
	if i < 0 || i >= len(m.outputs) {
		return ErrBadIndex
	}
	o := m.outputs[i]
	o.conn = NewWriter(o.shadow, h)
	return nil
}

func (m *DataManager) SetInputTrigger(i int, auto bool) error {
	if i < 0 || i >= len(m.inputs) {
		return ErrBadIndex
	}
	m.inputs[i].auto = auto
	return nil
}

func (m *DataManager) SetOutputTrigger(i int, auto bool) error {
	if i < 0 || i >= len(m.outputs) {
		return ErrBadIndex
	}
	m.outputs[i].auto = auto
	return nil
}

func (m *DataManager) NumInputs() int  { return len(m.inputs) }
func (m *DataManager) NumOutputs() int { return len(m.outputs) }

func (m *DataManager) Input(i int) *DataBuffer  { return m.inputs[i].buf }
func (m *DataManager) Output(i int) *DataBuffer { return m.outputs[i].buf }

func (m *DataManager) Outbox() *Outbox { return m.outbox }

// Start checks every port is bound and launches one sender per output.
func (m *DataManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrStarted
	}
	for _, in := range m.inputs {
		if in.conn == nil {
			return protocol.Fatal("dataflow.Start", fmt.Errorf("%w: %s", ErrUnbound, in.name))
		}
	}
	for _, o := range m.outputs {
		if o.conn == nil {
			return protocol.Fatal("dataflow.Start", fmt.Errorf("%w: %s", ErrUnbound, o.name))
		}
	}
	sctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true
	for _, o := range m.outputs {
		m.wg.Add(1)
		go m.sender(sctx, o)
	}
	return nil
}

// ReadAutoInputs fills every input whose trigger is auto.
func (m *DataManager) ReadAutoInputs(ctx context.Context) error {
	for i, in := range m.inputs {
		if !in.auto {
			continue
		}
		if err := m.Receive(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// Receive fills input i with its next transfer.
func (m *DataManager) Receive(ctx context.Context, i int) error {
	if i < 0 || i >= len(m.inputs) {
		return ErrBadIndex
	}
	in := m.inputs[i]
	if in.conn == nil {
		return fmt.Errorf("%w: %s", ErrUnbound, in.name)
	}
	if err := in.conn.Read(ctx); err != nil {
		return fmt.Errorf("%s: %w", in.name, err)
	}
	return nil
}

// ReleaseAutoOutputs hands every auto-triggered output to its sender.
func (m *DataManager) ReleaseAutoOutputs(ctx context.Context) error {
	for i, o := range m.outputs {
		if !o.auto {
			continue
		}
		if err := m.ReadyWithOutHolder(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// ReadyWithOutHolder marks output i ready and queues it for sending. When
// the previous transfer of i is still in flight it waits for it first; the
// error of that transfer, if any, is returned instead of queueing.
func (m *DataManager) ReadyWithOutHolder(ctx context.Context, i int) error {
	if i < 0 || i >= len(m.outputs) {
		return ErrBadIndex
	}
	o := m.outputs[i]
	if err := o.waitAck(ctx); err != nil {
		return err
	}

	o.shadow.CopyFrom(o.buf)
	o.mu.Lock()
	o.pending = true
	o.ack = make(chan struct{})
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	m.outbox.Upsert(PendingSend{
		Output:   o.name,
		Index:    o.index,
		Sequence: seq,
		QueuedAt: time.Now(),
	})
	o.kick <- struct{}{}
	return nil
}

// Pending reports whether output i has a transfer in flight.
func (m *DataManager) Pending(i int) bool {
	o := m.outputs[i]
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Flush waits for every in-flight output transfer.
func (m *DataManager) Flush(ctx context.Context) error {
	var errs []error
	for _, o := range m.outputs {
		if err := o.waitAck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the senders and closes every bound stream.
func (m *DataManager) Close() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()

	var errs []error
	for _, o := range m.outputs {
		o.mu.Lock()
		if o.pending {
			o.pending = false
			close(o.ack)
		}
		o.mu.Unlock()
		if o.conn != nil {
			errs = append(errs, o.conn.Close())
		}
	}
	for _, in := range m.inputs {
		if in.conn != nil {
			errs = append(errs, in.conn.Close())
		}
	}
	return errors.Join(errs...)
}

func (m *DataManager) Stats() (inputs, outputs []PortStats) {
	for _, in := range m.inputs {
		ps := PortStats{Name: in.name, Auto: in.auto}
		if in.conn != nil {
			ps.Transfers = in.conn.Transfers()
			ps.Reconnects = in.conn.Reconnects()
		}
		inputs = append(inputs, ps)
	}
	for _, o := range m.outputs {
		o.mu.Lock()
		pending := o.pending
		o.mu.Unlock()
		ps := PortStats{
			Name:      o.name,
			Auto:      o.auto,
			Transfers: o.sends.Load(),
			Failures:  o.failures.Load(),
			Pending:   pending,
		}
		if o.conn != nil {
			ps.Reconnects = o.conn.Reconnects()
		}
		outputs = append(outputs, ps)
	}
	return inputs, outputs
}

func (m *DataManager) sender(ctx context.Context, o *outputPort) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
		}

		err := o.conn.Write(ctx)
		m.outbox.MarkAttempt(o.name, time.Now(), errString(err))
		if err != nil {
			o.failures.Add(1)
			log.Error().Str("output", o.name).Err(err).Msg("dataflow.DataManager send failed")
		} else {
			o.sends.Add(1)
			m.outbox.Remove(o.name)
		}

		o.mu.Lock()
		o.err = err
		o.pending = false
		close(o.ack)
		o.mu.Unlock()
	}
}

func (o *outputPort) waitAck(ctx context.Context) error {
	o.mu.Lock()
	pending, ack := o.pending, o.ack
	o.mu.Unlock()
	if pending {
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.mu.Lock()
	err := o.err
	o.err = nil
	o.mu.Unlock()
	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

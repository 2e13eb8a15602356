package cyclic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrCapacity   = errors.New("cyclic: capacity exhausted")
	ErrSealed     = errors.New("cyclic: buffer already in use")
	ErrEmpty      = errors.New("cyclic: no elements registered")
	ErrNoFreeSlot = errors.New("cyclic: every slot is held")
	ErrBadIndex   = errors.New("cyclic: slot index out of range")
	ErrBadState   = errors.New("cyclic: slot not in expected state")
)

type State uint8

const (
	Free State = iota
	WriteLocked
	Filled
	ReadLocked
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case WriteLocked:
		return "write_locked"
	case Filled:
		return "filled"
	case ReadLocked:
		return "read_locked"
	default:
		return "unknown"
	}
}

type slot[T any] struct {
	mu       sync.Mutex
	state    State
	reopened bool
	elem     T
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Capacity   int
	Registered int
	Filled     int
	Writes     uint64
	Reads      uint64
	Reclaimed  uint64
	NoFreeSlot uint64
}

// Buffer is safe for concurrent use by disjoint reader and writer goroutines.
// The cursor lock covers only the write rotation and the fill queue; slot
// state is guarded by each slot's own lock. Lock order is cursor, then slot.
// Element memory is never touched while holding either lock.
type Buffer[T any] struct {
	cursor   sync.Mutex
	slots    []*slot[T]
	capacity int
	next     int
	queue    []int
	sealed   bool
	wake     chan struct{}

	writes     atomic.Uint64
	reads      atomic.Uint64
	reclaimed  atomic.Uint64
	noFreeSlot atomic.Uint64
}

func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		slots:    make([]*slot[T], 0, capacity),
		capacity: capacity,
		queue:    make([]int, 0, capacity),
		wake:     make(chan struct{}),
	}
}

// NewWith builds a buffer and registers capacity elements produced by alloc.
func NewWith[T any](capacity int, alloc func(i int) T) *Buffer[T] {
	b := New[T](capacity)
	for i := 0; i < b.capacity; i++ {
		_, _ = b.Add(alloc(i))
	}
	return b
}

// Add registers an element. Ownership stays with the caller.
func (b *Buffer[T]) Add(elem T) (int, error) {
	b.cursor.Lock()
	defer b.cursor.Unlock()
	if b.sealed {
		return -1, ErrSealed
	}
	if len(b.slots) >= b.capacity {
		return -1, ErrCapacity
	}
	b.slots = append(b.slots, &slot[T]{elem: elem})
	return len(b.slots) - 1, nil
}

func (b *Buffer[T]) Capacity() int {
	return b.capacity
}

// WriteLock returns the next slot of the write rotation. A Filled slot that
// was never read is reclaimed; slots held by a reader or another writer are
// skipped.
func (b *Buffer[T]) WriteLock() (T, int, error) {
	var zero T
	b.cursor.Lock()
	defer b.cursor.Unlock()
	b.sealed = true
	n := len(b.slots)
	if n == 0 {
		return zero, -1, ErrEmpty
	}
	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		s := b.slots[idx]
		s.mu.Lock()
		switch s.state {
		case Free:
		case Filled:
			b.dequeue(idx)
			b.reclaimed.Add(1)
		default:
			s.mu.Unlock()
			continue
		}
		s.state = WriteLocked
		elem := s.elem
		s.mu.Unlock()
		b.next = (idx + 1) % n
		return elem, idx, nil
	}
	b.noFreeSlot.Add(1)
	return zero, -1, ErrNoFreeSlot
}

// WriteUnlock publishes a write-locked slot to readers.
func (b *Buffer[T]) WriteUnlock(idx int) error {
	b.cursor.Lock()
	defer b.cursor.Unlock()
	s, err := b.slot(idx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != WriteLocked {
		return ErrBadState
	}
	s.state = Filled
	if s.reopened {
		s.reopened = false
	} else {
		b.queue = append(b.queue, idx)
		b.writes.Add(1)
	}
	b.signal()
	return nil
}

// WriteAbort gives a write-locked slot back without publishing it. A slot
// opened with Reacquire returns to Filled.
func (b *Buffer[T]) WriteAbort(idx int) error {
	b.cursor.Lock()
	defer b.cursor.Unlock()
	s, err := b.slot(idx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != WriteLocked {
		return ErrBadState
	}
	if s.reopened {
		s.reopened = false
		s.state = Filled
		b.signal()
		return nil
	}
	s.state = Free
	return nil
}

// Reacquire re-opens a Filled, unread slot for writing in place. The slot
// keeps its position in read order and is not handed to readers until
// WriteUnlock or WriteAbort.
func (b *Buffer[T]) Reacquire(idx int) (T, error) {
	var zero T
	b.cursor.Lock()
	defer b.cursor.Unlock()
	s, err := b.slot(idx)
	if err != nil {
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Filled {
		return zero, ErrBadState
	}
	s.state = WriteLocked
	s.reopened = true
	return s.elem, nil
}

// ReadLock returns the oldest Filled slot. It never blocks.
func (b *Buffer[T]) ReadLock() (T, int, bool) {
	elem, idx, ok, _ := b.tryRead()
	return elem, idx, ok
}

// ReadLockWait waits up to timeout for a Filled slot. It returns false on
// timeout or when ctx is done.
func (b *Buffer[T]) ReadLockWait(ctx context.Context, timeout time.Duration) (T, int, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		elem, idx, ok, wake := b.tryRead()
		if ok {
			return elem, idx, true
		}
		select {
		case <-wake:
		case <-timer.C:
			return elem, -1, false
		case <-ctx.Done():
			return elem, -1, false
		}
	}
}

func (b *Buffer[T]) tryRead() (T, int, bool, <-chan struct{}) {
	var zero T
	b.cursor.Lock()
	defer b.cursor.Unlock()
	if len(b.queue) == 0 {
		return zero, -1, false, b.wake
	}
	idx := b.queue[0]
	s := b.slots[idx]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Filled {
		// head is re-opened by its writer
		return zero, -1, false, b.wake
	}
	b.queue = b.queue[1:]
	s.state = ReadLocked
	b.reads.Add(1)
	return s.elem, idx, true, b.wake
}

// ReadUnlock returns a read-locked slot to the free rotation.
func (b *Buffer[T]) ReadUnlock(idx int) error {
	s, err := b.slotLocked(idx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ReadLocked {
		return ErrBadState
	}
	s.state = Free
	return nil
}

// State reports the current state of slot idx.
func (b *Buffer[T]) State(idx int) State {
	s, err := b.slotLocked(idx)
	if err != nil {
		return Free
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (b *Buffer[T]) Stats() Stats {
	b.cursor.Lock()
	registered := len(b.slots)
	filled := len(b.queue)
	b.cursor.Unlock()
	return Stats{
		Capacity:   b.capacity,
		Registered: registered,
		Filled:     filled,
		Writes:     b.writes.Load(),
		Reads:      b.reads.Load(),
		Reclaimed:  b.reclaimed.Load(),
		NoFreeSlot: b.noFreeSlot.Load(),
	}
}

func (b *Buffer[T]) slotLocked(idx int) (*slot[T], error) {
	b.cursor.Lock()
	defer b.cursor.Unlock()
	return b.slot(idx)
}

func (b *Buffer[T]) slot(idx int) (*slot[T], error) {
	if idx < 0 || idx >= len(b.slots) {
		return nil, ErrBadIndex
	}
	return b.slots[idx], nil
}

func (b *Buffer[T]) dequeue(idx int) {
	for i, v := range b.queue {
		if v == idx {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

func (b *Buffer[T]) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

package dataflow

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingSend tracks one output transfer awaiting completion.
type PendingSend struct {
	Output        string
	Index         int
	Sequence      uint64
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	LastError     string
}

// Outbox stores in-flight sends by output name.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingSend
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[string]PendingSend),
	}
}

func (o *Outbox) Upsert(item PendingSend) {
	key := strings.TrimSpace(item.Output)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *Outbox) MarkAttempt(output string, at time.Time, lastErr string) (PendingSend, bool) {
	key := strings.TrimSpace(output)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingSend{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *Outbox) Remove(output string) {
	key := strings.TrimSpace(output)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *Outbox) Get(output string) (PendingSend, bool) {
	key := strings.TrimSpace(output)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

func (o *Outbox) List() []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSend, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out
}

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	key   string
	value []byte
	op    jetstream.KeyValueOp
}

func (e fakeEntry) Bucket() string                  { return DefaultRendezvousBucket }
func (e fakeEntry) Key() string                     { return e.key }
func (e fakeEntry) Value() []byte                   { return e.value }
func (e fakeEntry) Revision() uint64                { return 1 }
func (e fakeEntry) Created() time.Time              { return time.Time{} }
func (e fakeEntry) Delta() uint64                   { return 0 }
func (e fakeEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	ch chan jetstream.KeyValueEntry
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.ch }
func (w *fakeWatcher) Stop() error                             { return nil }

type fakeKV struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string][]*fakeWatcher
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: map[string][]byte{}, watchers: map[string][]*fakeWatcher{}}
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = value
	for _, w := range kv.watchers[key] {
		w.ch <- fakeEntry{key: key, value: value, op: jetstream.KeyValuePut}
	}
	return 1, nil
}

func (kv *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.values[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{key: key, value: v, op: jetstream.KeyValuePut}, nil
}

func (kv *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.values, key)
	return nil
}

func (kv *fakeKV) Watch(_ context.Context, key string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	w := &fakeWatcher{ch: make(chan jetstream.KeyValueEntry, 4)}
	// initial values are done
	w.ch <- nil
	kv.watchers[key] = append(kv.watchers[key], w)
	return w, nil
}

func TestNATSRendezvousLookupWaitsForPublish(t *testing.T) {
	testlog.Start(t)
	kv := newFakeKV()
	rv := &NATSRendezvous{kv: kv}
	ctx := testCtx(t)

	got := make(chan string, 1)
	go func() {
		addr, err := rv.Lookup(ctx, "transpose:0/1")
		if err == nil {
			got <- addr
		}
	}()

	require.Eventually(t, func() bool {
		kv.mu.Lock()
		defer kv.mu.Unlock()
		return len(kv.watchers["transpose_0/1"]) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, rv.Publish(ctx, "transpose:0/1", "10.1.1.1:4000"))

	select {
	case addr := <-got:
		assert.Equal(t, "10.1.1.1:4000", addr)
	case <-time.After(time.Second):
		t.Fatal("lookup did not observe publish")
	}

	addr, err := rv.Lookup(ctx, "transpose:0/1")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1:4000", addr)

	require.NoError(t, rv.Withdraw(ctx, "transpose:0/1"))
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = rv.Lookup(short, "transpose:0/1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSanitizeKey(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "board_1.udp/a-b=c", sanitizeKey("board 1.udp/a-b=c"))
}

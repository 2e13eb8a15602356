package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

const DefaultRendezvousBucket = "corrstream-rendezvous"

// kvStore is the subset of jetstream.KeyValue NATSRendezvous uses.
type kvStore interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Watch(ctx context.Context, keys string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// NATSRendezvous publishes keyed stream addresses in a JetStream KV bucket
// so servers and clients on different hosts can find each other.
type NATSRendezvous struct {
	kv kvStore
}

// NewNATSRendezvous opens bucket, creating it when missing.
func NewNATSRendezvous(ctx context.Context, nc *nats.Conn, bucket string) (*NATSRendezvous, error) {
	if bucket == "" {
		bucket = DefaultRendezvousBucket
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("stream: jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return &NATSRendezvous{kv: kv}, nil
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "corrstream keyed stream addresses",
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		kv, err = js.KeyValue(ctx, bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: rendezvous bucket %s: %w", bucket, err)
	}
	log.Info().Str("bucket", bucket).Msg("stream.NATSRendezvous ready")
	return &NATSRendezvous{kv: kv}, nil
}

func (n *NATSRendezvous) Publish(ctx context.Context, key, addr string) error {
	if _, err := n.kv.Put(ctx, sanitizeKey(key), []byte(addr)); err != nil {
		return fmt.Errorf("stream: publish %s: %w", key, err)
	}
	return nil
}

func (n *NATSRendezvous) Lookup(ctx context.Context, key string) (string, error) {
	k := sanitizeKey(key)
	entry, err := n.kv.Get(ctx, k)
	if err == nil {
		return string(entry.Value()), nil
	}
	if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", fmt.Errorf("stream: lookup %s: %w", key, err)
	}

	w, err := n.kv.Watch(ctx, k)
	if err != nil {
		return "", fmt.Errorf("stream: watch %s: %w", key, err)
	}
	defer func() { _ = w.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok {
				return "", fmt.Errorf("stream: watch %s: %w", key, ErrClosed)
			}
			// nil marks the end of the initial values
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			return string(entry.Value()), nil
		}
	}
}

func (n *NATSRendezvous) Withdraw(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, sanitizeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("stream: withdraw %s: %w", key, err)
	}
	return nil
}

// sanitizeKey maps a stream key onto the KV key alphabet.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '/', r == '=', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}

package stream

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 3, rng)
	if got < 500*time.Millisecond || got > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestCreateWithRetryGivesUp(t *testing.T) {
	testlog.Start(t)
	missing := filepath.Join(t.TempDir(), "absent.raw")
	policy := RetryPolicy{Attempts: 3, Backoff: BackoffConfig{InitialDelay: time.Millisecond}}

	start := time.Now()
	_, err := CreateWithRetry(context.Background(), "file:"+missing, true, Options{}, policy)
	require.Error(t, err)
	assert.False(t, protocol.IsFatal(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCreateWithRetryStopsOnFatal(t *testing.T) {
	testlog.Start(t)
	_, err := CreateWithRetry(context.Background(), "bogus:1", true, Options{}, RetryPolicy{})
	require.ErrorIs(t, err, ErrUnknownScheme)
	assert.True(t, protocol.IsFatal(err))

	_, err = Create(context.Background(), "tcpkey:k", true, Options{})
	require.ErrorIs(t, err, ErrNoRendezvous)
	assert.True(t, protocol.IsFatal(err))
}

func TestCreateWithRetryHonorsContext(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	missing := filepath.Join(t.TempDir(), "absent.raw")
	policy := RetryPolicy{Backoff: BackoffConfig{InitialDelay: 10 * time.Millisecond}}

	_, err := CreateWithRetry(ctx, "file:"+missing, true, Options{}, policy)
	require.Error(t, err)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

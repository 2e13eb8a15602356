package stream

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/rs/zerolog/log"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// RetryPolicy bounds construction retries. Attempts <= 0 retries until the
// context ends.
type RetryPolicy struct {
	Attempts int
	Backoff  BackoffConfig
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 10,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

func (p RetryPolicy) shouldRetry(attempt int) bool {
	if p.Attempts <= 0 {
		return true
	}
	return attempt < p.Attempts
}

// CreateWithRetry calls Create until it succeeds, the policy is exhausted,
// the error is fatal, or ctx ends.
func CreateWithRetry(ctx context.Context, raw string, asServer bool, opts Options, policy RetryPolicy) (Stream, error) {
	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, protocol.Fatal("stream.CreateWithRetry", err)
	}
	return createDescriptorWithRetry(ctx, d, asServer, opts, policy)
}

func createDescriptorWithRetry(ctx context.Context, d Descriptor, asServer bool, opts Options, policy RetryPolicy) (Stream, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		s, err := CreateDescriptor(ctx, d, asServer, opts)
		if err == nil {
			return s, nil
		}
		if protocol.IsFatal(err) || ctx.Err() != nil || !policy.shouldRetry(attempt) {
			return nil, err
		}
		log.Warn().
			Str("descriptor", d.String()).
			Bool("server", asServer).
			Int("attempt", attempt).
			Err(err).
			Msg("stream.Create retry")
		if err := sleepBackoff(ctx, policy.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(NextBackoffDelay(cfg, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

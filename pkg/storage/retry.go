package storage

import (
	"context"
	"io"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/logger"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// retryStorage retries transient failures with jittered exponential
// backoff. Non-retryable errors (not_found, permission) propagate
// immediately. Open retries cover establishing the stream; mid-stream
// failures are the caller's to resume via a ranged re-Open.
type retryStorage struct {
	inner  Storage
	policy config.RetryConfig
	logger *zap.Logger
}

func withRetry(inner Storage, policy config.RetryConfig) Storage {
	return &retryStorage{
		inner:  inner,
		policy: policy,
		logger: logger.Get().With(zap.String("component", "storage_retry"), zap.String("backend", inner.Backend())),
	}
}

func (r *retryStorage) Backend() string { return r.inner.Backend() }

// delay computes min(maxDelay, initial * multiplier^attempt) with
// ±25% jitter.
func (r *retryStorage) delay(attempt int) time.Duration {
	d := float64(r.policy.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= r.policy.Multiplier
	}
	if max := float64(r.policy.MaxDelay); d > max {
		d = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}

func (r *retryStorage) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !strataerrors.IsRetryable(err) || attempt >= r.policy.MaxRetries {
			return err
		}

		metrics.StorageRetries.WithLabelValues(r.inner.Backend(), op).Inc()
		wait := r.delay(attempt)
		r.logger.Warn("retrying storage operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", wait),
			zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "retry aborted")
		}
	}
}

func (r *retryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *retryStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.do(ctx, "open", func() error {
		var err error
		rc, err = r.inner.Open(ctx, key, rng)
		return err
	})
	return rc, err
}

func (r *retryStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "read_all", func() error {
		var err error
		data, err = r.inner.ReadAll(ctx, key)
		return err
	})
	return data, err
}

// Write is retried only when the source is rewindable (io.Seeker);
// otherwise a failed attempt has already consumed part of the stream.
func (r *retryStorage) Write(ctx context.Context, key string, src io.Reader) error {
	seeker, rewindable := src.(io.Seeker)
	if !rewindable {
		return r.inner.Write(ctx, key, src)
	}

	return r.do(ctx, "write", func() error {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, "rewind write source")
		}
		return r.inner.Write(ctx, key, src)
	})
}

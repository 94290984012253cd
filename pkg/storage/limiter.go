package storage

import (
	"context"
	"io"

	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// limitedStorage bounds in-flight operations with a slot semaphore.
// Operations beyond the limit suspend until a slot frees. For Open,
// the slot is held until the returned stream is closed, since the
// backend connection stays busy for the stream's lifetime.
type limitedStorage struct {
	inner Storage
	slots chan struct{}
}

func limitConcurrency(inner Storage, max int) Storage {
	if max <= 0 {
		max = 1
	}
	return &limitedStorage{
		inner: inner,
		slots: make(chan struct{}, max),
	}
}

func (l *limitedStorage) Backend() string { return l.inner.Backend() }

func (l *limitedStorage) acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "waiting for storage slot")
	}
}

func (l *limitedStorage) release() { <-l.slots }

func (l *limitedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.List(ctx, prefix)
}

func (l *limitedStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	rc, err := l.inner.Open(ctx, key, rng)
	if err != nil {
		l.release()
		return nil, err
	}
	return &slotReadCloser{ReadCloser: rc, release: l.release}, nil
}

func (l *limitedStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.inner.ReadAll(ctx, key)
}

func (l *limitedStorage) Write(ctx context.Context, key string, r io.Reader) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return l.inner.Write(ctx, key, r)
}

type slotReadCloser struct {
	io.ReadCloser
	release func()
	closed  bool
}

func (s *slotReadCloser) Close() error {
	err := s.ReadCloser.Close()
	if !s.closed {
		s.closed = true
		s.release()
	}
	return err
}

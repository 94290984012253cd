package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// flakyStorage fails the first failures calls of every operation with a
// retryable error, then succeeds.
type flakyStorage struct {
	failures int
	calls    atomic.Int32
	data     []byte
}

func (f *flakyStorage) Backend() string { return "flaky" }

func (f *flakyStorage) attempt() error {
	n := f.calls.Add(1)
	if int(n) <= f.failures {
		return strataerrors.New(strataerrors.ErrorTypeStorageIO, "transient failure")
	}
	return nil
}

func (f *flakyStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return []string{prefix + "/object"}, nil
}

func (f *flakyStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func (f *flakyStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return f.data, nil
}

func (f *flakyStorage) Write(ctx context.Context, key string, r io.Reader) error {
	if err := f.attempt(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.data = data
	return nil
}

func fastRetry(maxRetries int) config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	// max_retries retries means max_retries+1 attempts total; failing all
	// but the last one must still succeed.
	backend := &flakyStorage{failures: 3, data: []byte("payload")}
	st := withRetry(backend, fastRetry(3))

	data, err := st.ReadAll(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int32(4), backend.calls.Load())
}

func TestRetryExhaustedSurfacesStorageIO(t *testing.T) {
	backend := &flakyStorage{failures: 10}
	st := withRetry(backend, fastRetry(3))

	_, err := st.ReadAll(context.Background(), "key")
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeStorageIO))
	assert.Equal(t, int32(4), backend.calls.Load())
}

func TestRetryDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	backend := &funcStorage{
		readAll: func(ctx context.Context, key string) ([]byte, error) {
			calls.Add(1)
			return nil, strataerrors.New(strataerrors.ErrorTypeNotFound, "no such object")
		},
	}
	st := withRetry(backend, fastRetry(3))

	_, err := st.ReadAll(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeNotFound))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	backend := &flakyStorage{failures: 100}
	st := withRetry(backend, config.RetryConfig{
		MaxRetries:   10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := st.ReadAll(ctx, "key")
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeCancelled))
}

func TestRetryWriteRewindsSeeker(t *testing.T) {
	backend := &flakyStorage{failures: 2}
	st := withRetry(backend, fastRetry(3))

	err := st.Write(context.Background(), "key", bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), backend.data)
}

func TestRetryWriteNonSeekerFailsFast(t *testing.T) {
	backend := &flakyStorage{failures: 1}
	st := withRetry(backend, fastRetry(3))

	// A plain pipe-like reader cannot be rewound, so the write must not
	// be retried with a half-consumed stream.
	err := st.Write(context.Background(), "key", io.NopCloser(strings.NewReader("data")))
	require.Error(t, err)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestRetryDelayBackoff(t *testing.T) {
	rs := &retryStorage{policy: config.RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}}

	// Jitter is +/-25%, so check the window instead of exact values.
	for attempt, base := range []time.Duration{100, 200, 400, 800, 1000, 1000} {
		d := rs.delay(attempt)
		want := base * time.Millisecond
		assert.GreaterOrEqual(t, d, want*3/4, "attempt %d", attempt)
		assert.LessOrEqual(t, d, want*5/4, "attempt %d", attempt)
	}
}

// funcStorage routes each operation to an optional callback.
type funcStorage struct {
	list    func(ctx context.Context, prefix string) ([]string, error)
	open    func(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)
	readAll func(ctx context.Context, key string) ([]byte, error)
	write   func(ctx context.Context, key string, r io.Reader) error
}

func (f *funcStorage) Backend() string { return "func" }

func (f *funcStorage) List(ctx context.Context, prefix string) ([]string, error) {
	return f.list(ctx, prefix)
}

func (f *funcStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	return f.open(ctx, key, rng)
}

func (f *funcStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return f.readAll(ctx, key)
}

func (f *funcStorage) Write(ctx context.Context, key string, r io.Reader) error {
	return f.write(ctx, key, r)
}

func TestConcurrencyLimiterBounds(t *testing.T) {
	var active, peak atomic.Int32
	backend := &funcStorage{
		readAll: func(ctx context.Context, key string) ([]byte, error) {
			cur := active.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	}

	st := limitConcurrency(backend, 3)
	done := make(chan struct{})
	for i := 0; i < 12; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = st.ReadAll(context.Background(), "key")
		}()
	}
	for i := 0; i < 12; i++ {
		<-done
	}

	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestConcurrencyLimiterHoldsSlotUntilStreamClose(t *testing.T) {
	backend := &funcStorage{
		open: func(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("stream")), nil
		},
	}
	st := limitConcurrency(backend, 1)

	rc, err := st.Open(context.Background(), "a", nil)
	require.NoError(t, err)

	// Second open must block while the first stream is alive.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = st.Open(ctx, "b", nil)
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeCancelled))

	require.NoError(t, rc.Close())

	rc2, err := st.Open(context.Background(), "b", nil)
	require.NoError(t, err)
	require.NoError(t, rc2.Close())
}

func TestLocalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	st, err := NewLocal(cfg)
	require.NoError(t, err)

	key := filepath.Join(dir, "nested", "out.bin")
	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	require.NoError(t, st.Write(context.Background(), key, bytes.NewReader(payload)))

	// No temp files may remain next to the committed object.
	entries, err := os.ReadDir(filepath.Dir(key))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.bin", entries[0].Name())

	data, err := st.ReadAll(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestLocalRangedOpen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	st, err := NewLocal(cfg)
	require.NoError(t, err)

	key := filepath.Join(dir, "ranged.txt")
	require.NoError(t, st.Write(context.Background(), key, strings.NewReader("0123456789")))

	rc, err := st.Open(context.Background(), key, &ByteRange{Offset: 3, Length: 4})
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "3456", string(data))
}

func TestLocalOpenNotFound(t *testing.T) {
	cfg := config.DefaultConfig()
	st, err := NewLocal(cfg)
	require.NoError(t, err)

	_, err = st.Open(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeNotFound))
}

func TestLocalList(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	st, err := NewLocal(cfg)
	require.NoError(t, err)

	for _, name := range []string{"a.csv", "b.csv", "sub/c.csv"} {
		key := filepath.Join(dir, name)
		require.NoError(t, st.Write(context.Background(), key, strings.NewReader("x")))
	}

	keys, err := st.List(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestChunkedReaderTracksOffset(t *testing.T) {
	src := io.NopCloser(strings.NewReader(strings.Repeat("z", 100)))
	cr := newChunkedReader(src, 16)

	buf := make([]byte, 64)
	n, err := cr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n, "reads are capped at the read buffer size")

	_, err = io.ReadAll(cr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cr.BytesRead())
}

// faultReader serves data, then fails every later Read with err.
type faultReader struct {
	data []byte
	err  error
	pos  int
}

func (f *faultReader) Read(p []byte) (int, error) {
	if f.pos < len(f.data) {
		n := copy(p, f.data[f.pos:])
		f.pos += n
		return n, nil
	}
	return 0, f.err
}

func (f *faultReader) Close() error { return nil }

func TestChunkedReaderClassifiesMidStreamErrors(t *testing.T) {
	cr := newChunkedReader(&faultReader{
		data: []byte("partial"),
		err:  errors.New("connection reset by peer"),
	}, 16)

	buf := make([]byte, 16)
	n, err := cr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	// A raw transport error must come out as retryable storage_io so
	// the consumer can resume from BytesRead.
	_, err = cr.Read(buf)
	require.Error(t, err)
	assert.True(t, strataerrors.IsRetryable(err))
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeStorageIO))
	assert.Equal(t, int64(7), cr.BytesRead())
}

func TestChunkedReaderKeepsClassifiedErrors(t *testing.T) {
	want := strataerrors.New(strataerrors.ErrorTypeNotFound, "gone mid-stream")
	cr := newChunkedReader(&faultReader{err: want}, 16)

	_, err := cr.Read(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeNotFound))
	assert.False(t, strataerrors.IsRetryable(err))
}

func TestChunkedReaderMapsContextErrors(t *testing.T) {
	cr := newChunkedReader(&faultReader{err: context.Canceled}, 16)

	_, err := cr.Read(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeCancelled))
	assert.False(t, strataerrors.IsRetryable(err))
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in     string
		scheme string
		bucket string
		path   string
	}{
		{"s3://mybucket/data/file.parquet", "s3", "mybucket", "data/file.parquet"},
		{"az://container/blobs/in.csv", "az", "container", "blobs/in.csv"},
		{"gs://bkt/a/b", "gs", "bkt", "a/b"},
		{"file:///tmp/data.csv", "file", "", "/tmp/data.csv"},
		{"/tmp/plain.csv", "file", "", "/tmp/plain.csv"},
		{"relative/path.csv", "file", "", "relative/path.csv"},
	}
	for _, tt := range tests {
		loc, err := ParseLocation(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.scheme, loc.Scheme, tt.in)
		assert.Equal(t, tt.bucket, loc.Bucket, tt.in)
		assert.Equal(t, tt.path, loc.Path, tt.in)
	}
}

func TestParseLocationRejectsUnknownScheme(t *testing.T) {
	_, err := ParseLocation("ftp://host/file")
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeConfig))
}

// Package storage provides the polymorphic byte-stream layer of the
// data plane. A Storage moves whole objects and ranged streams between
// the pipeline and a backend (local filesystem, S3, Azure Blob or
// GCS), with every operation wrapped in a retry policy and a
// process-wide concurrency limit.
//
// Streams returned by Open are single-pass and finite, and never
// deliver a chunk larger than the configured read buffer size. A
// mid-stream transient failure surfaces as a storage_io error; callers
// that track their acknowledged offset can resume by re-invoking Open
// with a range starting there.
package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// ByteRange selects part of an object. A nil *ByteRange means the
// whole object. Length 0 means "from Offset to the end".
type ByteRange struct {
	Offset int64
	Length int64
}

// Location identifies a backend and a path within it.
type Location struct {
	// Scheme selects the backend: file, s3, az or gs
	Scheme string
	// Bucket is the container name; empty for local files
	Bucket string
	// Path is the object key or filesystem path
	Path string
}

// String renders the location back to URI form.
func (l Location) String() string {
	if l.Scheme == "file" {
		return "file://" + l.Path
	}
	return l.Scheme + "://" + l.Bucket + "/" + strings.TrimPrefix(l.Path, "/")
}

// ParseLocation parses a storage URI. Bare paths without a scheme are
// treated as local files.
func ParseLocation(raw string) (Location, error) {
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, strataerrors.Wrap(err, strataerrors.ErrorTypeConfig, "invalid storage location")
	}

	switch u.Scheme {
	case "file":
		path := u.Path
		if u.Host != "" {
			// file://relative/path puts the first element in Host.
			path = u.Host + u.Path
		}
		return Location{Scheme: "file", Path: path}, nil
	case "s3", "az", "gs":
		if u.Host == "" {
			return Location{}, strataerrors.Newf(strataerrors.ErrorTypeConfig, "%s location %q has no bucket", u.Scheme, raw)
		}
		return Location{Scheme: u.Scheme, Bucket: u.Host, Path: strings.TrimPrefix(u.Path, "/")}, nil
	default:
		return Location{}, strataerrors.Newf(strataerrors.ErrorTypeConfig, "unsupported storage scheme %q", u.Scheme)
	}
}

// Storage is the byte-stream capability over one backend. Keys passed
// to operations are paths within the bucket (or filesystem) the
// Storage was built for.
type Storage interface {
	// List enumerates object keys under a prefix. It fails with a
	// not_found error when the prefix or container does not exist.
	List(ctx context.Context, prefix string) ([]string, error)

	// Open produces a single-pass byte stream over the object,
	// restricted to rng when non-nil. Chunks delivered by Read never
	// exceed the configured read buffer size.
	Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)

	// ReadAll buffers a whole object. Only for inputs known to be
	// small (schema samples, plugin manifests); the data plane reads
	// through Open.
	ReadAll(ctx context.Context, key string) ([]byte, error)

	// Write consumes r and commits it as one object. A failed write
	// leaves no partially-visible object.
	Write(ctx context.Context, key string, r io.Reader) error

	// Backend names the backend for logs and metrics.
	Backend() string
}

// NewFromLocation builds the Storage for a parsed location, wrapped in
// the retry and concurrency decorators from cfg.
func NewFromLocation(ctx context.Context, loc Location, cfg *config.PipelineConfig) (Storage, error) {
	var (
		backend Storage
		err     error
	)
	switch loc.Scheme {
	case "file":
		backend, err = NewLocal(cfg)
	case "s3":
		backend, err = NewS3(ctx, loc.Bucket, cfg)
	case "az":
		backend, err = NewAzure(loc.Bucket, cfg)
	case "gs":
		backend, err = NewGCS(ctx, loc.Bucket, cfg)
	default:
		return nil, strataerrors.Newf(strataerrors.ErrorTypeConfig, "unsupported storage scheme %q", loc.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return Wrap(backend, cfg), nil
}

// NewFromURL parses raw and builds the decorated Storage for it.
func NewFromURL(ctx context.Context, raw string, cfg *config.PipelineConfig) (Storage, Location, error) {
	loc, err := ParseLocation(raw)
	if err != nil {
		return nil, Location{}, err
	}
	store, err := NewFromLocation(ctx, loc, cfg)
	if err != nil {
		return nil, Location{}, err
	}
	return store, loc, nil
}

// Wrap applies the standard decorators to a backend: retry innermost,
// concurrency limit outermost so a queued operation does not burn
// retry budget while waiting for a slot.
func Wrap(backend Storage, cfg *config.PipelineConfig) Storage {
	return limitConcurrency(withRetry(backend, cfg.Storage.Retry), cfg.Storage.MaxConcurrentRequests)
}

// chunkedReader caps the size of a single Read so no storage stream
// hands out a chunk beyond the configured read buffer size.
type chunkedReader struct {
	r    io.ReadCloser
	max  int
	read int64
}

func newChunkedReader(r io.ReadCloser, max int) *chunkedReader {
	return &chunkedReader{r: r, max: max}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.max {
		p = p[:c.max]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	return n, classifyStreamError(err)
}

// classifyStreamError maps a raw mid-stream read failure into the
// taxonomy. Backend readers surface transport and filesystem errors
// directly, and callers decide resumability through IsRetryable, so an
// unclassified failure here would never be resumed.
func classifyStreamError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	var serr *strataerrors.Error
	if errors.As(err, &serr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return strataerrors.Wrap(err, strataerrors.ErrorTypeCancelled, "storage stream read cancelled")
	}
	return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, "storage stream read failed")
}

func (c *chunkedReader) Close() error { return c.r.Close() }

// BytesRead reports the bytes consumed so far, the resume offset for a
// reopened stream.
func (c *chunkedReader) BytesRead() int64 { return c.read }

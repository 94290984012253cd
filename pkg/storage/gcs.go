package storage

import (
	"context"
	"errors"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// gcsStorage serves the gs scheme. Credentials come from Application
// Default Credentials.
type gcsStorage struct {
	client          *gcs.Client
	bucket          string
	readBufferSize  int
	writeBufferSize int
}

// NewGCS creates a Google Cloud Storage backend for one bucket.
func NewGCS(ctx context.Context, bucket string, cfg *config.PipelineConfig) (Storage, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeConfig, "create GCS client")
	}
	return &gcsStorage{
		client:          client,
		bucket:          bucket,
		readBufferSize:  cfg.Storage.ReadBufferSize,
		writeBufferSize: cfg.Storage.WriteBufferSize,
	}, nil
}

func (g *gcsStorage) Backend() string { return "gcs" }

func classifyGCSError(err error, msg string) error {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return strataerrors.Wrap(err, strataerrors.ErrorTypeNotFound, msg)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404:
			return strataerrors.Wrap(err, strataerrors.ErrorTypeNotFound, msg)
		case 401, 403:
			return strataerrors.Wrap(err, strataerrors.ErrorTypePermission, msg)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return strataerrors.Wrap(err, strataerrors.ErrorTypeCancelled, msg)
	}
	return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, msg)
}

func (g *gcsStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			metrics.StorageOperations.WithLabelValues("gcs", "list", "error").Inc()
			return nil, classifyGCSError(err, "list gs://"+g.bucket+"/"+prefix)
		}
		keys = append(keys, attrs.Name)
	}
	metrics.StorageOperations.WithLabelValues("gcs", "list", "ok").Inc()
	return keys, nil
}

func (g *gcsStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	obj := g.client.Bucket(g.bucket).Object(key)

	var (
		r   *gcs.Reader
		err error
	)
	if rng != nil {
		length := rng.Length
		if length == 0 {
			length = -1
		}
		r, err = obj.NewRangeReader(ctx, rng.Offset, length)
	} else {
		r, err = obj.NewReader(ctx)
	}
	if err != nil {
		metrics.StorageOperations.WithLabelValues("gcs", "open", "error").Inc()
		return nil, classifyGCSError(err, "open gs://"+g.bucket+"/"+key)
	}

	metrics.StorageOperations.WithLabelValues("gcs", "open", "ok").Inc()
	return newChunkedReader(r, g.readBufferSize), nil
}

func (g *gcsStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.Open(ctx, key, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyGCSError(err, "read gs://"+g.bucket+"/"+key)
	}
	metrics.StorageBytesRead.WithLabelValues("gcs").Add(float64(len(data)))
	return data, nil
}

func (g *gcsStorage) Write(ctx context.Context, key string, r io.Reader) error {
	// The object becomes visible only when Close succeeds, so an aborted
	// write leaves nothing behind.
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ChunkSize = g.writeBufferSize

	n, err := io.Copy(w, r)
	if err != nil {
		w.Close()
		metrics.StorageOperations.WithLabelValues("gcs", "write", "error").Inc()
		return classifyGCSError(err, "write gs://"+g.bucket+"/"+key)
	}
	if err := w.Close(); err != nil {
		metrics.StorageOperations.WithLabelValues("gcs", "write", "error").Inc()
		return classifyGCSError(err, "commit gs://"+g.bucket+"/"+key)
	}

	metrics.StorageOperations.WithLabelValues("gcs", "write", "ok").Inc()
	metrics.StorageBytesWritten.WithLabelValues("gcs").Add(float64(n))
	return nil
}

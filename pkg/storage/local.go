package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// localStorage serves the file scheme. Writes go to a temp file in the
// target directory and are renamed into place, so a failed write never
// leaves a partially-visible object.
type localStorage struct {
	readBufferSize int
}

// NewLocal creates a local filesystem backend.
func NewLocal(cfg *config.PipelineConfig) (Storage, error) {
	return &localStorage{readBufferSize: cfg.Storage.ReadBufferSize}, nil
}

func (l *localStorage) Backend() string { return "local" }

func classifyFSError(err error, msg string) error {
	switch {
	case os.IsNotExist(err):
		return strataerrors.Wrap(err, strataerrors.ErrorTypeNotFound, msg)
	case os.IsPermission(err):
		return strataerrors.Wrap(err, strataerrors.ErrorTypePermission, msg)
	default:
		return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, msg)
	}
}

func (l *localStorage) List(ctx context.Context, prefix string) ([]string, error) {
	root := prefix
	info, err := os.Stat(root)
	if err != nil {
		return nil, classifyFSError(err, "list "+prefix)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var keys []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() {
			keys = append(keys, path)
		}
		return nil
	})
	if err != nil {
		return nil, classifyFSError(err, "list "+prefix)
	}
	metrics.StorageOperations.WithLabelValues("local", "list", "ok").Inc()
	return keys, nil
}

func (l *localStorage) Open(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error) {
	f, err := os.Open(key)
	if err != nil {
		metrics.StorageOperations.WithLabelValues("local", "open", "error").Inc()
		return nil, classifyFSError(err, "open "+key)
	}

	var rc io.ReadCloser = f
	if rng != nil {
		if _, err := f.Seek(rng.Offset, io.SeekStart); err != nil {
			f.Close()
			return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, "seek "+key)
		}
		if rng.Length > 0 {
			rc = &limitedFileReader{f: f, remaining: rng.Length}
		}
	}

	metrics.StorageOperations.WithLabelValues("local", "open", "ok").Inc()
	return newChunkedReader(rc, l.readBufferSize), nil
}

func (l *localStorage) ReadAll(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(key)
	if err != nil {
		return nil, classifyFSError(err, "read "+key)
	}
	metrics.StorageBytesRead.WithLabelValues("local").Add(float64(len(data)))
	return data, nil
}

func (l *localStorage) Write(ctx context.Context, key string, r io.Reader) error {
	dir := filepath.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classifyFSError(err, "create directory "+dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(key)+".tmp-*")
	if err != nil {
		return classifyFSError(err, "create temp file in "+dir)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.StorageOperations.WithLabelValues("local", "write", "error").Inc()
		return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, "write "+key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return strataerrors.Wrap(err, strataerrors.ErrorTypeStorageIO, "close temp for "+key)
	}

	// Rename within the same directory is atomic; readers never see a
	// half-written object.
	if err := os.Rename(tmpName, key); err != nil {
		os.Remove(tmpName)
		return classifyFSError(err, "commit "+key)
	}

	metrics.StorageOperations.WithLabelValues("local", "write", "ok").Inc()
	metrics.StorageBytesWritten.WithLabelValues("local").Add(float64(n))
	return nil
}

// limitedFileReader bounds a ranged read to its length.
type limitedFileReader struct {
	f         *os.File
	remaining int64
}

func (r *limitedFileReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *limitedFileReader) Close() error { return r.f.Close() }

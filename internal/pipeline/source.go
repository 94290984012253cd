package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/compression"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/storage"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// pooledSource streams one object's bytes through pool-leased buffers.
// Every chunk pulled from storage holds a lease until the decoder side
// of the pipe consumes it, so checked-out-bytes tracks undelivered
// bytes and the pool ceiling bounds read-ahead. A mid-stream transient
// failure resumes with a ranged re-open from the last delivered
// offset.
type pooledSource struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *pooledSource) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *pooledSource) Close() error {
	s.cancel()
	s.pr.Close()
	<-s.done
	return nil
}

func (b *Bridge) openSource(ctx context.Context) (io.ReadCloser, error) {
	rc, err := b.store.Open(ctx, b.loc.Path, nil)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &pooledSource{pr: pr, cancel: cancel, done: make(chan struct{})}
	go b.pump(pumpCtx, rc, pw, s.done)

	// Decompression sits above the pooled pump: resume offsets stay in
	// compressed-byte space.
	if algo := compression.Detect(b.loc.Path); algo != compression.None {
		dec, err := compression.NewReader(algo, s)
		if err != nil {
			s.Close()
			return nil, err
		}
		return &decompressedSource{ReadCloser: dec, under: s}, nil
	}
	return s, nil
}

// decompressedSource closes both the decompressor and the pump under
// it.
type decompressedSource struct {
	io.ReadCloser
	under io.Closer
}

func (d *decompressedSource) Close() error {
	err := d.ReadCloser.Close()
	if uerr := d.under.Close(); err == nil {
		err = uerr
	}
	return err
}

func (b *Bridge) pump(ctx context.Context, rc io.ReadCloser, pw *io.PipeWriter, done chan<- struct{}) {
	defer close(done)
	defer func() { rc.Close() }()

	var offset int64
	engaged := false

	for {
		// Suspend the pull while the pool sits above its watermark.
		for b.pool.AboveHighWatermark() {
			if !engaged {
				engaged = true
				metrics.BackpressureEngaged.WithLabelValues("pool_watermark").Inc()
				b.logger.Debug("byte pull suspended on pool watermark",
					zap.Int64("checked_out", b.pool.CheckedOutBytes()))
			}
			select {
			case <-time.After(watermarkPollInterval):
			case <-ctx.Done():
				pw.CloseWithError(strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "byte pull cancelled"))
				return
			}
		}
		engaged = false

		lease, err := b.pool.Acquire(ctx)
		if err != nil {
			pw.CloseWithError(err)
			return
		}

		buf := lease.Buffer().Raw()
		n, rerr := rc.Read(buf)
		if n > 0 {
			offset += int64(n)
			if _, werr := pw.Write(buf[:n]); werr != nil {
				// Reader side closed; not an error path of ours.
				lease.Release()
				return
			}
		}
		lease.Release()

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			pw.Close()
			return
		case strataerrors.IsRetryable(rerr):
			// The per-call retry is exhausted; fall back to a ranged
			// re-open from the last delivered byte.
			rc.Close()
			b.logger.Warn("mid-stream failure, resuming from offset",
				zap.Int64("offset", offset), zap.Error(rerr))
			nrc, oerr := b.store.Open(ctx, b.loc.Path, &storage.ByteRange{Offset: offset})
			if oerr != nil {
				pw.CloseWithError(oerr)
				return
			}
			rc = nrc
		default:
			pw.CloseWithError(rerr)
			return
		}
	}
}

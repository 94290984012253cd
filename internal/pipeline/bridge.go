package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/compression"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/logger"
	"github.com/dataplane-io/strata/pkg/metrics"
	"github.com/dataplane-io/strata/pkg/pool"
	"github.com/dataplane-io/strata/pkg/storage"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// watermarkPollInterval is how often a suspended byte pull re-checks
// the pool's high watermark.
const watermarkPollInterval = 5 * time.Millisecond

// Bridge is the storage-backed TableProvider. It pulls bytes through
// the buffer pool, decodes them with one Format instance, and delivers
// batches through a queue bounded by max_in_flight_batches. One Bridge
// serves one object; independent objects get independent Bridges.
type Bridge struct {
	store  storage.Storage
	loc    storage.Location
	format format.Format
	pool   *pool.BufferPool
	cfg    *config.PipelineConfig
	logger *zap.Logger

	mu     sync.Mutex
	schema *arrow.Schema
}

// NewBridge creates a bridge over one storage object.
func NewBridge(store storage.Storage, loc storage.Location, f format.Format,
	bufPool *pool.BufferPool, cfg *config.PipelineConfig) *Bridge {
	return &Bridge{
		store:  store,
		loc:    loc,
		format: f,
		pool:   bufPool,
		cfg:    cfg,
		logger: logger.Get().With(
			zap.String("component", "bridge"),
			zap.String("location", loc.String()),
			zap.String("format", f.Descriptor().Name)),
	}
}

// Pushdown reports what the underlying format handles natively.
func (b *Bridge) Pushdown() PushdownSupport {
	caps := b.format.Descriptor().Capabilities
	return PushdownSupport{
		Predicate:  caps.Has(format.CapPredicatePushdown),
		Projection: caps.Has(format.CapProjectionPushdown),
		Statistics: caps.Has(format.CapStatistics),
	}
}

// Schema resolves the input schema. Formats that can sample get a
// bounded prefix read of at most max_sample_bytes; everything else
// pays for a decode of the object's metadata path.
func (b *Bridge) Schema(ctx context.Context) (*arrow.Schema, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.schema != nil {
		return b.schema, nil
	}

	if sampler, ok := b.format.(format.SchemaSampler); ok {
		sample, err := b.readSample(ctx)
		if err != nil {
			return nil, err
		}
		schema, err := sampler.SampleSchema(ctx, sample)
		if err != nil {
			return nil, err
		}
		b.schema = schema
		return schema, nil
	}

	// No sampler: decode, take the schema, abandon the stream.
	decodeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src, err := b.openSource(decodeCtx)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	stream, err := b.format.Decode(decodeCtx, src, format.DecodeOptions{BatchSize: 1})
	if err != nil {
		return nil, err
	}
	schema := stream.Schema
	if schema == nil {
		select {
		case rec, ok := <-stream.Batches:
			if ok {
				schema = rec.Schema()
				rec.Release()
			}
		case err := <-stream.Errs:
			if err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "schema resolution cancelled")
		}
	}
	if schema == nil {
		return nil, strataerrors.New(strataerrors.ErrorTypeDecode, "input has no schema")
	}
	cancel()
	drain(stream)
	b.schema = schema
	return schema, nil
}

// readSample pulls at most max_sample_bytes from the head of the
// object, decompressing when the path carries a compression suffix.
func (b *Bridge) readSample(ctx context.Context) ([]byte, error) {
	limit := int64(b.cfg.Formats.MaxSampleBytes)

	if algo := compression.Detect(b.loc.Path); algo != compression.None {
		rc, err := b.store.Open(ctx, b.loc.Path, &storage.ByteRange{Offset: 0, Length: limit})
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		dec, err := compression.NewReader(algo, rc)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		// A truncated compressed stream errors at the cut; keep what
		// decoded cleanly before it.
		data, rerr := io.ReadAll(io.LimitReader(dec, limit))
		if rerr != nil && len(data) == 0 {
			return nil, strataerrors.Wrap(rerr, strataerrors.ErrorTypeDecode, "decompress schema sample")
		}
		return data, nil
	}

	rc, err := b.store.Open(ctx, b.loc.Path, &storage.ByteRange{Offset: 0, Length: limit})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}

// Scan opens the object and streams decoded batches. Options the
// format cannot push down are applied here after decoding, so the
// consumer contract is identical either way.
func (b *Bridge) Scan(ctx context.Context, opts ScanOptions) (*batch.Stream, error) {
	caps := b.format.Descriptor().Capabilities

	decOpts := format.DecodeOptions{BatchSize: opts.BatchSize}
	if _, ok := b.format.(format.SchemaSampler); ok {
		schema, err := b.Schema(ctx)
		if err != nil {
			return nil, err
		}
		decOpts.SchemaHint = schema
	}

	pushPredicate := opts.Predicate != nil && caps.Has(format.CapPredicatePushdown)
	pushProjection := len(opts.Projection) > 0 && caps.Has(format.CapProjectionPushdown)
	if pushPredicate {
		decOpts.Predicate = opts.Predicate
	}
	if pushProjection {
		// An unpushed predicate is evaluated post-decode, so the columns
		// it references must survive the pushed-down projection; relay
		// trims them off after filtering.
		cols := opts.Projection
		if opts.Predicate != nil && !pushPredicate {
			cols = unionColumns(cols, opts.Predicate.Columns())
		}
		decOpts.Projection = cols
	}

	if opts.Predicate != nil && decOpts.SchemaHint != nil {
		if err := opts.Predicate.Validate(decOpts.SchemaHint); err != nil {
			return nil, err
		}
	}

	src, err := b.openSource(ctx)
	if err != nil {
		return nil, err
	}

	decoded, err := b.format.Decode(ctx, src, decOpts)
	if err != nil {
		src.Close()
		return nil, err
	}

	// The consumer always sees columns in the order it asked for, even
	// when a pushdown-capable format materializes them in file order.
	outSchema := decoded.Schema
	if len(opts.Projection) > 0 && outSchema != nil {
		outSchema, err = batch.ProjectSchema(outSchema, opts.Projection)
		if err != nil {
			src.Close()
			return nil, err
		}
	}

	out := make(chan arrow.Record, b.cfg.Streaming.MaxInFlightBatches)
	errs := make(chan error, 1)
	go b.relay(ctx, decoded, src, opts, pushPredicate, out, errs)

	return &batch.Stream{Schema: outSchema, Batches: out, Errs: errs}, nil
}

// relay moves batches from the decoder to the bounded output queue in
// production order, applying predicate and projection fallback when
// the format did not push them down.
func (b *Bridge) relay(ctx context.Context, decoded *batch.Stream, src io.Closer,
	opts ScanOptions, pushedPredicate bool,
	out chan<- arrow.Record, errs chan<- error) {

	defer close(out)
	defer close(errs)
	defer src.Close()

	mem := memory.DefaultAllocator
	var batchesOut, rowsOut int64

	fail := func(err error) {
		errs <- err
	}

	for {
		select {
		case rec, ok := <-decoded.Batches:
			if !ok {
				select {
				case err := <-decoded.Errs:
					if err != nil {
						fail(err)
						return
					}
				default:
				}
				b.logger.Debug("scan complete",
					zap.Int64("batches", batchesOut),
					zap.Int64("rows", rowsOut))
				return
			}

			if opts.Predicate != nil && !pushedPredicate {
				filtered, err := opts.Predicate.Filter(mem, rec)
				rec.Release()
				if err != nil {
					fail(err)
					return
				}
				rec = filtered
			}
			if len(opts.Projection) > 0 {
				// Reorders by reference; formats that push projection
				// down may still deliver columns in file order.
				projected, err := batch.Project(rec, opts.Projection)
				rec.Release()
				if err != nil {
					fail(err)
					return
				}
				rec = projected
			}
			if rec.NumRows() == 0 {
				rec.Release()
				continue
			}

			// Sending blocks when the queue holds max_in_flight_batches
			// undelivered batches, which stalls the decoder and in turn
			// the byte pull from storage. The consumer owns rec once the
			// send completes.
			rows := rec.NumRows()
			select {
			case out <- rec:
				batchesOut++
				rowsOut += rows
				metrics.BatchesDelivered.WithLabelValues(b.format.Descriptor().Name).Inc()
				metrics.RowsDelivered.WithLabelValues(b.format.Descriptor().Name).Add(float64(rows))
			case <-ctx.Done():
				rec.Release()
				fail(strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "scan cancelled"))
				return
			}

		case err := <-decoded.Errs:
			if err != nil {
				fail(err)
				return
			}

		case <-ctx.Done():
			fail(strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "scan cancelled"))
			return
		}
	}
}

// unionColumns appends the members of extra not already in cols,
// preserving order.
func unionColumns(cols, extra []string) []string {
	out := make([]string, 0, len(cols)+len(extra))
	seen := make(map[string]struct{}, len(cols)+len(extra))
	for _, c := range cols {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range extra {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// drain releases whatever a disowned stream still produces.
func drain(s *batch.Stream) {
	go func() {
		for rec := range s.Batches {
			rec.Release()
		}
	}()
}

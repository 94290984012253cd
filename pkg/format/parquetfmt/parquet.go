// Package parquetfmt implements the Parquet format on the Arrow
// parquet codec. Parquet needs random access to its footer, so the
// decoder materializes the input bytes before reading; the encoder
// streams row groups as they fill.
package parquetfmt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

func init() {
	format.RegisterBuiltin(format.Descriptor{
		Name:       "parquet",
		Version:    "1.2.0",
		Extensions: []string{"parquet"},
		Capabilities: format.Capabilities(
			format.CapStreamingWrite | format.CapStatistics | format.CapProjectionPushdown),
	}, New)
}

// Format is the Parquet codec.
type Format struct {
	cfg config.ParquetConfig
}

// New builds a Parquet format from the pipeline configuration.
func New(cfg *config.PipelineConfig) (format.Format, error) {
	c := cfg.Formats.Parquet
	if c.BatchSize <= 0 {
		c.BatchSize = cfg.Formats.BatchSize
	}
	if _, err := codecFor(c.Compression); err != nil {
		return nil, err
	}
	return &Format{cfg: c}, nil
}

func codecFor(name string) (compress.Compression, error) {
	switch name {
	case "", "snappy":
		return compress.Codecs.Snappy, nil
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed, nil
	case "gzip":
		return compress.Codecs.Gzip, nil
	case "zstd":
		return compress.Codecs.Zstd, nil
	case "lz4":
		return compress.Codecs.Lz4Raw, nil
	case "brotli":
		return compress.Codecs.Brotli, nil
	default:
		return compress.Codecs.Uncompressed, strataerrors.Newf(strataerrors.ErrorTypeFormatConfig,
			"unknown parquet compression %q", name)
	}
}

func (f *Format) Descriptor() format.Descriptor {
	e, _ := format.DefaultRegistry().Lookup("parquet")
	return e.Descriptor
}

// Decode reads r as a Parquet file and streams its row groups as
// record batches. Projection is pushed down to column reads.
func (f *Format) Decode(ctx context.Context, r io.Reader, opts format.DecodeOptions) (*batch.Stream, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "read parquet input")
	}

	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "open parquet file")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = f.cfg.BatchSize
	}
	fr, err := pqarrow.NewFileReader(pf,
		pqarrow.ArrowReadProperties{BatchSize: int64(batchSize)},
		memory.DefaultAllocator)
	if err != nil {
		pf.Close()
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "open parquet arrow reader")
	}

	schema, err := fr.Schema()
	if err != nil {
		pf.Close()
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "read parquet schema")
	}
	// The reader tags every field with PARQUET:field_id; decoded output
	// must carry the writer's schema, not the reader's bookkeeping.
	schema = stripFieldIDs(schema)

	// Column selection keeps file order regardless of how the
	// projection list is written.
	var cols []int
	if len(opts.Projection) > 0 {
		cols = make([]int, 0, len(opts.Projection))
		for _, name := range opts.Projection {
			idx := batch.FieldIndex(schema, name)
			if idx < 0 {
				pf.Close()
				return nil, strataerrors.Newf(strataerrors.ErrorTypeDecode,
					"projected column %q not in parquet schema", name)
			}
			cols = append(cols, idx)
		}
		sort.Ints(cols)
		fields := make([]arrow.Field, len(cols))
		for i, idx := range cols {
			fields[i] = schema.Field(idx)
		}
		schema = arrow.NewSchema(fields, nil)
	}

	rr, err := fr.GetRecordReader(ctx, cols, nil)
	if err != nil {
		pf.Close()
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "open parquet record reader")
	}

	batches := make(chan arrow.Record)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errs)
		defer pf.Close()
		defer rr.Release()

		var rows int64
		for rr.Next() {
			// Rebind the columns to the cleaned schema; NewRecord
			// retains them, so the reader may advance afterwards.
			raw := rr.Record()
			rec := array.NewRecord(schema, raw.Columns(), raw.NumRows())
			n := rec.NumRows()
			select {
			case batches <- rec:
				rows += n
			case <-ctx.Done():
				rec.Release()
				errs <- strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "parquet decode cancelled")
				return
			}
		}
		if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
			errs <- strataerrors.Wrap(err, strataerrors.ErrorTypeDecode,
				"parquet decode failed").WithDetail("rows_decoded", rows)
		}
	}()

	return &batch.Stream{Schema: schema, Batches: batches, Errs: errs}, nil
}

// stripFieldIDs drops the PARQUET:field_id entry from every field's
// metadata, leaving the rest intact.
func stripFieldIDs(s *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, s.NumFields())
	for i, fld := range s.Fields() {
		fld.Metadata = dropMetadataKey(fld.Metadata, "PARQUET:field_id")
		fields[i] = fld
	}
	md := s.Metadata()
	return arrow.NewSchema(fields, &md)
}

func dropMetadataKey(md arrow.Metadata, key string) arrow.Metadata {
	if md.FindKey(key) < 0 {
		return md
	}
	keys := make([]string, 0, md.Len())
	vals := make([]string, 0, md.Len())
	for i, k := range md.Keys() {
		if k == key {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, md.Values()[i])
	}
	return arrow.NewMetadata(keys, vals)
}

// Encode writes the stream as one Parquet file, starting a new row
// group whenever the buffered bytes pass the configured target.
func (f *Format) Encode(ctx context.Context, stream *batch.Stream, w io.Writer) error {
	codec, err := codecFor(f.cfg.Compression)
	if err != nil {
		return err
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(codec),
		parquet.WithStats(f.cfg.EnableStats),
	)

	var fw *pqarrow.FileWriter
	var rows int64

	for {
		select {
		case rec, ok := <-stream.Batches:
			if !ok {
				if fw != nil {
					if err := fw.Close(); err != nil {
						return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode, "close parquet writer")
					}
				}
				select {
				case err := <-stream.Errs:
					if err != nil {
						return err
					}
				default:
				}
				return nil
			}
			if fw == nil {
				fw, err = pqarrow.NewFileWriter(rec.Schema(), w, props,
					pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(memory.DefaultAllocator)))
				if err != nil {
					rec.Release()
					return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode, "open parquet writer")
				}
			}
			n := rec.NumRows()
			err := fw.WriteBuffered(rec)
			rec.Release()
			if err != nil {
				return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode,
					"parquet encode failed").WithDetail("rows_encoded", rows)
			}
			rows += n
			if f.cfg.RowGroupSize > 0 && fw.RowGroupTotalBytesWritten() >= f.cfg.RowGroupSize {
				fw.NewBufferedRowGroup()
			}
		case err := <-stream.Errs:
			if err != nil {
				if fw != nil {
					fw.Close()
				}
				return err
			}
		case <-ctx.Done():
			if fw != nil {
				fw.Close()
			}
			return strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "parquet encode cancelled")
		}
	}
}

// Package csvfmt implements the CSV format on the Arrow CSV codec.
// It streams fixed-size batches, infers column types when no schema
// hint is supplied, and pushes column projection down into the reader.
package csvfmt

import (
	"bytes"
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

func init() {
	format.RegisterBuiltin(format.Descriptor{
		Name:       "csv",
		Version:    "1.2.0",
		Extensions: []string{"csv", "tsv"},
		Capabilities: format.Capabilities(
			format.CapStreamingRead | format.CapStreamingWrite | format.CapProjectionPushdown),
	}, New)
}

// Format is the CSV codec. Stateless between calls.
type Format struct {
	cfg config.CSVConfig
}

// New builds a CSV format from the pipeline configuration.
func New(cfg *config.PipelineConfig) (format.Format, error) {
	c := cfg.Formats.CSV
	if c.BatchSize <= 0 {
		c.BatchSize = cfg.Formats.BatchSize
	}
	if len(c.Delimiter) != 1 {
		return nil, strataerrors.Newf(strataerrors.ErrorTypeFormatConfig,
			"csv delimiter must be a single character, got %q", c.Delimiter)
	}
	return &Format{cfg: c}, nil
}

func (f *Format) Descriptor() format.Descriptor {
	e, _ := format.DefaultRegistry().Lookup("csv")
	return e.Descriptor
}

func (f *Format) readerOptions(opts format.DecodeOptions) []arrowcsv.Option {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = f.cfg.BatchSize
	}
	ropts := []arrowcsv.Option{
		arrowcsv.WithAllocator(memory.DefaultAllocator),
		arrowcsv.WithComma(rune(f.cfg.Delimiter[0])),
		arrowcsv.WithChunk(batchSize),
		arrowcsv.WithHeader(f.cfg.HasHeader),
		arrowcsv.WithNullReader(true, ""),
	}
	// The arrow reader rejects include-columns together with an
	// explicit schema, so projection is only pushed down on the
	// inferring path; hinted decodes deliver all columns and leave
	// projection to the caller.
	if len(opts.Projection) > 0 && opts.SchemaHint == nil {
		ropts = append(ropts, arrowcsv.WithIncludeColumns(opts.Projection))
	}
	return ropts
}

// Decode streams r as CSV. With a schema hint the columns are parsed
// as the hinted types; otherwise types are inferred from the first
// chunk (strings when inference is disabled).
func (f *Format) Decode(ctx context.Context, r io.Reader, opts format.DecodeOptions) (*batch.Stream, error) {
	var reader *arrowcsv.Reader
	if opts.SchemaHint != nil {
		reader = arrowcsv.NewReader(r, opts.SchemaHint, f.readerOptions(opts)...)
	} else {
		reader = arrowcsv.NewInferringReader(r, f.readerOptions(opts)...)
	}

	batches := make(chan arrow.Record)
	errs := make(chan error, 1)

	go func() {
		defer close(batches)
		defer close(errs)
		defer reader.Release()

		var rows int64
		for reader.Next() {
			rec := reader.Record()
			rec.Retain()
			n := rec.NumRows()
			select {
			case batches <- rec:
				rows += n
			case <-ctx.Done():
				rec.Release()
				errs <- strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "csv decode cancelled")
				return
			}
		}
		if err := reader.Err(); err != nil && err != io.EOF {
			errs <- strataerrors.Wrap(err, strataerrors.ErrorTypeDecode,
				"csv decode failed").WithDetail("rows_decoded", rows)
		}
	}()

	return &batch.Stream{Schema: opts.SchemaHint, Batches: batches, Errs: errs}, nil
}

// Encode writes the stream as CSV with a header row.
func (f *Format) Encode(ctx context.Context, stream *batch.Stream, w io.Writer) error {
	var writer *arrowcsv.Writer
	var rows int64

	flush := func() error {
		if writer == nil {
			return nil
		}
		return writer.Flush()
	}

	for {
		select {
		case rec, ok := <-stream.Batches:
			if !ok {
				if err := flush(); err != nil {
					return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode, "csv flush failed")
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
			if writer == nil {
				writer = arrowcsv.NewWriter(w, rec.Schema(),
					arrowcsv.WithComma(rune(f.cfg.Delimiter[0])),
					arrowcsv.WithHeader(f.cfg.HasHeader))
			}
			n := rec.NumRows()
			err := writer.Write(rec)
			rec.Release()
			if err != nil {
				return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode,
					"csv encode failed").WithDetail("rows_encoded", rows)
			}
			rows += n
		case err := <-stream.Errs:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "csv encode cancelled")
		}
	}
}

// SampleSchema infers the schema from a bounded prefix of the input.
// The last line is dropped since a prefix usually cuts a row in half.
func (f *Format) SampleSchema(ctx context.Context, sample []byte) (*arrow.Schema, error) {
	if idx := bytes.LastIndexByte(sample, '\n'); idx > 0 {
		sample = sample[:idx+1]
	}

	ropts := []arrowcsv.Option{
		arrowcsv.WithAllocator(memory.DefaultAllocator),
		arrowcsv.WithComma(rune(f.cfg.Delimiter[0])),
		arrowcsv.WithChunk(f.cfg.BatchSize),
		arrowcsv.WithHeader(f.cfg.HasHeader),
		arrowcsv.WithNullReader(true, ""),
	}
	reader := arrowcsv.NewInferringReader(bytes.NewReader(sample), ropts...)
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil && err != io.EOF {
			return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "csv schema sample failed")
		}
		return nil, strataerrors.New(strataerrors.ErrorTypeDecode, "csv schema sample is empty")
	}
	schema := reader.Schema()
	if !f.cfg.InferTypes {
		return allStrings(schema), nil
	}
	return schema, nil
}

// allStrings keeps the column names but downgrades every type to
// utf8, for inputs that must be read verbatim.
func allStrings(schema *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, schema.NumFields())
	for i, fld := range schema.Fields() {
		fields[i] = arrow.Field{Name: fld.Name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

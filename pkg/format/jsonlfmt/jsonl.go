// Package jsonlfmt implements newline-delimited JSON. Decoding uses
// the Arrow JSON reader against a known schema; schemas are inferred
// from a bounded sample when no hint is given. Encoding emits one
// object per row.
package jsonlfmt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

func init() {
	format.RegisterBuiltin(format.Descriptor{
		Name:       "jsonl",
		Version:    "1.2.0",
		Extensions: []string{"jsonl", "ndjson", "json"},
		Capabilities: format.Capabilities(
			format.CapStreamingRead | format.CapStreamingWrite),
	}, New)
}

// Format is the JSON Lines codec.
type Format struct {
	batchSize int
}

// New builds a JSONL format from the pipeline configuration.
func New(cfg *config.PipelineConfig) (format.Format, error) {
	return &Format{batchSize: cfg.Formats.BatchSize}, nil
}

func (f *Format) Descriptor() format.Descriptor {
	e, _ := format.DefaultRegistry().Lookup("jsonl")
	return e.Descriptor
}

// Decode streams r as newline-delimited JSON. A schema is required;
// callers without one go through SampleSchema first.
func (f *Format) Decode(ctx context.Context, r io.Reader, opts format.DecodeOptions) (*batch.Stream, error) {
	schema := opts.SchemaHint
	if schema == nil {
		return nil, strataerrors.New(strataerrors.ErrorTypeDecode,
			"jsonl decode requires a schema hint; sample the input first")
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = f.batchSize
	}
	reader := array.NewJSONReader(r, schema,
		array.WithAllocator(memory.DefaultAllocator),
		array.WithChunk(batchSize))

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
				errs <- strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "jsonl decode cancelled")
				return
			}
		}
		if err := reader.Err(); err != nil && err != io.EOF {
			errs <- strataerrors.Wrap(err, strataerrors.ErrorTypeDecode,
				"jsonl decode failed").WithDetail("rows_decoded", rows)
		}
	}()

	return &batch.Stream{Schema: schema, Batches: batches, Errs: errs}, nil
}

// Encode writes one JSON object per row.
func (f *Format) Encode(ctx context.Context, stream *batch.Stream, w io.Writer) error {
	bw := bufio.NewWriter(w)
	var rows int64

	for {
		select {
		case rec, ok := <-stream.Batches:
			if !ok {
				if err := bw.Flush(); err != nil {
					return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode, "jsonl flush failed")
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
			err := writeRecord(bw, rec)
			n := rec.NumRows()
			rec.Release()
			if err != nil {
				return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode,
					"jsonl encode failed").WithDetail("rows_encoded", rows)
			}
			rows += n
		case err := <-stream.Errs:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "jsonl encode cancelled")
		}
	}
}

func writeRecord(w *bufio.Writer, rec arrow.Record) error {
	schema := rec.Schema()
	for row := 0; row < int(rec.NumRows()); row++ {
		obj := make(map[string]interface{}, rec.NumCols())
		for col := 0; col < int(rec.NumCols()); col++ {
			obj[schema.Field(col).Name] = cellValue(rec.Column(col), row)
		}
		line, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

func cellValue(col arrow.Array, row int) interface{} {
	if col.IsNull(row) {
		return nil
	}
	switch c := col.(type) {
	case *array.Boolean:
		return c.Value(row)
	case *array.Int32:
		return c.Value(row)
	case *array.Int64:
		return c.Value(row)
	case *array.Float32:
		return c.Value(row)
	case *array.Float64:
		return c.Value(row)
	case *array.String:
		return c.Value(row)
	case *array.Binary:
		return c.Value(row)
	default:
		return col.ValueStr(row)
	}
}

// SampleSchema infers a schema from the sampled prefix: the union of
// keys across complete lines, typed by the first non-null value seen
// (bool, float64 or string). Columns sort by name for determinism.
func (f *Format) SampleSchema(ctx context.Context, sample []byte) (*arrow.Schema, error) {
	if idx := bytes.LastIndexByte(sample, '\n'); idx > 0 {
		sample = sample[:idx+1]
	}

	types := map[string]arrow.DataType{}
	scanner := bufio.NewScanner(bytes.NewReader(sample))
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(text, &obj); err != nil {
			return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode,
				fmt.Sprintf("jsonl schema sample: malformed object at line %d", line))
		}
		for key, val := range obj {
			if _, seen := types[key]; seen || val == nil {
				continue
			}
			switch val.(type) {
			case bool:
				types[key] = arrow.FixedWidthTypes.Boolean
			case float64:
				types[key] = arrow.PrimitiveTypes.Float64
			default:
				types[key] = arrow.BinaryTypes.String
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "jsonl schema sample failed")
	}
	if len(types) == 0 {
		return nil, strataerrors.New(strataerrors.ErrorTypeDecode, "jsonl schema sample is empty")
	}

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: types[name], Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

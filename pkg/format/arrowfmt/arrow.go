// Package arrowfmt implements the Arrow IPC stream format. It is the
// cheapest round-trip format: batches map one to one onto IPC
// messages with no row materialization.
package arrowfmt

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

func init() {
	format.RegisterBuiltin(format.Descriptor{
		Name:       "arrow",
		Version:    "1.2.0",
		Extensions: []string{"arrow", "arrows", "ipc"},
		Capabilities: format.Capabilities(
			format.CapStreamingRead | format.CapStreamingWrite),
	}, New)
}

// Format is the Arrow IPC stream codec.
type Format struct{}

// New builds the Arrow IPC format. It takes no configuration.
func New(_ *config.PipelineConfig) (format.Format, error) {
	return &Format{}, nil
}

func (f *Format) Descriptor() format.Descriptor {
	e, _ := format.DefaultRegistry().Lookup("arrow")
	return e.Descriptor
}

// Decode streams IPC messages from r.
func (f *Format) Decode(ctx context.Context, r io.Reader, opts format.DecodeOptions) (*batch.Stream, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, strataerrors.Wrap(err, strataerrors.ErrorTypeDecode, "open arrow ipc stream")
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
				errs <- strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "arrow decode cancelled")
				return
			}
		}
		if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
			errs <- strataerrors.Wrap(err, strataerrors.ErrorTypeDecode,
				"arrow decode failed").WithDetail("rows_decoded", rows)
		}
	}()

	return &batch.Stream{Schema: reader.Schema(), Batches: batches, Errs: errs}, nil
}

// Encode writes the stream as one IPC stream.
func (f *Format) Encode(ctx context.Context, stream *batch.Stream, w io.Writer) error {
	var writer *ipc.Writer
	var rows int64

	for {
		select {
		case rec, ok := <-stream.Batches:
			if !ok {
				if writer != nil {
					if err := writer.Close(); err != nil {
						return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode, "close arrow ipc stream")
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
			if writer == nil {
				writer = ipc.NewWriter(w,
					ipc.WithSchema(rec.Schema()),
					ipc.WithAllocator(memory.DefaultAllocator))
			}
			n := rec.NumRows()
			err := writer.Write(rec)
			rec.Release()
			if err != nil {
				return strataerrors.Wrap(err, strataerrors.ErrorTypeEncode,
					"arrow encode failed").WithDetail("rows_encoded", rows)
			}
			rows += n
		case err := <-stream.Errs:
			if err != nil {
				if writer != nil {
					writer.Close()
				}
				return err
			}
		case <-ctx.Done():
			if writer != nil {
				writer.Close()
			}
			return strataerrors.Wrap(ctx.Err(), strataerrors.ErrorTypeCancelled, "arrow encode cancelled")
		}
	}
}

package parquetfmt

import (
	"bytes"
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

func buildRecord(t *testing.T, rows int) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "value", Type: arrow.PrimitiveTypes.Float64},
		{Name: "tag", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	for i := 0; i < rows; i++ {
		b.Field(0).(*array.Int64Builder).Append(int64(i))
		b.Field(1).(*array.Float64Builder).Append(float64(i) / 2)
		b.Field(2).(*array.StringBuilder).Append("tag")
	}
	return b.NewRecord()
}

func streamOf(records ...arrow.Record) *batch.Stream {
	batches := make(chan arrow.Record, len(records))
	errs := make(chan error, 1)
	for _, r := range records {
		batches <- r
	}
	close(batches)
	close(errs)
	return &batch.Stream{Schema: records[0].Schema(), Batches: batches, Errs: errs}
}

func TestRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	f, err := New(cfg)
	require.NoError(t, err)

	rec := buildRecord(t, 100)
	schema := rec.Schema()

	var buf bytes.Buffer
	require.NoError(t, f.Encode(context.Background(), streamOf(rec), &buf))

	stream, err := f.Decode(context.Background(), bytes.NewReader(buf.Bytes()), format.DecodeOptions{})
	require.NoError(t, err)
	assert.True(t, schema.Equal(stream.Schema))

	out, err := batch.Collect(context.Background(), stream)
	require.NoError(t, err)
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	require.Equal(t, int64(100), batch.RowCount(out))
	first := out[0]
	assert.Equal(t, int64(0), first.Column(0).(*array.Int64).Value(0))
	assert.Equal(t, 0.5, first.Column(1).(*array.Float64).Value(1))
}

func TestProjectionPushdown(t *testing.T) {
	cfg := config.DefaultConfig()
	f, err := New(cfg)
	require.NoError(t, err)

	rec := buildRecord(t, 10)
	var buf bytes.Buffer
	require.NoError(t, f.Encode(context.Background(), streamOf(rec), &buf))

	stream, err := f.Decode(context.Background(), bytes.NewReader(buf.Bytes()),
		format.DecodeOptions{Projection: []string{"tag", "id"}})
	require.NoError(t, err)

	out, err := batch.Collect(context.Background(), stream)
	require.NoError(t, err)
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	require.NotEmpty(t, out)
	// Projection selects columns; the reader returns them in file
	// order.
	assert.Equal(t, 2, out[0].Schema().NumFields())
	assert.Equal(t, int64(10), batch.RowCount(out))
}

func TestUnknownProjectedColumn(t *testing.T) {
	cfg := config.DefaultConfig()
	f, err := New(cfg)
	require.NoError(t, err)

	rec := buildRecord(t, 5)
	var buf bytes.Buffer
	require.NoError(t, f.Encode(context.Background(), streamOf(rec), &buf))

	_, err = f.Decode(context.Background(), bytes.NewReader(buf.Bytes()),
		format.DecodeOptions{Projection: []string{"missing"}})
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeDecode))
}

func TestDecodeGarbage(t *testing.T) {
	f, err := New(config.DefaultConfig())
	require.NoError(t, err)

	_, err = f.Decode(context.Background(), bytes.NewReader([]byte("PAR0 nope")), format.DecodeOptions{})
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeDecode))
}

func TestRejectsUnknownCompression(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Formats.Parquet.Compression = "deflate9"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeFormatConfig))
}

package csvfmt

import (
	"bytes"
	"context"
	"strings"
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

func newCSV(t *testing.T, cfg *config.PipelineConfig) *Format {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	return f.(*Format)
}

func buildRecord(t *testing.T) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3}, nil)
	b.Field(1).(*array.Float64Builder).AppendValues([]float64{1.5, 2.5, 3.5}, nil)
	b.Field(2).(*array.StringBuilder).AppendValues([]string{"alice", "bob", "carol"}, nil)
	return b.NewRecord()
}

func streamOf(records ...arrow.Record) *batch.Stream {
	batches := make(chan arrow.Record, len(records))
	errs := make(chan error, 1)
	var schema *arrow.Schema
	for _, r := range records {
		schema = r.Schema()
		batches <- r
	}
	close(batches)
	close(errs)
	return &batch.Stream{Schema: schema, Batches: batches, Errs: errs}
}

func TestRoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	f := newCSV(t, cfg)

	rec := buildRecord(t)
	schema := rec.Schema()

	var buf bytes.Buffer
	require.NoError(t, f.Encode(context.Background(), streamOf(rec), &buf))
	assert.True(t, strings.HasPrefix(buf.String(), "id,score,name\n"))

	stream, err := f.Decode(context.Background(), &buf, format.DecodeOptions{SchemaHint: schema})
	require.NoError(t, err)
	out, err := batch.Collect(context.Background(), stream)
	require.NoError(t, err)
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	require.Equal(t, int64(3), batch.RowCount(out))
	got := out[0]
	assert.True(t, schema.Equal(got.Schema()))
	assert.Equal(t, int64(2), got.Column(0).(*array.Int64).Value(1))
	assert.Equal(t, "carol", got.Column(2).(*array.String).Value(2))
}

func TestDecodeBatchSize(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Formats.CSV.BatchSize = 4
	f := newCSV(t, cfg)

	var sb strings.Builder
	sb.WriteString("x\n")
	for i := 0; i < 10; i++ {
		sb.WriteString("1\n")
	}

	stream, err := f.Decode(context.Background(), strings.NewReader(sb.String()), format.DecodeOptions{})
	require.NoError(t, err)
	out, err := batch.Collect(context.Background(), stream)
	require.NoError(t, err)
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	// 10 rows in chunks of 4: 4+4+2.
	require.Len(t, out, 3)
	assert.Equal(t, int64(2), out[2].NumRows())
}

func TestDecodeHintedWithProjection(t *testing.T) {
	cfg := config.DefaultConfig()
	f := newCSV(t, cfg)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "b", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	// A schema hint rules out column selection in the reader; the full
	// width comes back and the caller projects.
	stream, err := f.Decode(context.Background(),
		strings.NewReader("a,b\n1,2\n3,4\n"),
		format.DecodeOptions{SchemaHint: schema, Projection: []string{"b"}})
	require.NoError(t, err)
	out, err := batch.Collect(context.Background(), stream)
	require.NoError(t, err)
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	require.Equal(t, int64(2), batch.RowCount(out))
	assert.Equal(t, 2, out[0].Schema().NumFields())
}

func TestSampleSchemaInference(t *testing.T) {
	cfg := config.DefaultConfig()
	f := newCSV(t, cfg)

	sample := []byte("a,b,c\n1,2.5,x\n2,3.5,y\n3,4.5,z")
	schema, err := f.SampleSchema(context.Background(), sample)
	require.NoError(t, err)
	require.Equal(t, 3, schema.NumFields())
	assert.NotEqual(t, arrow.STRING, schema.Field(0).Type.ID(), "all-numeric column infers numeric")
	assert.Equal(t, arrow.STRING, schema.Field(2).Type.ID())
}

func TestSampleSchemaWithoutInference(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Formats.CSV.InferTypes = false
	f := newCSV(t, cfg)

	schema, err := f.SampleSchema(context.Background(), []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	for _, fld := range schema.Fields() {
		assert.Equal(t, arrow.STRING, fld.Type.ID())
	}
}

func TestDecodeMalformedInput(t *testing.T) {
	cfg := config.DefaultConfig()
	f := newCSV(t, cfg)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
	}, nil)

	stream, err := f.Decode(context.Background(),
		strings.NewReader("a\nnot-a-number\n"), format.DecodeOptions{SchemaHint: schema})
	require.NoError(t, err)
	_, err = batch.Collect(context.Background(), stream)
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeDecode))
}

func TestRejectsMultiCharDelimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Formats.CSV.Delimiter = "||"
	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeFormatConfig))
}

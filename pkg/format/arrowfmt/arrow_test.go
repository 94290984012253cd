package arrowfmt

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

func buildRecords(t *testing.T, n int) []arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
		{Name: "label", Type: arrow.BinaryTypes.String},
	}, nil)

	out := make([]arrow.Record, n)
	for i := 0; i < n; i++ {
		b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
		b.Field(0).(*array.Int64Builder).AppendValues([]int64{int64(i * 2), int64(i*2 + 1)}, nil)
		b.Field(1).(*array.StringBuilder).AppendValues([]string{"even", "odd"}, nil)
		out[i] = b.NewRecord()
		b.Release()
	}
	return out
}

func streamOf(records []arrow.Record) *batch.Stream {
	batches := make(chan arrow.Record, len(records))
	errs := make(chan error, 1)
	for _, r := range records {
		batches <- r
	}
	close(batches)
	close(errs)
	return &batch.Stream{Schema: records[0].Schema(), Batches: batches, Errs: errs}
}

func TestRoundTripPreservesBatchBoundaries(t *testing.T) {
	f, err := New(config.DefaultConfig())
	require.NoError(t, err)

	records := buildRecords(t, 3)
	schema := records[0].Schema()

	var buf bytes.Buffer
	require.NoError(t, f.Encode(context.Background(), streamOf(records), &buf))

	stream, err := f.Decode(context.Background(), &buf, format.DecodeOptions{})
	require.NoError(t, err)
	assert.True(t, schema.Equal(stream.Schema))

	out, err := batch.Collect(context.Background(), stream)
	require.NoError(t, err)
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()

	// IPC keeps one message per batch.
	require.Len(t, out, 3)
	assert.Equal(t, int64(6), batch.RowCount(out))
	assert.Equal(t, int64(4), out[2].Column(0).(*array.Int64).Value(0))
}

func TestDecodeGarbage(t *testing.T) {
	f, err := New(config.DefaultConfig())
	require.NoError(t, err)

	_, err = f.Decode(context.Background(), bytes.NewReader([]byte("not an ipc stream")), format.DecodeOptions{})
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeDecode))
}

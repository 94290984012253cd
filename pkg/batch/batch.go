// Package batch defines the columnar batch model shared by formats,
// the streaming bridge and the query boundary. Batches are Apache
// Arrow records; a Stream is a bounded, ordered channel of batches
// with an error side channel.
package batch

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// Stream is an ordered sequence of record batches. All batches share
// one schema. Batches is closed by the producer when the stream ends;
// Errs carries at most one terminal error.
type Stream struct {
	Schema  *arrow.Schema
	Batches <-chan arrow.Record
	Errs    <-chan error
}

// Collect drains a stream into memory. Intended for tests and small
// inputs; the data plane never materializes a whole stream.
func Collect(ctx context.Context, s *Stream) ([]arrow.Record, error) {
	var out []arrow.Record
	for {
		select {
		case rec, ok := <-s.Batches:
			if !ok {
				select {
				case err := <-s.Errs:
					if err != nil {
						releaseAll(out)
						return nil, err
					}
				default:
				}
				return out, nil
			}
			out = append(out, rec)
		case err := <-s.Errs:
			if err != nil {
				releaseAll(out)
				return nil, err
			}
		case <-ctx.Done():
			releaseAll(out)
			return nil, ctx.Err()
		}
	}
}

// RowCount sums the rows across records.
func RowCount(records []arrow.Record) int64 {
	var n int64
	for _, r := range records {
		n += r.NumRows()
	}
	return n
}

func releaseAll(records []arrow.Record) {
	for _, r := range records {
		r.Release()
	}
}

// SchemasEqual reports structural schema equality: same column names,
// types and order.
func SchemasEqual(a, b *arrow.Schema) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
}

// FieldIndex returns the index of the named column, or -1.
func FieldIndex(schema *arrow.Schema, name string) int {
	for i, f := range schema.Fields() {
		if f.Name == name {
			return i
		}
	}
	return -1
}

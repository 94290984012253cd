package batch

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// ProjectSchema returns the schema restricted to the named columns, in
// the requested order.
func ProjectSchema(schema *arrow.Schema, columns []string) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(columns))
	for _, name := range columns {
		idx := FieldIndex(schema, name)
		if idx < 0 {
			return nil, strataerrors.Newf(strataerrors.ErrorTypeConfig, "projection column %q not in schema", name)
		}
		fields = append(fields, schema.Field(idx))
	}
	return arrow.NewSchema(fields, nil), nil
}

// Project returns a record containing only the named columns. The
// returned record borrows the input's column arrays; the caller
// retains and releases both independently.
func Project(rec arrow.Record, columns []string) (arrow.Record, error) {
	schema, err := ProjectSchema(rec.Schema(), columns)
	if err != nil {
		return nil, err
	}
	cols := make([]arrow.Array, 0, len(columns))
	for _, name := range columns {
		idx := FieldIndex(rec.Schema(), name)
		cols = append(cols, rec.Column(idx))
	}
	// NewRecord retains the columns; input and output are released
	// independently.
	return array.NewRecord(schema, cols, rec.NumRows()), nil
}

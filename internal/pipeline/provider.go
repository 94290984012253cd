// Package pipeline implements the streaming bridge between storage,
// formats and the query boundary: a pushdown-aware table provider, a
// backpressure-bounded batch queue, and the run state machine driving
// one end-to-end conversion.
package pipeline

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/dataplane-io/strata/pkg/batch"
)

// ScanOptions carries the query layer's pushdown requests for one
// scan.
type ScanOptions struct {
	// Projection selects columns by name. Nil means all columns.
	Projection []string
	// Predicate filters rows. Nil means all rows.
	Predicate *batch.Predicate
	// BatchSize overrides the format's configured batch size when
	// positive.
	BatchSize int
}

// PushdownSupport reports which scan options the provider delegates to
// the format versus applies itself after decoding. Either way the
// consumer sees only matching rows and requested columns.
type PushdownSupport struct {
	Predicate  bool
	Projection bool
	Statistics bool
}

// TableProvider is the contract the query-execution layer consumes:
// a schema plus an ordered, backpressure-bounded batch stream.
type TableProvider interface {
	// Schema resolves the table schema, sampling the input when the
	// format supports bounded inference.
	Schema(ctx context.Context) (*arrow.Schema, error)

	// Scan opens the input and streams decoded batches in production
	// order. The stream honors ScanOptions regardless of pushdown
	// support.
	Scan(ctx context.Context, opts ScanOptions) (*batch.Stream, error)

	// Pushdown reports what Scan delegates natively.
	Pushdown() PushdownSupport
}

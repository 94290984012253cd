// Package format defines the codec contract between the data plane and
// on-disk representations, and the registry that maps format names and
// file extensions to codec factories. Built-in formats register in
// their package init; external formats arrive through the plugin
// loader in the plugindir subpackage.
package format

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/dataplane-io/strata/pkg/batch"
	"github.com/dataplane-io/strata/pkg/config"
)

// APIVersion is the format API version this host was built against.
// Plugins declare the version they target and the registry checks it
// per the configured compatibility policy.
const APIVersion = "1.2.0"

// Capability flags what a format can do natively. The bridge consults
// these to decide between pushdown and post-decode fallback.
type Capability uint8

const (
	CapStreamingRead Capability = 1 << iota
	CapStreamingWrite
	CapStatistics
	CapPredicatePushdown
	CapProjectionPushdown
)

// Capabilities is the set of capabilities a format advertises.
type Capabilities uint8

// Has reports whether the set includes c.
func (s Capabilities) Has(c Capability) bool { return uint8(s)&uint8(c) != 0 }

// Descriptor identifies a registered format. Immutable after
// registration.
type Descriptor struct {
	// Name is the canonical format identifier ("csv", "parquet").
	Name string
	// Version is the semantic version of the codec implementation.
	Version string
	// Extensions lists the file extensions this format claims, without
	// the leading dot.
	Extensions []string
	// Capabilities advertises native streaming/pushdown support.
	Capabilities Capabilities
	// Source records where the format came from: "builtin" or the
	// plugin file path.
	Source string
}

// PluginMetadata is what a dynamically loaded module reports about
// itself before any factory is invoked.
type PluginMetadata struct {
	Name         string
	Version      string
	APIVersion   string
	Extensions   []string
	Capabilities Capabilities
}

// DecodeOptions tunes one decode pass. Projection and Predicate are
// honored only by formats advertising the matching capability; the
// bridge falls back to post-decode filtering otherwise.
type DecodeOptions struct {
	// SchemaHint fixes the schema instead of inferring it. Nil means
	// the format infers or reads the schema itself.
	SchemaHint *arrow.Schema
	// BatchSize is the target rows per batch. Zero means the format's
	// configured default.
	BatchSize int
	// Projection selects columns by name. Nil means all columns.
	Projection []string
	// Predicate is a conjunctive row filter for pushdown-capable
	// formats.
	Predicate *batch.Predicate
}

// Format decodes byte streams into record batches and encodes batch
// streams back into bytes. Implementations are stateless between
// calls; one instance may serve concurrent pipelines.
type Format interface {
	// Decode starts a streaming decode of r. The returned stream's
	// Batches channel is closed when input is exhausted; a decode
	// failure is delivered on Errs with enough context to locate the
	// malformed input.
	Decode(ctx context.Context, r io.Reader, opts DecodeOptions) (*batch.Stream, error)

	// Encode consumes the stream and writes the encoded bytes to w.
	// It returns after the last batch is flushed.
	Encode(ctx context.Context, stream *batch.Stream, w io.Writer) error

	// Descriptor reports the format's identity and capabilities.
	Descriptor() Descriptor
}

// Factory builds a configured Format instance. A Format created from a
// factory keeps working even if the registry entry is later swapped by
// a hot reload.
type Factory func(cfg *config.PipelineConfig) (Format, error)

// SchemaSampler is implemented by formats that can infer a schema from
// a bounded prefix of the input. The bridge uses it during Opening
// with at most max_sample_bytes of data.
type SchemaSampler interface {
	SampleSchema(ctx context.Context, sample []byte) (*arrow.Schema, error)
}

// Package strata is a streaming columnar ETL engine. It converts
// tabular data between storage backends (local filesystem, S3, Azure
// Blob, Google Cloud Storage) and on-disk formats (CSV, Parquet, Arrow
// IPC, JSON Lines, plus dynamically loaded plugins) while bounding
// memory use regardless of input size.
//
// The data plane is four cooperating pieces: a fixed-capacity buffer
// pool that gates how fast bytes leave storage, a storage abstraction
// with retry and concurrency limits, a format registry with a
// version-checked plugin loader, and a streaming bridge that turns
// byte streams into an ordered, backpressure-aware sequence of Arrow
// record batches with predicate and projection pushdown.
package strata

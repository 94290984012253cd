// Package compression provides transparent stream compression for the
// storage byte path. Output objects can be compressed with any of the
// supported algorithms; reads wrap the storage stream with the
// matching decompressor.
//
// Speed (fastest to slowest): LZ4 > Snappy/S2 > Zstd > Gzip.
// Compression ratio (best to worst): Zstd > Gzip > Snappy/S2 > LZ4.
package compression

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents snappy stream compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (snappy compatible, faster)
	S2 Algorithm = "s2"
)

// Parse returns the Algorithm for a configuration string.
func Parse(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case "", None:
		return None, nil
	case Gzip, Snappy, LZ4, Zstd, S2:
		return Algorithm(name), nil
	default:
		return None, strataerrors.Newf(strataerrors.ErrorTypeConfig, "unknown compression algorithm %q", name)
	}
}

// Extension returns the filename suffix conventionally used for the
// algorithm, empty for None.
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Snappy:
		return ".snappy"
	case LZ4:
		return ".lz4"
	case Zstd:
		return ".zst"
	case S2:
		return ".s2"
	default:
		return ""
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with a streaming compressor for the algorithm.
// The returned writer must be closed to flush trailing blocks; closing
// it does not close w.
func NewWriter(a Algorithm, w io.Writer) (io.WriteCloser, error) {
	switch a {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	case Zstd:
		return zstd.NewWriter(w)
	case S2:
		return s2.NewWriter(w), nil
	default:
		return nil, strataerrors.Newf(strataerrors.ErrorTypeConfig, "unknown compression algorithm %q", a)
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewReader wraps r with a streaming decompressor for the algorithm.
func NewReader(a Algorithm, r io.Reader) (io.ReadCloser, error) {
	switch a {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Snappy:
		return io.NopCloser(snappy.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdReadCloser{dec}, nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	default:
		return nil, strataerrors.Newf(strataerrors.ErrorTypeConfig, "unknown compression algorithm %q", a)
	}
}

// Detect infers the algorithm from a filename suffix, None when no
// known suffix matches.
func Detect(name string) Algorithm {
	for _, a := range []Algorithm{Gzip, Snappy, LZ4, Zstd, S2} {
		ext := a.Extension()
		if ext != "" && len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			return a
		}
	}
	return None
}

// TrimExtension strips a recognized compression suffix so the
// underlying format extension stays visible ("x.csv.gz" -> "x.csv").
func TrimExtension(name string) string {
	if a := Detect(name); a != None {
		return name[:len(name)-len(a.Extension())]
	}
	return name
}

// Package compression provides the codecs used for Bronze page objects.
//
// Choose algorithms based on your requirements:
//   - Snappy/LZ4: fastest, moderate compression
//   - Zstd: best compression ratio, good speed
//   - Gzip: wide compatibility
//
// The codec is recorded in the object key extension so readers can decode
// batches written with a different configuration.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

// Compressor compresses and decompresses whole objects.
// All implementations are safe for concurrent use.
type Compressor interface {
	// Compress compresses data and returns the compressed bytes.
	Compress(data []byte) ([]byte, error)
	// Decompress decompresses data and returns the original bytes.
	Decompress(data []byte) ([]byte, error)
	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm
	// Extension is the key suffix for objects written by this compressor,
	// including the leading dot, or "" for None.
	Extension() string
}

// ParseAlgorithm maps a config value to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "", None:
		return None, nil
	case Gzip, Snappy, LZ4, Zstd:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", name)
	}
}

// NewCompressor creates a compressor for the algorithm.
func NewCompressor(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case None, "":
		return noneCompressor{}, nil
	case Gzip:
		return gzipCompressor{}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case LZ4:
		return lz4Compressor{}, nil
	case Zstd:
		return newZstdCompressor()
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// ForKey returns the compressor matching the extension of key, so a reader
// can decode objects regardless of the writer's configuration.
func ForKey(key string) (Compressor, error) {
	for _, a := range []Algorithm{Gzip, Snappy, LZ4, Zstd} {
		c, err := NewCompressor(a)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(key, c.Extension()) {
			return c, nil
		}
	}
	return noneCompressor{}, nil
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }
func (noneCompressor) Extension() string                      { return "" }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (gzipCompressor) Algorithm() Algorithm { return Gzip }
func (gzipCompressor) Extension() string    { return ".gz" }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }
func (snappyCompressor) Extension() string    { return ".snappy" }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }
func (lz4Compressor) Extension() string    { return ".lz4" }

// zstd codecs are expensive to build and EncodeAll/DecodeAll are safe for
// concurrent use, so one pair is shared.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	if zstdErr != nil {
		return nil, fmt.Errorf("failed to create zstd codec: %w", zstdErr)
	}
	return &zstdCompressor{enc: zstdEncoder, dec: zstdDecoder}, nil
}

func (z *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, nil), nil
}

func (z *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	return z.dec.DecodeAll(data, nil)
}

func (z *zstdCompressor) Algorithm() Algorithm { return Zstd }
func (z *zstdCompressor) Extension() string    { return ".zst" }

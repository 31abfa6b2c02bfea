// Package compression provides the streaming compressors used to encode
// uploaded objects.
//
// The formatter writes serialized records through a compressing writer into
// an in-memory buffer and cuts that buffer into upload parts as it fills up.
// The parts of one object therefore concatenate into a single valid
// compressed stream.
//
// # Algorithm Selection
//
//   - LZ4: extremely fast, decent compression
//   - Snappy/S2: fast, moderate compression
//   - Zstd: best compression ratio, good speed
//   - Gzip: widest compatibility with downstream readers
//
// # Basic Usage
//
//	comp, err := compression.NewCompressor(&compression.Config{
//	    Algorithm: compression.Zstd,
//	    Level:     compression.Default,
//	})
//
//	w, err := comp.NewWriter(&buf)
//	w.Write(line)
//	w.Close()
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
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
	// Snappy represents snappy framed compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Level represents compression level, controlling the trade-off between
// compression speed and compression ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// LevelFromConfig maps the 1..4 scale used in configuration files onto Level.
func LevelFromConfig(n int) Level {
	switch {
	case n <= 1:
		return Fastest
	case n == 2:
		return Default
	case n == 3:
		return Better
	default:
		return Best
	}
}

// Compressor creates compressing writers and decompressing readers.
// Implementations are safe for concurrent use; the writers they return are not.
type Compressor interface {
	// NewWriter returns a writer compressing into dst. Close flushes the
	// stream trailer but does not close dst.
	NewWriter(dst io.Writer) (io.WriteCloser, error)

	// NewReader returns a reader decompressing src.
	NewReader(src io.Reader) (io.ReadCloser, error)

	// Compress compresses data in one call.
	Compress(data []byte) ([]byte, error)

	// Decompress decompresses data in one call.
	Decompress(data []byte) ([]byte, error)

	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm

	// Extension returns the file extension of the compressed format, with a
	// leading dot, or "" for None.
	Extension() string
}

// Config represents compressor configuration.
type Config struct {
	Algorithm Algorithm // Compression algorithm to use
	Level     Level     // Compression level
}

// DefaultConfig returns gzip at the default level.
func DefaultConfig() *Config {
	return &Config{
		Algorithm: Gzip,
		Level:     Default,
	}
}

// NewCompressor creates a compressor for config. A nil config uses DefaultConfig.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Algorithm {
	case None, "":
		return &streamCompressor{algorithm: None}, nil
	case Gzip:
		level := mapGzipLevel(config.Level)
		return &streamCompressor{
			algorithm: Gzip,
			extension: ".gz",
			newWriter: func(dst io.Writer) (io.WriteCloser, error) {
				return gzip.NewWriterLevel(dst, level)
			},
			newReader: func(src io.Reader) (io.ReadCloser, error) {
				return gzip.NewReader(src)
			},
		}, nil
	case Zstd:
		level := mapZstdLevel(config.Level)
		return &streamCompressor{
			algorithm: Zstd,
			extension: ".zst",
			newWriter: func(dst io.Writer) (io.WriteCloser, error) {
				return zstd.NewWriter(dst, zstd.WithEncoderLevel(level))
			},
			newReader: func(src io.Reader) (io.ReadCloser, error) {
				d, err := zstd.NewReader(src)
				if err != nil {
					return nil, err
				}
				return d.IOReadCloser(), nil
			},
		}, nil
	case LZ4:
		level := mapLZ4Level(config.Level)
		return &streamCompressor{
			algorithm: LZ4,
			extension: ".lz4",
			newWriter: func(dst io.Writer) (io.WriteCloser, error) {
				w := lz4.NewWriter(dst)
				if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
					return nil, err
				}
				return w, nil
			},
			newReader: func(src io.Reader) (io.ReadCloser, error) {
				return io.NopCloser(lz4.NewReader(src)), nil
			},
		}, nil
	case Snappy:
		return &streamCompressor{
			algorithm: Snappy,
			extension: ".sz",
			newWriter: func(dst io.Writer) (io.WriteCloser, error) {
				return snappy.NewBufferedWriter(dst), nil
			},
			newReader: func(src io.Reader) (io.ReadCloser, error) {
				return io.NopCloser(snappy.NewReader(src)), nil
			},
		}, nil
	case S2:
		return &streamCompressor{
			algorithm: S2,
			extension: ".s2",
			newWriter: func(dst io.Writer) (io.WriteCloser, error) {
				return s2.NewWriter(dst), nil
			},
			newReader: func(src io.Reader) (io.ReadCloser, error) {
				return io.NopCloser(s2.NewReader(src)), nil
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

type streamCompressor struct {
	algorithm Algorithm
	extension string
	newWriter func(io.Writer) (io.WriteCloser, error)
	newReader func(io.Reader) (io.ReadCloser, error)
}

func (c *streamCompressor) Algorithm() Algorithm { return c.algorithm }

func (c *streamCompressor) Extension() string { return c.extension }

func (c *streamCompressor) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	if c.newWriter == nil {
		return nopWriteCloser{dst}, nil
	}
	return c.newWriter(dst)
}

func (c *streamCompressor) NewReader(src io.Reader) (io.ReadCloser, error) {
	if c.newReader == nil {
		return io.NopCloser(src), nil
	}
	return c.newReader(src)
}

func (c *streamCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := c.NewWriter(&buf)
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

func (c *streamCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil { //nolint:gosec // G110: input is our own output
		return nil, err
	}
	return buf.Bytes(), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

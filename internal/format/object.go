package format

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-loader/pkg/compression"
	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// StagingPrefix is the key prefix of objects written before their stream completes.
const StagingPrefix = "staging"

// Part is a chunk of an object upload. PartIndex starts at 1 and increases
// by one per part of the same Key. The final part may have no bytes.
type Part struct {
	Key        string
	Stream     models.StreamDescriptor
	FileNumber int64
	PartIndex  int
	Bytes      []byte
	IsFinal    bool
	Counts     models.CheckpointCounts
}

// Size returns the byte length of the part.
func (p *Part) Size() int64 { return int64(len(p.Bytes)) }

// IsEmpty reports whether the part carries no bytes.
func (p *Part) IsEmpty() bool { return len(p.Bytes) == 0 }

// Formatter creates ObjectWriters for a configured format and compression.
type Formatter struct {
	encoder    Encoder
	compressor compression.Compressor
	prefix     string
	staging    bool
}

// NewFormatter builds a Formatter from configuration.
func NewFormatter(cfg config.FormatConfig, storage config.StorageConfig) (*Formatter, error) {
	enc, err := NewEncoder(cfg.Type)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid format")
	}
	comp, err := compression.NewCompressor(&compression.Config{
		Algorithm: compression.Algorithm(cfg.Compression),
		Level:     compression.LevelFromConfig(cfg.CompressionLevel),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	return &Formatter{
		encoder:    enc,
		compressor: comp,
		prefix:     storage.Prefix,
		staging:    storage.Staging,
	}, nil
}

// ContentType returns the MIME type of produced objects.
func (f *Formatter) ContentType() string { return f.encoder.ContentType() }

// ObjectKey returns the key of object fileNumber of stream created at now.
// Keys look like prefix/namespace/name/2024_01_31_1706659200000_3.jsonl.gz,
// with a staging/ segment after the prefix when staging is enabled.
func (f *Formatter) ObjectKey(stream models.StreamDescriptor, fileNumber int64, now time.Time) string {
	now = now.UTC()
	name := fmt.Sprintf("%04d_%02d_%02d_%d_%d%s%s",
		now.Year(), now.Month(), now.Day(), now.UnixMilli(), fileNumber,
		f.encoder.Extension(), f.compressor.Extension())
	return path.Join(f.StreamPrefix(stream, f.staging), name)
}

// StreamPrefix returns the key prefix under which stream's objects are written.
func (f *Formatter) StreamPrefix(stream models.StreamDescriptor, staging bool) string {
	parts := []string{strings.Trim(f.prefix, "/")}
	if staging {
		parts = append(parts, StagingPrefix)
	}
	if stream.Namespace != "" {
		parts = append(parts, stream.Namespace)
	}
	parts = append(parts, stream.Name)
	return path.Join(parts...) + "/"
}

// NewObject opens a new object for stream.
func (f *Formatter) NewObject(stream models.StreamDescriptor, fileNumber int64, now time.Time) (*ObjectWriter, error) {
	o := &ObjectWriter{
		Key:        f.ObjectKey(stream, fileNumber, now),
		Stream:     stream,
		FileNumber: fileNumber,
		OpenedAt:   now,
		encoder:    f.encoder,
		counts:     make(models.CheckpointCounts),
	}
	w, err := f.compressor.NewWriter(&o.buf)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to open compressor")
	}
	o.w = w
	if err := f.encoder.Begin(o.w); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to write object header")
	}
	return o, nil
}

// ObjectWriter accumulates the encoded and compressed bytes of one object.
// It is not safe for concurrent use.
type ObjectWriter struct {
	Key        string
	Stream     models.StreamDescriptor
	FileNumber int64
	OpenedAt   time.Time

	encoder Encoder
	w       io.WriteCloser
	buf     bytes.Buffer

	// counts of records written since the last part was cut
	counts    models.CheckpointCounts
	partIndex int
	cut       int64
	records   int64
	closed    bool
}

// Write encodes rec into the object.
func (o *ObjectWriter) Write(rec *models.Record) error {
	if err := o.encoder.Encode(o.w, rec); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode record").
			WithDetail("stream", rec.Stream.String())
	}
	o.counts.Add(rec.PartitionKey, 1)
	o.records++
	return nil
}

// BufferedBytes returns the bytes waiting to be cut into a part.
func (o *ObjectWriter) BufferedBytes() int { return o.buf.Len() }

// TotalBytes returns every byte produced so far, including cut parts.
func (o *ObjectWriter) TotalBytes() int64 { return o.cut + int64(o.buf.Len()) }

// Records returns the number of records written.
func (o *ObjectWriter) Records() int64 { return o.records }

// Age returns how long the object has been open.
func (o *ObjectWriter) Age(now time.Time) time.Duration { return now.Sub(o.OpenedAt) }

// NextPart cuts up to limit buffered bytes into a part; a limit of zero or
// less cuts everything. With final set the compressor trailer is flushed
// first, and the returned part is final once nothing is left to cut, so a
// caller finishing an object calls NextPart(true, limit) until IsFinal. The
// writer must not be written to after the first final call.
func (o *ObjectWriter) NextPart(final bool, limit int) (*Part, error) {
	if final && !o.closed {
		if err := o.w.Close(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to finish compressed stream")
		}
		o.closed = true
	}

	n := o.buf.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	var data []byte
	if n > 0 {
		data = bytes.Clone(o.buf.Next(n))
		o.cut += int64(n)
	}
	if o.buf.Len() == 0 {
		o.buf.Reset()
	}
	o.partIndex++

	part := &Part{
		Key:        o.Key,
		Stream:     o.Stream,
		FileNumber: o.FileNumber,
		PartIndex:  o.partIndex,
		Bytes:      data,
		IsFinal:    final && o.buf.Len() == 0,
		Counts:     o.counts,
	}
	o.counts = make(models.CheckpointCounts)
	return part, nil
}

// Closed reports whether the object has been finished.
func (o *ObjectWriter) Closed() bool { return o.closed }

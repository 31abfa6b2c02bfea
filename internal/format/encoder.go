// Package format turns records into the bytes of uploaded objects: record
// serialization, compression, object naming and cutting objects into
// upload parts.
package format

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/pool"
)

// Encoder serializes records into an object body.
type Encoder interface {
	// Begin writes any header of a new object
	Begin(w io.Writer) error
	// Encode writes one record
	Encode(w io.Writer, rec *models.Record) error
	// Extension returns the file extension without compression suffix
	Extension() string
	// ContentType returns the MIME type of the object
	ContentType() string
}

// NewEncoder returns the encoder for a configured format type.
func NewEncoder(formatType string) (Encoder, error) {
	switch formatType {
	case "jsonl", "":
		return jsonlEncoder{}, nil
	case "csv":
		return csvEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", formatType)
	}
}

// line is the envelope of a serialized record.
type line struct {
	Stream    string            `json:"stream"`
	EmittedAt string            `json:"emitted_at"`
	Data      gojson.RawMessage `json:"data"`
}

func envelope(rec *models.Record) line {
	return line{
		Stream:    rec.Stream.String(),
		EmittedAt: rec.EmittedAt.UTC().Format(time.RFC3339Nano),
		Data:      gojson.RawMessage(rec.Data),
	}
}

type jsonlEncoder struct{}

func (jsonlEncoder) Begin(io.Writer) error { return nil }

// Encode buffers the line so the compressor sees one write per record.
func (jsonlEncoder) Encode(w io.Writer, rec *models.Record) error {
	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)

	enc := gojson.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope(rec)); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (jsonlEncoder) Extension() string { return ".jsonl" }

func (jsonlEncoder) ContentType() string { return "application/json" }

// csvEncoder writes one row per record with the payload kept as a JSON column.
type csvEncoder struct{}

var csvHeader = []string{"stream", "emitted_at", "data"}

func (csvEncoder) Begin(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (csvEncoder) Encode(w io.Writer, rec *models.Record) error {
	e := envelope(rec)
	row := pool.StringSlices.Get()
	defer pool.StringSlices.Put(row)
	*row = append(*row, e.Stream, e.EmittedAt, string(e.Data))

	cw := csv.NewWriter(w)
	if err := cw.Write(*row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (csvEncoder) Extension() string { return ".csv" }

func (csvEncoder) ContentType() string { return "text/csv" }

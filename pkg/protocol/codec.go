package protocol

import (
	"bufio"
	"context"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

// MaxLineBytes bounds a single input line.
const MaxLineBytes = 64 * 1024 * 1024

// Decoder reads events from a JSON-lines stream.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
	skipped int
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	return &Decoder{scanner: s}
}

// Next returns the next event. It returns io.EOF at end of input. Blank
// lines and message types the loader does not consume are skipped.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		d.line++
		raw := d.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		ev, err := Unmarshal(raw)
		if err != nil {
			var e *errors.Error
			if errors.As(err, &e) {
				e.WithDetail("line", d.line)
			}
			return nil, err
		}
		if ev == nil {
			d.skipped++
			continue
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read input").WithDetail("line", d.line)
	}
	return nil, io.EOF
}

// Skipped returns the number of lines skipped so far.
func (d *Decoder) Skipped() int { return d.skipped }

// Unmarshal decodes one message. It returns a nil event for message types the
// loader ignores.
func Unmarshal(data []byte) (Event, error) {
	var msg wireMessage
	if err := gojson.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "malformed message")
	}

	switch msg.Type {
	case TypeRecord:
		if msg.Record == nil {
			return nil, errors.New(errors.ErrorTypeData, "RECORD message without record")
		}
		return &RecordEvent{Record: toRecord(msg.Record)}, nil
	case TypeState:
		if msg.State == nil {
			return nil, errors.New(errors.ErrorTypeData, "STATE message without state")
		}
		cp, err := toCheckpoint(msg.State)
		if err != nil {
			return nil, err
		}
		return &StateEvent{Checkpoint: cp}, nil
	case TypeTrace:
		if msg.Trace == nil || msg.Trace.Type != traceStreamStatus || msg.Trace.StreamStatus == nil {
			return nil, nil
		}
		if msg.Trace.StreamStatus.Status != streamStatusComplete {
			return nil, nil
		}
		return &StreamCompleteEvent{Stream: msg.Trace.StreamStatus.Descriptor}, nil
	case "":
		return nil, errors.New(errors.ErrorTypeData, "message without type")
	default:
		return nil, nil
	}
}

func toCheckpoint(s *wireState) (models.CheckpointMessage, error) {
	switch s.Type {
	case StateStream:
		if s.Stream == nil {
			return nil, errors.New(errors.ErrorTypeData, "STREAM state without stream")
		}
		return &models.StreamCheckpoint{
			Stream:      s.Stream.Descriptor,
			State:       s.Stream.State,
			Source:      s.SourceStats,
			Destination: s.DestinationStats,
		}, nil
	case StateGlobal, StateGlobalSnapshot:
		var g wireGlobal
		if s.Global != nil {
			g = *s.Global
		}
		if s.Type == StateGlobalSnapshot {
			return &models.GlobalSnapshotCheckpoint{
				SharedState:  g.SharedState,
				StreamStates: g.StreamStates,
				Source:       s.SourceStats,
				Destination:  s.DestinationStats,
			}, nil
		}
		return &models.GlobalCheckpoint{
			SharedState:  g.SharedState,
			StreamStates: g.StreamStates,
			Source:       s.SourceStats,
			Destination:  s.DestinationStats,
		}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeData, "unsupported state type %q", s.Type)
	}
}

func fromCheckpoint(msg models.CheckpointMessage) *wireState {
	switch c := msg.(type) {
	case *models.StreamCheckpoint:
		return &wireState{
			Type:             StateStream,
			Stream:           &wireStream{Descriptor: c.Stream, State: c.State},
			SourceStats:      c.Source,
			DestinationStats: c.Destination,
		}
	case *models.GlobalCheckpoint:
		return &wireState{
			Type:             StateGlobal,
			Global:           &wireGlobal{SharedState: c.SharedState, StreamStates: c.StreamStates},
			SourceStats:      c.Source,
			DestinationStats: c.Destination,
		}
	case *models.GlobalSnapshotCheckpoint:
		return &wireState{
			Type:             StateGlobalSnapshot,
			Global:           &wireGlobal{SharedState: c.SharedState, StreamStates: c.StreamStates},
			SourceStats:      c.Source,
			DestinationStats: c.Destination,
		}
	default:
		panic("unknown checkpoint message")
	}
}

// MarshalState encodes a checkpoint as a STATE message without a trailing newline.
func MarshalState(msg models.CheckpointMessage) ([]byte, error) {
	return gojson.Marshal(&wireMessage{Type: TypeState, State: fromCheckpoint(msg)})
}

// MarshalRecord encodes a record as a RECORD message without a trailing newline.
func MarshalRecord(r *models.Record) ([]byte, error) {
	return gojson.Marshal(&wireMessage{Type: TypeRecord, Record: fromRecord(r)})
}

// MarshalStreamComplete encodes a stream-status COMPLETE trace message.
func MarshalStreamComplete(stream models.StreamDescriptor) ([]byte, error) {
	return gojson.Marshal(&wireMessage{Type: TypeTrace, Trace: &wireTrace{
		Type:         traceStreamStatus,
		StreamStatus: &wireStreamStatus{Descriptor: stream, Status: streamStatusComplete},
	}})
}

// Emitter writes STATE messages to the orchestrator, one per line.
type Emitter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEmitter creates an emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: bufio.NewWriter(w)}
}

// Emit writes msg and flushes it so the orchestrator sees it immediately.
func (e *Emitter) Emit(_ context.Context, msg models.CheckpointMessage) error {
	data, err := MarshalState(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode checkpoint")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write checkpoint")
	}
	if err := e.w.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to flush checkpoint")
	}
	return nil
}

package protocol

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

const input = `{"type":"RECORD","record":{"namespace":"public","stream":"users","data":{"id":1},"emitted_at":1706659200000}}
{"type":"LOG","log":{"level":"INFO","message":"hello"}}

{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"namespace":"public","name":"users"},"stream_state":{"cursor":1}},"sourceStats":{"recordCount":1}}}
{"type":"STATE","state":{"type":"GLOBAL","global":{"shared_state":{"lsn":7},"stream_states":[{"stream_descriptor":{"name":"users"}}]},"sourceStats":{"recordCount":0}}}
{"type":"TRACE","trace":{"type":"ERROR","error":{"message":"x"}}}
{"type":"TRACE","trace":{"type":"STREAM_STATUS","stream_status":{"stream_descriptor":{"namespace":"public","name":"users"},"status":"RUNNING"}}}
{"type":"TRACE","trace":{"type":"STREAM_STATUS","stream_status":{"stream_descriptor":{"namespace":"public","name":"users"},"status":"COMPLETE"}}}
`

func TestDecoder(t *testing.T) {
	d := NewDecoder(strings.NewReader(input))
	users := models.StreamDescriptor{Namespace: "public", Name: "users"}

	ev, err := d.Next()
	require.NoError(t, err)
	rec := ev.(*RecordEvent).Record
	assert.Equal(t, users, rec.Stream)
	assert.JSONEq(t, `{"id":1}`, string(rec.Data))
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), rec.EmittedAt)

	ev, err = d.Next()
	require.NoError(t, err)
	sc := ev.(*StateEvent).Checkpoint.(*models.StreamCheckpoint)
	assert.Equal(t, users, sc.Stream)
	assert.Equal(t, int64(1), sc.SourceStats().RecordCount)

	ev, err = d.Next()
	require.NoError(t, err)
	gc := ev.(*StateEvent).Checkpoint.(*models.GlobalCheckpoint)
	assert.JSONEq(t, `{"lsn":7}`, string(gc.SharedState))
	require.Len(t, gc.StreamStates, 1)

	ev, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, users, ev.(*StreamCompleteEvent).Stream)

	_, err = d.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, d.Skipped())
}

func TestDecoderMalformedLine(t *testing.T) {
	d := NewDecoder(strings.NewReader("{\"type\":\"RECORD\",\"record\":{\"stream\":\"a\",\"data\":{}}}\n{not json\n"))

	_, err := d.Next()
	require.NoError(t, err)

	_, err = d.Next()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 2, e.Details["line"])
}

func TestUnmarshalRejectsBadMessages(t *testing.T) {
	for name, line := range map[string]string{
		"missing type":   `{"record":{}}`,
		"empty record":   `{"type":"RECORD"}`,
		"unknown state":  `{"type":"STATE","state":{"type":"LEGACY"}}`,
		"stream missing": `{"type":"STATE","state":{"type":"STREAM"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(line))
			require.Error(t, err)
		})
	}
}

func TestEmitterWritesStateLines(t *testing.T) {
	var out bytes.Buffer
	e := NewEmitter(&out)
	ctx := context.Background()

	cp := &models.StreamCheckpoint{
		Stream: models.StreamDescriptor{Name: "users"},
		State:  []byte(`{"cursor":5}`),
		Source: &models.Stats{RecordCount: 5},
	}
	cp.SetDestinationStats(&models.Stats{RecordCount: 5})
	require.NoError(t, e.Emit(ctx, cp))
	require.NoError(t, e.Emit(ctx, &models.GlobalSnapshotCheckpoint{Source: &models.Stats{}}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"STATE","state":{"type":"STREAM",
		"stream":{"stream_descriptor":{"name":"users"},"stream_state":{"cursor":5}},
		"sourceStats":{"recordCount":5},"destinationStats":{"recordCount":5}}}`, lines[0])

	ev, err := Unmarshal([]byte(lines[1]))
	require.NoError(t, err)
	assert.IsType(t, &models.GlobalSnapshotCheckpoint{}, ev.(*StateEvent).Checkpoint)
}

func TestRecordAndStatusEncodersFeedDecoder(t *testing.T) {
	stream := models.StreamDescriptor{Namespace: "s", Name: "orders"}
	rec, err := MarshalRecord(&models.Record{Stream: stream, Data: []byte(`[1,2]`), EmittedAt: time.UnixMilli(42)})
	require.NoError(t, err)
	done, err := MarshalStreamComplete(stream)
	require.NoError(t, err)

	d := NewDecoder(bytes.NewReader(bytes.Join([][]byte{rec, done}, []byte("\n"))))
	ev, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(42), ev.(*RecordEvent).Record.EmittedAt.UnixMilli())
	ev, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, stream, ev.(*StreamCompleteEvent).Stream)
}

func TestMarshalStateKeepsDestinationStats(t *testing.T) {
	tests := []struct {
		name string
		cp   models.CheckpointMessage
	}{
		{"stream", &models.StreamCheckpoint{
			Stream: models.StreamDescriptor{Namespace: "public", Name: "users"},
			State:  []byte(`{"cursor":3}`),
			Source: &models.Stats{RecordCount: 3},
		}},
		{"global", &models.GlobalCheckpoint{
			SharedState: []byte(`{"lsn":9}`),
			Source:      &models.Stats{RecordCount: 4},
		}},
		{"global snapshot", &models.GlobalSnapshotCheckpoint{
			Source: &models.Stats{RecordCount: 5},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := tt.cp.SourceStats().RecordCount
			tt.cp.SetDestinationStats(&models.Stats{RecordCount: want})

			data, err := MarshalState(tt.cp)
			require.NoError(t, err)
			ev, err := Unmarshal(data)
			require.NoError(t, err)

			got := ev.(*StateEvent).Checkpoint
			assert.IsType(t, tt.cp, got)
			require.NotNil(t, got.DestinationStats())
			assert.Equal(t, want, got.DestinationStats().RecordCount)
			assert.Equal(t, want, got.SourceStats().RecordCount)
		})
	}
}

package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-loader/internal/dlq"
	"github.com/ajitpratap0/nebula-loader/internal/format"
	"github.com/ajitpratap0/nebula-loader/internal/ingest"
	"github.com/ajitpratap0/nebula-loader/internal/pipeline"
	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
	"github.com/ajitpratap0/nebula-loader/pkg/objectstore"
	"github.com/ajitpratap0/nebula-loader/pkg/protocol"
	"github.com/ajitpratap0/nebula-loader/pkg/testutil"
)

var (
	users  = models.StreamDescriptor{Namespace: "public", Name: "users"}
	orders = models.StreamDescriptor{Namespace: "public", Name: "orders"}
)

func testConfig() *config.LoaderConfig {
	cfg := config.NewLoaderConfig("test-sync")
	cfg.Memory.TotalBytes = 8 << 20
	cfg.Pipeline.NumFormatterWorkers = 2
	cfg.Pipeline.NumPartWorkers = 2
	cfg.Pipeline.NumUploadWorkers = 2
	cfg.Pipeline.NumDLQWorkers = 2
	cfg.Pipeline.PartSizeBytes = 128
	cfg.Pipeline.MaxObjectSizeBytes = 1 << 20
	cfg.Pipeline.FlushInterval = 10 * time.Millisecond
	cfg.Storage.Type = config.StorageMemory
	cfg.Storage.Prefix = "landing"
	cfg.Format.Compression = "gzip"
	cfg.Reliability.RetryDelay = time.Millisecond
	return cfg
}

// script builds protocol input line by line.
type script struct {
	t   *testing.T
	buf bytes.Buffer
}

func (s *script) line(data []byte, err error) {
	require.NoError(s.t, err)
	s.buf.Write(data)
	s.buf.WriteByte('\n')
}

func (s *script) records(stream models.StreamDescriptor, n int) {
	for i := 0; i < n; i++ {
		s.line(protocol.MarshalRecord(&models.Record{
			Stream:    stream,
			Data:      json.RawMessage(fmt.Sprintf(`{"id":%d,"stream":%q}`, i, stream.Name)),
			EmittedAt: time.UnixMilli(1706659200000),
		}))
	}
}

func (s *script) raw(stream models.StreamDescriptor, data string) {
	s.line(protocol.MarshalRecord(&models.Record{Stream: stream, Data: json.RawMessage(data), EmittedAt: time.UnixMilli(1706659200000)}))
}

func (s *script) streamState(stream models.StreamDescriptor, n int64) {
	s.line(protocol.MarshalState(&models.StreamCheckpoint{
		Stream: stream,
		State:  json.RawMessage(fmt.Sprintf(`{"cursor":%d}`, n)),
		Source: &models.Stats{RecordCount: n},
	}))
}

func (s *script) globalState(n int64) {
	s.line(protocol.MarshalState(&models.GlobalCheckpoint{
		SharedState: json.RawMessage(`{"lsn":42}`),
		Source:      &models.Stats{RecordCount: n},
	}))
}

func (s *script) complete(stream models.StreamDescriptor) {
	s.line(protocol.MarshalStreamComplete(stream))
}

// emitted decodes the checkpoints written by the loader.
func emitted(t *testing.T, out *bytes.Buffer) []models.CheckpointMessage {
	t.Helper()
	var msgs []models.CheckpointMessage
	d := protocol.NewDecoder(out)
	for {
		ev, err := d.Next()
		if err == io.EOF {
			return msgs
		}
		require.NoError(t, err)
		msgs = append(msgs, ev.(*protocol.StateEvent).Checkpoint)
	}
}

func countGzipLines(t *testing.T, data []byte) int {
	t.Helper()
	r, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := io.ReadAll(r)
	require.NoError(t, err)
	return strings.Count(string(plain), "\n")
}

func run(t *testing.T, cfg *config.LoaderConfig, client objectstore.Client, in *script, opts ...Option) (*Summary, []models.CheckpointMessage, error) {
	t.Helper()
	l, err := New(cfg, client, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)

	var out bytes.Buffer
	summary, err := l.Run(testutil.TestContext(t, 20*time.Second), &in.buf, protocol.NewEmitter(&out))
	return summary, emitted(t, &out), err
}

func TestLoader_StreamCheckpointsAreEmittedInOrder(t *testing.T) {
	in := &script{t: t}
	in.records(users, 10)
	in.streamState(users, 10)
	in.records(orders, 4)
	in.streamState(orders, 4)
	in.records(users, 3)
	in.streamState(users, 3)
	in.complete(users)
	in.complete(orders)

	client := objectstore.NewMemoryClient()
	summary, msgs, err := run(t, testConfig(), client, in)
	require.NoError(t, err)

	require.Len(t, msgs, 3)
	perStream := map[string][]int64{}
	for _, m := range msgs {
		sc := m.(*models.StreamCheckpoint)
		require.NotNil(t, sc.DestinationStats())
		perStream[sc.Stream.String()] = append(perStream[sc.Stream.String()], sc.DestinationStats().RecordCount)
	}
	assert.Equal(t, []int64{10, 3}, perStream[users.String()], "a stream's checkpoints keep their order")
	assert.Equal(t, []int64{4}, perStream[orders.String()])

	assert.Equal(t, int64(17), summary.Records)
	assert.Equal(t, int64(3), summary.Checkpoints)
	assert.Equal(t, int64(3), summary.CheckpointsEmitted)
	assert.Equal(t, []models.StreamDescriptor{users, orders}, summary.Streams)
	assert.ElementsMatch(t, []models.StreamDescriptor{users, orders}, summary.CompletedStreams)
	assert.Equal(t, summary.Objects, int64(len(client.Keys())))
	for _, key := range client.Keys() {
		assert.True(t, strings.HasPrefix(key, "landing/public/"), key)
		assert.True(t, strings.HasSuffix(key, ".jsonl.gz"), key)
	}
}

func TestLoader_GlobalCheckpointCoversEveryStream(t *testing.T) {
	in := &script{t: t}
	in.records(users, 5)
	in.records(orders, 2)
	in.globalState(7)
	in.records(orders, 1)
	in.globalState(1)

	_, msgs, err := run(t, testConfig(), objectstore.NewMemoryClient(), in)
	require.NoError(t, err)

	require.Len(t, msgs, 2)
	first := msgs[0].(*models.GlobalCheckpoint)
	assert.JSONEq(t, `{"lsn":42}`, string(first.SharedState))
	assert.Equal(t, int64(7), first.DestinationStats().RecordCount)
	assert.Equal(t, int64(1), msgs[1].DestinationStats().RecordCount)
}

func TestLoader_IncompleteCheckpointFailsTheRun(t *testing.T) {
	in := &script{t: t}
	in.records(users, 3)
	in.streamState(users, 5)

	summary, msgs, err := run(t, testConfig(), objectstore.NewMemoryClient(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnflushedCheckpoints)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
	assert.Empty(t, msgs)
	require.NotNil(t, summary)
	assert.Equal(t, int64(3), summary.Records)
}

func TestLoader_StagingIsPromotedWhenStreamCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Staging = true

	in := &script{t: t}
	in.records(users, 20)
	in.streamState(users, 20)
	in.complete(users)

	client := objectstore.NewMemoryClient()
	_, msgs, err := run(t, cfg, client, in)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NotEmpty(t, client.Keys())
	for _, key := range client.Keys() {
		assert.NotContains(t, key, "/"+format.StagingPrefix+"/", "staged objects are moved once the stream is complete")
	}
}

func TestLoader_DLQFirstLayout(t *testing.T) {
	cfg := testConfig()
	cfg.DLQ.Enabled = true
	cfg.DLQ.BatchSize = 3

	in := &script{t: t}
	in.records(users, 4)
	in.raw(users, `"scalar"`)
	in.raw(users, `[1]`)
	in.streamState(users, 6)
	in.complete(users)

	var mu sync.Mutex
	var stored int
	loader := dlq.NewValidatingLoader(dlq.ObjectValidator(1<<10),
		func(_ context.Context, _ models.StreamDescriptor, records []*models.Record) error {
			mu.Lock()
			defer mu.Unlock()
			stored += len(records)
			return nil
		}, cfg.DLQ.BatchSize, nil)

	var uploaded []pipeline.UploadResult
	var upMu sync.Mutex
	client := objectstore.NewMemoryClient()
	summary, msgs, err := run(t, cfg, client, in,
		WithDLQLoader(loader),
		WithUploadObserver(func(_ context.Context, r pipeline.UploadResult) {
			upMu.Lock()
			defer upMu.Unlock()
			uploaded = append(uploaded, r)
		}))
	require.NoError(t, err)

	require.Len(t, msgs, 1)
	assert.Equal(t, int64(6), msgs[0].DestinationStats().RecordCount)
	assert.Equal(t, 4, stored)

	var rejected int64
	for _, r := range uploaded {
		rejected += r.Records
	}
	assert.Equal(t, int64(2), rejected, "only rejected records reach object storage")
	assert.Equal(t, int64(len(uploaded)), summary.Objects)
}

func TestLoader_DLQFromConfigWritesEveryRecord(t *testing.T) {
	cfg := testConfig()
	cfg.DLQ.Enabled = true
	cfg.DLQ.BatchSize = 4

	in := &script{t: t}
	in.records(users, 10)
	in.streamState(users, 10)
	in.complete(users)

	client := objectstore.NewMemoryClient()
	summary, msgs, err := run(t, cfg, client, in)
	require.NoError(t, err)

	require.Len(t, msgs, 1)
	assert.Equal(t, int64(10), msgs[0].DestinationStats().RecordCount)
	require.NotEmpty(t, client.Keys(), "without a destination table records land in object storage")
	assert.Equal(t, int64(len(client.Keys())), summary.Objects)

	lines := 0
	for _, key := range client.Keys() {
		data, ok := client.Get(key)
		require.True(t, ok)
		lines += countGzipLines(t, data)
	}
	assert.Equal(t, 10, lines)
}

func TestLoader_RecordAfterEndOfStreamFailsTheRun(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Staging = true

	in := &script{t: t}
	in.records(users, 5)
	in.streamState(users, 5)
	in.complete(users)
	in.records(users, 3)
	in.streamState(users, 3)

	summary, _, err := run(t, cfg, objectstore.NewMemoryClient(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrStreamFinished)
	assert.True(t, errors.IsType(err, errors.ErrorTypeState))
	require.NotNil(t, summary)
	assert.Equal(t, int64(1), summary.Checkpoints, "the late checkpoint is never accepted")
}

func TestLoader_StorageFailureStopsTheRun(t *testing.T) {
	in := &script{t: t}
	in.records(users, 50)
	in.streamState(users, 50)

	summary, msgs, err := run(t, testConfig(), brokenStore{objectstore.NewMemoryClient()}, in)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Empty(t, msgs)
	require.NotNil(t, summary)
	assert.Equal(t, []models.StreamDescriptor{users}, summary.FailedStreams)
	assert.Empty(t, summary.CompletedStreams)
}

type brokenStore struct {
	*objectstore.MemoryClient
}

func (brokenStore) StartMultipart(context.Context, string, string) (objectstore.Upload, error) {
	return nil, errors.New(errors.ErrorTypeValidation, "access denied")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.NumPartWorkers = 0

	_, err := New(cfg, objectstore.NewMemoryClient(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

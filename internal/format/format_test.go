package format

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-loader/pkg/compression"
	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

var users = models.StreamDescriptor{Namespace: "public", Name: "users"}

func record(pk models.PartitionKey, data string) *models.Record {
	return &models.Record{
		Stream:       users,
		Data:         []byte(data),
		EmittedAt:    time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC),
		PartitionKey: pk,
	}
}

func newFormatter(t *testing.T, formatType, comp string, storage config.StorageConfig) *Formatter {
	t.Helper()
	f, err := NewFormatter(config.FormatConfig{Type: formatType, Compression: comp, CompressionLevel: 1}, storage)
	require.NoError(t, err)
	return f
}

func TestFormatter_ObjectKey(t *testing.T) {
	now := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	f := newFormatter(t, "jsonl", "gzip", config.StorageConfig{Prefix: "/landing/"})
	assert.Equal(t, "landing/public/users/2024_01_31_1706659200000_3.jsonl.gz", f.ObjectKey(users, 3, now))

	f = newFormatter(t, "csv", "none", config.StorageConfig{Staging: true})
	assert.Equal(t, "staging/orders/2024_01_31_1706659200000_0.csv", f.ObjectKey(models.StreamDescriptor{Name: "orders"}, 0, now))
	assert.Equal(t, "public/users/", f.StreamPrefix(users, false))
}

func TestObjectWriter_PartsCarryCountsAndIndices(t *testing.T) {
	f := newFormatter(t, "jsonl", "none", config.StorageConfig{})
	o, err := f.NewObject(users, 1, time.Now())
	require.NoError(t, err)

	require.NoError(t, o.Write(record("users@0", `{"id":1}`)))
	require.NoError(t, o.Write(record("users@0", `{"id":2}`)))
	first, err := o.NextPart(false, 0)
	require.NoError(t, err)

	require.NoError(t, o.Write(record("users@1", `{"id":3}`)))
	final, err := o.NextPart(true, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, first.PartIndex)
	assert.False(t, first.IsFinal)
	assert.Equal(t, models.CheckpointCounts{"users@0": 2}, first.Counts)

	assert.Equal(t, 2, final.PartIndex)
	assert.True(t, final.IsFinal)
	assert.Equal(t, models.CheckpointCounts{"users@1": 1}, final.Counts)
	assert.Equal(t, int64(3), o.Records())
	assert.Equal(t, first.Size()+final.Size(), o.TotalBytes())

	scanner := bufio.NewScanner(bytes.NewReader(append(first.Bytes, final.Bytes...)))
	var ids []int
	for scanner.Scan() {
		var l struct {
			Stream string `json:"stream"`
			Data   struct {
				ID int `json:"id"`
			} `json:"data"`
		}
		require.NoError(t, gojson.Unmarshal(scanner.Bytes(), &l))
		assert.Equal(t, "public.users", l.Stream)
		ids = append(ids, l.Data.ID)
	}
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestObjectWriter_EmptyFinalPart(t *testing.T) {
	f := newFormatter(t, "jsonl", "none", config.StorageConfig{})
	o, err := f.NewObject(users, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, o.Write(record("users@0", `{}`)))

	_, err = o.NextPart(false, 0)
	require.NoError(t, err)
	final, err := o.NextPart(true, 0)
	require.NoError(t, err)
	assert.True(t, final.IsEmpty())
	assert.Nil(t, final.Bytes)
	assert.Empty(t, final.Counts)
}

func TestObjectWriter_CompressedPartsFormOneStream(t *testing.T) {
	f := newFormatter(t, "jsonl", "zstd", config.StorageConfig{})
	o, err := f.NewObject(users, 1, time.Now())
	require.NoError(t, err)

	var body []byte
	for i := 0; i < 500; i++ {
		require.NoError(t, o.Write(record("users@0", `{"payload":"`+strings.Repeat("x", 100)+`"}`)))
		if i%100 == 99 {
			p, err := o.NextPart(false, 0)
			require.NoError(t, err)
			body = append(body, p.Bytes...)
		}
	}
	p, err := o.NextPart(true, 0)
	require.NoError(t, err)
	body = append(body, p.Bytes...)

	comp, err := compression.NewCompressor(&compression.Config{Algorithm: compression.Zstd})
	require.NoError(t, err)
	plain, err := comp.Decompress(body)
	require.NoError(t, err)
	assert.Equal(t, 500, bytes.Count(plain, []byte("\n")))
}

func TestObjectWriter_PartsRespectLimit(t *testing.T) {
	f := newFormatter(t, "jsonl", "none", config.StorageConfig{})
	o, err := f.NewObject(users, 1, time.Now())
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, o.Write(record("users@0", `{"id":1234567890}`)))
	}
	total := o.TotalBytes()

	var parts []*Part
	for {
		p, err := o.NextPart(true, 64)
		require.NoError(t, err)
		parts = append(parts, p)
		if p.IsFinal {
			break
		}
	}

	var size int64
	for i, p := range parts {
		assert.LessOrEqual(t, p.Size(), int64(64))
		assert.Equal(t, i+1, p.PartIndex)
		size += p.Size()
	}
	assert.Equal(t, total, size)
	assert.Equal(t, models.CheckpointCounts{"users@0": 10}, parts[0].Counts)
	assert.True(t, o.Closed())
}

func TestCSVEncoder(t *testing.T) {
	f := newFormatter(t, "csv", "none", config.StorageConfig{})
	assert.Equal(t, "text/csv", f.ContentType())

	o, err := f.NewObject(users, 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, o.Write(record("users@0", `{"name":"a,b"}`)))
	p, err := o.NextPart(true, 0)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(p.Bytes)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"stream", "emitted_at", "data"}, rows[0])
	assert.Equal(t, `{"name":"a,b"}`, rows[1][2])
}

func TestNewFormatter_RejectsUnknownFormat(t *testing.T) {
	_, err := NewFormatter(config.FormatConfig{Type: "parquet"}, config.StorageConfig{})
	assert.Error(t, err)
}

package dlq

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

var users = models.StreamDescriptor{Namespace: "public", Name: "users"}

func record(data string, pk models.PartitionKey) *models.Record {
	return &models.Record{Stream: users, Data: []byte(data), PartitionKey: pk}
}

func TestObjectValidator(t *testing.T) {
	validate := ObjectValidator(16)
	tests := []struct {
		data  string
		valid bool
	}{
		{`{"id":1}`, true},
		{`  {"id":1}`, true},
		{`[1,2]`, false},
		{`"text"`, false},
		{`{"id":`, false},
		{``, false},
		{`{"name":"far too long"}`, false},
	}
	for _, tt := range tests {
		err := validate(record(tt.data, "p"))
		if tt.valid {
			assert.NoError(t, err, tt.data)
		} else {
			assert.ErrorIs(t, err, ErrRejected, tt.data)
		}
	}
}

func TestValidatingLoaderBatches(t *testing.T) {
	ctx := context.Background()
	var flushed [][]*models.Record
	flush := func(_ context.Context, s models.StreamDescriptor, recs []*models.Record) error {
		assert.Equal(t, users, s)
		flushed = append(flushed, recs)
		return nil
	}
	l := NewValidatingLoader(ObjectValidator(0), flush, 3, zaptest.NewLogger(t))
	defer l.Close()

	b, err := l.Start(ctx, users, 0)
	require.NoError(t, err)

	res, err := b.Accept(ctx, record(`{"a":1}`, "users@1"))
	require.NoError(t, err)
	assert.Equal(t, Incomplete{}, res)
	res, err = b.Accept(ctx, record(`not json`, "users@1"))
	require.NoError(t, err)
	assert.Equal(t, Incomplete{}, res)

	res, err = b.Accept(ctx, record(`{"a":2}`, "users@2"))
	require.NoError(t, err)
	done, ok := res.(*Complete)
	require.True(t, ok)
	assert.Equal(t, models.CheckpointCounts{"users@1": 1, "users@2": 1}, done.Accepted)
	require.Len(t, done.Rejected, 1)
	assert.Equal(t, "not json", string(done.Rejected[0].Data))
	require.Len(t, flushed, 1)
	assert.Len(t, flushed[0], 2)

	res, err = b.Accept(ctx, record(`{"a":3}`, "users@2"))
	require.NoError(t, err)
	assert.Equal(t, Incomplete{}, res)

	done, err = b.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), done.Accepted.Total())
	assert.Empty(t, done.Rejected)

	done, err = b.Finish(ctx)
	require.NoError(t, err)
	assert.Zero(t, done.Accepted.Total())
	assert.Len(t, flushed, 2, "empty finish does not flush")
}

func TestValidatingLoaderWithoutDestinationReturnsEverything(t *testing.T) {
	ctx := context.Background()
	b, err := NewValidatingLoader(ObjectValidator(0), nil, 2, zaptest.NewLogger(t)).Start(ctx, users, 0)
	require.NoError(t, err)

	res, err := b.Accept(ctx, record(`{"a":1}`, "users@1"))
	require.NoError(t, err)
	assert.Equal(t, Incomplete{}, res)
	res, err = b.Accept(ctx, record(`not json`, "users@1"))
	require.NoError(t, err)

	done, ok := res.(*Complete)
	require.True(t, ok)
	assert.Zero(t, done.Accepted.Total(), "nothing is stored without a destination")
	require.Len(t, done.Rejected, 2)
	assert.Equal(t, `{"a":1}`, string(done.Rejected[0].Data))
	assert.Equal(t, "not json", string(done.Rejected[1].Data))
}

func TestValidatingLoaderFlushError(t *testing.T) {
	ctx := context.Background()
	flush := func(context.Context, models.StreamDescriptor, []*models.Record) error {
		return errors.New(errors.ErrorTypeConnection, "database unavailable")
	}
	b, err := NewValidatingLoader(ObjectValidator(0), flush, 10, nil).Start(ctx, users, 1)
	require.NoError(t, err)

	_, err = b.Accept(ctx, record(`{}`, "p"))
	require.NoError(t, err)
	_, err = b.Finish(ctx)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestRawTable(t *testing.T) {
	assert.Equal(t, `"airbyte_raw"."public_users_raw"`, RawTable("airbyte_raw", users).Sanitize())
	assert.Equal(t, `"raw"."orders_raw"`, RawTable("raw", models.StreamDescriptor{Name: "Orders"}).Sanitize())

	sql := createTableSQL(RawTable("airbyte_raw", users))
	assert.True(t, strings.HasPrefix(sql, `CREATE SCHEMA IF NOT EXISTS "airbyte_raw";`))
	assert.Contains(t, sql, `CREATE TABLE IF NOT EXISTS "airbyte_raw"."public_users_raw"`)
	assert.Contains(t, sql, "_data jsonb NOT NULL")
}

func TestRawRows(t *testing.T) {
	at := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	rec := record(`{"id":1}`, "p")
	rec.EmittedAt = at.Add(-time.Minute)

	rows := rawRows([]*models.Record{rec}, at)
	require.Len(t, rows, 1)
	assert.Equal(t, []any{at.Add(-time.Minute), at, `{"id":1}`}, rows[0])
	assert.Len(t, rows[0], len(rawColumns))
}

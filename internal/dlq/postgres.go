package dlq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-loader/pkg/config"
	"github.com/ajitpratap0/nebula-loader/pkg/errors"
	"github.com/ajitpratap0/nebula-loader/pkg/models"
)

var rawColumns = []string{"_emitted_at", "_loaded_at", "_data"}

// PostgresLoader copies records into one raw table per stream:
// <schema>.<namespace>_<name>_raw with the record stored as jsonb.
type PostgresLoader struct {
	batchLoader
	pool   *pgxpool.Pool
	schema string

	mu      sync.Mutex
	created map[string]bool
}

// NewPostgresLoader connects to cfg.DSN.
func NewPostgresLoader(ctx context.Context, cfg config.DLQConfig, logger *zap.Logger) (*PostgresLoader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse dlq dsn")
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dlq pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping dlq database")
	}

	l := &PostgresLoader{
		pool:    pool,
		schema:  cfg.Schema,
		created: make(map[string]bool),
	}
	l.batchLoader = batchLoader{
		validate:  ObjectValidator(cfg.MaxRecordBytes),
		flush:     l.copy,
		batchSize: max(cfg.BatchSize, 1),
		logger:    logger.With(zap.String("component", "dlq-postgres")),
	}
	return l, nil
}

// RawTable returns the table identifier records of stream are copied into.
func RawTable(schema string, stream models.StreamDescriptor) pgx.Identifier {
	name := stream.Name
	if stream.Namespace != "" {
		name = stream.Namespace + "_" + stream.Name
	}
	return pgx.Identifier{schema, strings.ToLower(name) + "_raw"}
}

func createTableSQL(table pgx.Identifier) string {
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;
CREATE TABLE IF NOT EXISTS %s (
	_raw_id bigserial PRIMARY KEY,
	_emitted_at timestamptz NOT NULL,
	_loaded_at timestamptz NOT NULL,
	_data jsonb NOT NULL
)`, pgx.Identifier{table[0]}.Sanitize(), table.Sanitize())
}

func rawRows(records []*models.Record, loadedAt time.Time) [][]any {
	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = []any{rec.EmittedAt, loadedAt, string(rec.Data)}
	}
	return rows
}

func (l *PostgresLoader) ensureTable(ctx context.Context, table pgx.Identifier) error {
	key := table.Sanitize()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.created[key] {
		return nil
	}
	if _, err := l.pool.Exec(ctx, createTableSQL(table)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to create raw table").WithDetail("table", key)
	}
	l.created[key] = true
	return nil
}

func (l *PostgresLoader) copy(ctx context.Context, stream models.StreamDescriptor, records []*models.Record) error {
	table := RawTable(l.schema, stream)
	if err := l.ensureTable(ctx, table); err != nil {
		return err
	}
	n, err := l.pool.CopyFrom(ctx, table, rawColumns, pgx.CopyFromRows(rawRows(records, time.Now().UTC())))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("copying %d records", len(records))).
			WithDetail("table", table.Sanitize())
	}
	if n != int64(len(records)) {
		return errors.Newf(errors.ErrorTypeQuery, "only %d out of %d rows were copied", n, len(records))
	}
	return nil
}

// Close closes the connection pool.
func (l *PostgresLoader) Close() error {
	l.pool.Close()
	return nil
}

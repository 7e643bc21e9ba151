package state

import (
	"context"
	"fmt"

	gojson "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// pgxIface is the subset of pgxpool.Pool used by PostgresBackend.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// PostgresBackend stores one row per (tap, stream). A checkpoint upserts only
// its own stream's row.
type PostgresBackend struct {
	pool  pgxIface
	table string
	tapID string
}

// NewPostgresBackend connects to dsn and creates the state table if needed.
func NewPostgresBackend(ctx context.Context, dsn, table, tapID string) (*PostgresBackend, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn")
	}
	poolConfig.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}

	b := &PostgresBackend{pool: pool, table: pgx.Identifier{table}.Sanitize(), tapID: tapID}
	if err := b.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (p *PostgresBackend) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	tap_id     TEXT NOT NULL,
	stream     TEXT NOT NULL,
	bookmark   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tap_id, stream)
)`, p.table)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create state table")
	}
	return nil
}

func (p *PostgresBackend) Load(ctx context.Context) (models.SyncState, error) {
	rows, err := p.pool.Query(ctx,
		fmt.Sprintf("SELECT stream, bookmark FROM %s WHERE tap_id = $1", p.table), p.tapID)
	if err != nil {
		return models.SyncState{}, fmt.Errorf("failed to query state: %w", err)
	}
	defer rows.Close()

	s := models.NewSyncState()
	for rows.Next() {
		var (
			stream string
			raw    []byte
		)
		if err := rows.Scan(&stream, &raw); err != nil {
			return models.SyncState{}, fmt.Errorf("failed to scan state row: %w", err)
		}
		var b models.Bookmark
		if err := gojson.Unmarshal(raw, &b); err != nil {
			return models.SyncState{}, fmt.Errorf("stream %s: failed to parse bookmark: %w", stream, err)
		}
		s.Bookmarks[stream] = b
	}
	if err := rows.Err(); err != nil {
		return models.SyncState{}, fmt.Errorf("failed to read state rows: %w", err)
	}
	return s, nil
}

func (p *PostgresBackend) Save(ctx context.Context, stream string, b models.Bookmark, snapshot Snapshot) error {
	raw, err := gojson.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bookmark: %w", err)
	}
	_, err = p.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (tap_id, stream, bookmark, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (tap_id, stream) DO UPDATE SET bookmark = EXCLUDED.bookmark, updated_at = EXCLUDED.updated_at`, p.table),
		p.tapID, stream, raw)
	if err != nil {
		return fmt.Errorf("failed to upsert bookmark: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

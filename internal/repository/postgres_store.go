package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rpattn/catalogmerge/internal/db"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the pgx-backed Store.
type PostgresStore struct {
	conn     *db.Connection
	batches  *batchRepository
	entries  *stagedEntryRepository
	records  *recordRepository
	changes  *changeLogRepository
	failures *failureRepository
}

// NewPostgresStore wires every repository onto one connection pool.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{
		conn:     conn,
		batches:  &batchRepository{q: conn.Pool},
		entries:  &stagedEntryRepository{pool: conn.Pool},
		records:  &recordRepository{q: conn.Pool},
		changes:  &changeLogRepository{q: conn.Pool},
		failures: &failureRepository{q: conn.Pool},
	}
}

func (s *PostgresStore) Batches() BatchRepository { return s.batches }
func (s *PostgresStore) Entries() StagedEntryRepository { return s.entries }
func (s *PostgresStore) Records() RecordRepository { return s.records }
func (s *PostgresStore) Changes() ChangeLogRepository { return s.changes }
func (s *PostgresStore) Failures() FailureRepository { return s.failures }
func (s *PostgresStore) Close() { s.conn.Close() }

// WithTx runs fn inside a pgx transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func encodeJSON(value any) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return data, nil
}

func textOrNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

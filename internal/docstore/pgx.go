// Package docstore — PostgreSQL-backed Store implementation.
// Documents live in a single JSONB table; transactions run at SERIALIZABLE
// isolation and are retried on serialization failure with exponential
// backoff, so RunTxn bodies must be re-entrant.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgxStore implements Store on PostgreSQL.
type PgxStore struct {
	pool *pgxpool.Pool
}

// NewPgxStore connects, pings, and migrates the documents table.
func NewPgxStore(ctx context.Context, connURL string) (*PgxStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("docstore connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore ping: %w", err)
	}
	s := &PgxStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("docstore migrate: %w", err)
	}
	log.Info().Msg("document store initialized (postgres)")
	return s, nil
}

func (s *PgxStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT  NOT NULL,
			id         TEXT  NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS idx_docs_res_owner
			ON documents ((data->>'ownerUid'), (data->>'createdAt') DESC)
			WHERE collection = 'reservations';
		CREATE INDEX IF NOT EXISTS idx_docs_res_station
			ON documents ((data->>'assignedStationId'))
			WHERE collection = 'reservations';
		CREATE INDEX IF NOT EXISTS idx_docs_loan_borrower
			ON documents ((data->>'borrowerUid'))
			WHERE collection = 'libraryLoans';
		CREATE INDEX IF NOT EXISTS idx_docs_order_client
			ON documents ((data->>'agentClientId'))
			WHERE collection = 'agentOrders';
		CREATE INDEX IF NOT EXISTS idx_docs_order_uid
			ON documents ((data->>'uid'))
			WHERE collection = 'agentOrders';
		CREATE INDEX IF NOT EXISTS idx_docs_audit_client
			ON documents ((data->>'agentClientId'))
			WHERE collection = 'agentAuditLogs';
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgxStore) Get(ctx context.Context, collection, id string, out any) error {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Collection: collection, ID: id}
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *PgxStore) Put(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, raw)
	return err
}

func (s *PgxStore) Create(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrExists{Collection: collection, ID: id}
	}
	return nil
}

func (s *PgxStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return err
}

func (s *PgxStore) List(ctx context.Context, collection string, each func(id string, raw []byte) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		if err := each(id, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ── Transactions ────────────────────────────────────────────

// RunTxn executes fn at SERIALIZABLE isolation, retrying serialization
// failures (SQLSTATE 40001/40P01) with exponential backoff for up to five
// attempts. Domain errors abort immediately without retry.
func (s *PgxStore) RunTxn(ctx context.Context, fn func(tx Txn) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, 5), ctx)

	return backoff.Retry(func() error {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isSerializationFailure(err) {
			log.Debug().Err(err).Msg("txn serialization failure, retrying")
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func (s *PgxStore) runOnce(ctx context.Context, fn func(tx Txn) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&pgxTxn{ctx: ctx, tx: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type pgxTxn struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgxTxn) Get(collection, id string, out any) error {
	var raw []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return &ErrNotFound{Collection: collection, ID: id}
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (t *pgxTxn) Put(collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(t.ctx, `
		INSERT INTO documents (collection, id, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`,
		collection, id, raw)
	return err
}

func (t *pgxTxn) Create(collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(t.ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrExists{Collection: collection, ID: id}
	}
	return nil
}

func (t *pgxTxn) Delete(collection, id string) error {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	return err
}

func (t *pgxTxn) List(collection string, each func(id string, raw []byte) error) error {
	rows, err := t.tx.Query(t.ctx,
		`SELECT id, data FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		if err := each(id, raw); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PgxStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}

// Compile-time check that PgxStore implements Store.
var _ Store = (*PgxStore)(nil)

package idempotency

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists idempotency records in a table keyed on the
// stored key alone; the middleware prefixes every caller-chosen key with
// the caller's account id, so stored keys are scoped per account.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key           TEXT PRIMARY KEY,
			account_id    TEXT NOT NULL,
			body_hash     TEXT NOT NULL,
			status_code   INT NOT NULL,
			response_body BYTEA NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL,
			expires_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency_records(expires_at);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, time.Now().UTC()); err != nil {
		return nil, err
	}

	var rec Record
	row := p.db.QueryRowContext(ctx, `
		SELECT key, account_id, body_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_records WHERE key = $1`, key)
	if err := row.Scan(&rec.Key, &rec.AccountID, &rec.BodyHash, &rec.StatusCode, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (p *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, account_id, body_hash, status_code, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.AccountID, rec.BodyHash, rec.StatusCode, rec.ResponseBody, rec.CreatedAt, rec.ExpiresAt)
	return err
}

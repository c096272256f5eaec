package compliance

import (
	"context"
	"database/sql"
)

// PostgresStore persists the Merkle tree's nodes, leaves, and TSA anchors.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS compliance_leaves (
			position   BIGINT PRIMARY KEY,
			hash       TEXT NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS compliance_nodes (
			level    INT NOT NULL,
			position BIGINT NOT NULL,
			hash     TEXT NOT NULL,
			PRIMARY KEY (level, position)
		);
		CREATE TABLE IF NOT EXISTS compliance_timestamps (
			leaf_position BIGINT PRIMARY KEY REFERENCES compliance_leaves(position),
			token         BYTEA NOT NULL,
			serial_number TEXT NOT NULL,
			tsa_time      TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (p *PostgresStore) Size(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compliance_leaves`).Scan(&n)
	return n, err
}

func (p *PostgresStore) GetNode(ctx context.Context, level int, position int64) (string, bool, error) {
	var hash string
	err := p.db.QueryRowContext(ctx, `SELECT hash FROM compliance_nodes WHERE level = $1 AND position = $2`, level, position).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

func (p *PostgresStore) SetNode(ctx context.Context, level int, position int64, hash string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO compliance_nodes (level, position, hash) VALUES ($1, $2, $3)
		ON CONFLICT (level, position) DO UPDATE SET hash = EXCLUDED.hash`, level, position, hash)
	return err
}

func (p *PostgresStore) AppendLeaf(ctx context.Context, leaf *Leaf) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO compliance_leaves (position, hash, payload, created_at) VALUES ($1, $2, $3, $4)`,
		leaf.Position, leaf.Hash, []byte(leaf.Payload), leaf.CreatedAt)
	return err
}

func (p *PostgresStore) GetLeaf(ctx context.Context, position int64) (*Leaf, error) {
	var leaf Leaf
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT position, hash, payload, created_at FROM compliance_leaves WHERE position = $1`, position).
		Scan(&leaf.Position, &leaf.Hash, &payload, &leaf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	leaf.Payload = payload
	return &leaf, nil
}

func (p *PostgresStore) SaveTimestamp(ctx context.Context, rec *TimestampRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO compliance_timestamps (leaf_position, token, serial_number, tsa_time, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (leaf_position) DO NOTHING`,
		rec.LeafPosition, rec.Token, rec.SerialNumber, rec.TSATime, rec.CreatedAt)
	return err
}

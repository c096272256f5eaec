package accounts

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the Postgres-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the accounts and webhook_configs tables if absent. Kept
// for local/dev bootstrap; production schema changes go through goose
// migrations under migrations/.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			bot_name TEXT NOT NULL UNIQUE,
			developer_id TEXT NOT NULL,
			developer_name TEXT NOT NULL,
			contact_email TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			skill_tags TEXT[] NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active',
			reputation DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			daily_spend_limit BIGINT,
			frozen_until TIMESTAMPTZ,
			current_key_hash TEXT NOT NULL,
			previous_key_hash TEXT NOT NULL DEFAULT '',
			key_rotated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status);
		CREATE INDEX IF NOT EXISTS idx_accounts_skill_tags ON accounts USING GIN(skill_tags);

		CREATE TABLE IF NOT EXISTS webhook_configs (
			account_id TEXT PRIMARY KEY REFERENCES accounts(id),
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			events TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT true,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

const accountColumns = `id, bot_name, developer_id, developer_name, contact_email, description,
	skill_tags, status, reputation, daily_spend_limit, frozen_until,
	current_key_hash, previous_key_hash, key_rotated_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var dailySpendLimit sql.NullInt64
	var frozenUntil, keyRotatedAt sql.NullTime
	var skillTags pq.StringArray
	var status string

	err := s.Scan(&a.ID, &a.BotName, &a.DeveloperID, &a.DeveloperName, &a.ContactEmail, &a.Description,
		&skillTags, &status, &a.Reputation, &dailySpendLimit, &frozenUntil,
		&a.CurrentKeyHash, &a.PreviousKeyHash, &keyRotatedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.SkillTags = []string(skillTags)
	a.Status = Status(status)
	if dailySpendLimit.Valid {
		a.DailySpendLimit = &dailySpendLimit.Int64
	}
	if frozenUntil.Valid {
		a.FrozenUntil = &frozenUntil.Time
	}
	if keyRotatedAt.Valid {
		a.KeyRotatedAt = &keyRotatedAt.Time
	}
	return &a, nil
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, bot_name, developer_id, developer_name, contact_email, description,
			skill_tags, status, reputation, daily_spend_limit, frozen_until,
			current_key_hash, previous_key_hash, key_rotated_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, a.ID, a.BotName, a.DeveloperID, a.DeveloperName, a.ContactEmail, a.Description,
		pq.StringArray(a.SkillTags), string(a.Status), a.Reputation, nullInt64(a.DailySpendLimit), nullTime(a.FrozenUntil),
		a.CurrentKeyHash, a.PreviousKeyHash, nullTime(a.KeyRotatedAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateBotName
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) GetByBotName(ctx context.Context, botName string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE bot_name = $1`, botName)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET developer_name=$2, contact_email=$3, description=$4, skill_tags=$5,
			status=$6, reputation=$7, daily_spend_limit=$8, frozen_until=$9,
			current_key_hash=$10, previous_key_hash=$11, key_rotated_at=$12, updated_at=$13
		WHERE id=$1
	`, a.ID, a.DeveloperName, a.ContactEmail, a.Description, pq.StringArray(a.SkillTags),
		string(a.Status), a.Reputation, nullInt64(a.DailySpendLimit), nullTime(a.FrozenUntil),
		a.CurrentKeyHash, a.PreviousKeyHash, nullTime(a.KeyRotatedAt), a.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, skillTag string, status Status, limit int, cursor string) ([]*Account, string, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`)
	args := []any{}
	n := 1
	if status != "" {
		b.WriteString(` AND status = $`)
		b.WriteString(strconv.Itoa(n))
		args = append(args, string(status))
		n++
	}
	if skillTag != "" {
		b.WriteString(` AND $`)
		b.WriteString(strconv.Itoa(n))
		b.WriteString(` = ANY(skill_tags)`)
		args = append(args, skillTag)
		n++
	}
	if cursor != "" {
		b.WriteString(` AND id > $`)
		b.WriteString(strconv.Itoa(n))
		args = append(args, cursor)
		n++
	}
	b.WriteString(` ORDER BY id ASC LIMIT $`)
	b.WriteString(strconv.Itoa(n))
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, a)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *PostgresStore) ListActiveWithKeyHash(ctx context.Context) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE status != 'suspended'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetWebhook(ctx context.Context, wc *WebhookConfig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_configs (account_id, url, secret, events, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (account_id) DO UPDATE SET url=$2, secret=$3, events=$4, active=$5, updated_at=$6
	`, wc.AccountID, wc.URL, wc.Secret, pq.StringArray(wc.Events), wc.Active, wc.UpdatedAt)
	return err
}

func (p *PostgresStore) GetWebhook(ctx context.Context, accountID string) (*WebhookConfig, error) {
	var wc WebhookConfig
	var events pq.StringArray
	err := p.db.QueryRowContext(ctx, `SELECT account_id, url, secret, events, active, updated_at FROM webhook_configs WHERE account_id=$1`, accountID).
		Scan(&wc.AccountID, &wc.URL, &wc.Secret, &events, &wc.Active, &wc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	wc.Events = []string(events)
	return &wc, nil
}

func (p *PostgresStore) DeleteWebhook(ctx context.Context, accountID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_configs WHERE account_id=$1`, accountID)
	return err
}

func (p *PostgresStore) WebhooksSubscribedTo(ctx context.Context, accountIDs []string, event string) ([]*WebhookConfig, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, url, secret, events, active, updated_at FROM webhook_configs
		WHERE active = true AND account_id = ANY($1) AND $2 = ANY(events)
	`, pq.StringArray(accountIDs), event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WebhookConfig
	for rows.Next() {
		var wc WebhookConfig
		var events pq.StringArray
		if err := rows.Scan(&wc.AccountID, &wc.URL, &wc.Secret, &events, &wc.Active, &wc.UpdatedAt); err != nil {
			return nil, err
		}
		wc.Events = []string(events)
		out = append(out, &wc)
	}
	return out, rows.Err()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

// Stats satisfies StatsStore.
func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'suspended')
		FROM accounts`)
	stats := &Stats{}
	if err := row.Scan(&stats.TotalAccounts, &stats.ActiveAccounts, &stats.SuspendedAccounts); err != nil {
		return nil, err
	}
	return stats, nil
}

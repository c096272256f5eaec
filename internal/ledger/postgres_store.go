package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/a2a-settlement/exchange/internal/apierror"
	"github.com/a2a-settlement/exchange/internal/pagination"
)

// PostgresStore implements Store against the shared Postgres database. It
// reads and writes the accounts table directly for the ledger-owned
// fields (reputation, frozen_until) rather than routing through the
// accounts package, since both live in the same database and the same
// transaction must span balances, escrows, and those account fields.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the balances, escrows, and transactions tables if
// absent, including the partial unique index enforcing one open escrow
// per (requester, provider, task).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS balances (
			account_id TEXT PRIMARY KEY,
			available BIGINT NOT NULL DEFAULT 0,
			held_in_escrow BIGINT NOT NULL DEFAULT 0,
			total_earned BIGINT NOT NULL DEFAULT 0,
			total_spent BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT balances_nonnegative CHECK (available >= 0 AND held_in_escrow >= 0)
		);

		CREATE TABLE IF NOT EXISTS escrows (
			id TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			fee_amount BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			depends_on TEXT[] NOT NULL DEFAULT '{}',
			deliverables TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			dispute_expires_at TIMESTAMPTZ,
			warning_sent_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at TIMESTAMPTZ,
			dispute_reason TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT ''
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_escrows_open_task
			ON escrows(requester_id, provider_id, task_id)
			WHERE status = 'held' AND task_id != '';
		CREATE INDEX IF NOT EXISTS idx_escrows_requester ON escrows(requester_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_provider ON escrows(provider_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_status ON escrows(status);
		CREATE INDEX IF NOT EXISTS idx_escrows_expires_at ON escrows(expires_at) WHERE status = 'held';
		CREATE INDEX IF NOT EXISTS idx_escrows_dispute_expires_at ON escrows(dispute_expires_at) WHERE status = 'disputed';

		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			escrow_id TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_account_created ON transactions(account_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT account_id, available, held_in_escrow, total_earned, total_spent, updated_at
		FROM balances WHERE account_id = $1`, accountID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{AccountID: accountID}, nil
	}
	return b, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int, cursor string) ([]*Transaction, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apierror.New(apierror.CodeValidationFailed, "invalid cursor")
	}
	var beforeTime time.Time
	var beforeID string
	if before != nil {
		beforeTime, beforeID = before.CreatedAt, before.ID
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, escrow_id, reference, created_at
		FROM transactions
		WHERE account_id = $1 AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, accountID, nullableTime(before, beforeTime), beforeID, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	page, next, _ := pagination.ComputePage(out, limit, func(t *Transaction) (time.Time, string) { return t.CreatedAt, t.ID })
	return page, next, rows.Err()
}

// nullableTime returns nil when there is no cursor, so the SQL's
// IS NULL check can distinguish "first page" from "page starting at a real
// timestamp" without a separate boolean parameter.
func nullableTime(cursor *pagination.Cursor, t time.Time) any {
	if cursor == nil {
		return nil
	}
	return t
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) ListEscrows(ctx context.Context, accountID string, status Status, limit int, cursor string) ([]*Escrow, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", apierror.New(apierror.CodeValidationFailed, "invalid cursor")
	}
	var beforeTime time.Time
	var beforeID string
	if before != nil {
		beforeTime, beforeID = before.CreatedAt, before.ID
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE ($1 = '' OR requester_id = $1 OR provider_id = $1)
			AND ($2 = '' OR status = $2)
			AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, accountID, string(status), nullableTime(before, beforeTime), beforeID, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, e)
	}
	page, next, _ := pagination.ComputePage(out, limit, func(e *Escrow) (time.Time, string) { return e.CreatedAt, e.ID })
	return page, next, rows.Err()
}

const escrowColumns = `id, requester_id, provider_id, amount, fee_amount, status, task_id, task_type,
	group_id, depends_on, deliverables, expires_at, dispute_expires_at, warning_sent_at,
	created_at, resolved_at, dispute_reason, resolution`

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(s scanner) (*Balance, error) {
	var b Balance
	if err := s.Scan(&b.AccountID, &b.Available, &b.HeldInEscrow, &b.TotalEarned, &b.TotalSpent, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	var t Transaction
	var typ string
	if err := s.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &t.EscrowID, &t.Reference, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = TransactionType(typ)
	return &t, nil
}

func scanEscrow(s scanner) (*Escrow, error) {
	var e Escrow
	var status string
	var dependsOn pq.StringArray
	var disputeExpiresAt, warningSentAt, resolvedAt sql.NullTime

	err := s.Scan(&e.ID, &e.RequesterID, &e.ProviderID, &e.Amount, &e.FeeAmount, &status,
		&e.TaskID, &e.TaskType, &e.GroupID, &dependsOn, &e.Deliverables, &e.ExpiresAt,
		&disputeExpiresAt, &warningSentAt, &e.CreatedAt, &resolvedAt, &e.DisputeReason, &e.Resolution)
	if err != nil {
		return nil, err
	}
	e.Status = Status(status)
	e.DependsOn = []string(dependsOn)
	if disputeExpiresAt.Valid {
		e.DisputeExpiresAt = &disputeExpiresAt.Time
	}
	if warningSentAt.Valid {
		e.WarningSentAt = &warningSentAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

// pgTx implements Tx against one *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockBalance(ctx context.Context, accountID string) (*Balance, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT account_id, available, held_in_escrow, total_earned, total_spent, updated_at
		FROM balances WHERE account_id = $1 FOR UPDATE`, accountID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO balances (account_id, available, held_in_escrow, total_earned, total_spent, updated_at)
			VALUES ($1, 0, 0, 0, 0, now())`, accountID)
		if err != nil {
			return nil, err
		}
		return &Balance{AccountID: accountID}, nil
	}
	return b, err
}

func (t *pgTx) SaveBalance(ctx context.Context, b *Balance) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE balances SET available=$2, held_in_escrow=$3, total_earned=$4, total_spent=$5, updated_at=now()
		WHERE account_id=$1`, b.AccountID, b.Available, b.HeldInEscrow, b.TotalEarned, b.TotalSpent)
	return err
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (*AccountSnapshot, error) {
	var a AccountSnapshot
	var dailySpendLimit sql.NullInt64
	var frozenUntil sql.NullTime
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, status, reputation, daily_spend_limit, frozen_until
		FROM accounts WHERE id = $1 FOR UPDATE`, accountID).
		Scan(&a.ID, &a.Status, &a.Reputation, &dailySpendLimit, &frozenUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dailySpendLimit.Valid {
		a.DailySpendLimit = &dailySpendLimit.Int64
	}
	if frozenUntil.Valid {
		a.FrozenUntil = &frozenUntil.Time
	}
	return &a, nil
}

func (t *pgTx) SaveAccountLedgerFields(ctx context.Context, accountID string, reputation float64, frozenUntil *OptionalTime) error {
	if frozenUntil != nil && frozenUntil.Set {
		var v sql.NullTime
		if frozenUntil.Value != nil {
			v = sql.NullTime{Time: *frozenUntil.Value, Valid: true}
		}
		_, err := t.tx.ExecContext(ctx, `UPDATE accounts SET reputation=$2, frozen_until=$3, updated_at=now() WHERE id=$1`,
			accountID, reputation, v)
		return err
	}
	_, err := t.tx.ExecContext(ctx, `UPDATE accounts SET reputation=$2, updated_at=now() WHERE id=$1`, accountID, reputation)
	return err
}

func (t *pgTx) InsertEscrow(ctx context.Context, e *Escrow) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escrows (id, requester_id, provider_id, amount, fee_amount, status, task_id, task_type,
			group_id, depends_on, deliverables, expires_at, dispute_expires_at, warning_sent_at,
			created_at, resolved_at, dispute_reason, resolution)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, e.ID, e.RequesterID, e.ProviderID, e.Amount, e.FeeAmount, string(e.Status), e.TaskID, e.TaskType,
		e.GroupID, pq.StringArray(e.DependsOn), e.Deliverables, e.ExpiresAt, nullTime(e.DisputeExpiresAt),
		nullTime(e.WarningSentAt), e.CreatedAt, nullTime(e.ResolvedAt), e.DisputeReason, e.Resolution)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrTaskConflict
	}
	return err
}

func (t *pgTx) GetEscrowForUpdate(ctx context.Context, id string) (*Escrow, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *Escrow) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE escrows SET status=$2, dispute_expires_at=$3, warning_sent_at=$4, resolved_at=$5,
			dispute_reason=$6, resolution=$7
		WHERE id=$1
	`, e.ID, string(e.Status), nullTime(e.DisputeExpiresAt), nullTime(e.WarningSentAt),
		nullTime(e.ResolvedAt), e.DisputeReason, e.Resolution)
	return err
}

func (t *pgTx) FindOpenEscrowForTask(ctx context.Context, requesterID, providerID, taskID string) (*Escrow, error) {
	if taskID == "" {
		return nil, nil
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE requester_id=$1 AND provider_id=$2 AND task_id=$3 AND status='held'`, requesterID, providerID, taskID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *pgTx) ListHeldEscrowsWithDependencies(ctx context.Context) ([]*Escrow, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE status='held' AND cardinality(depends_on) > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ListExpiredHeld(ctx context.Context, asOf time.Time) ([]*Escrow, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE status='held' AND expires_at < $1`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ListExpiredDisputes(ctx context.Context, asOf time.Time) ([]*Escrow, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE status='disputed' AND dispute_expires_at < $1`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) ListExpiringSoon(ctx context.Context, from, to time.Time) ([]*Escrow, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status='held' AND warning_sent_at IS NULL AND expires_at > $1 AND expires_at < $2`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, type, amount, escrow_id, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`, tr.ID, tr.AccountID, string(tr.Type), tr.Amount, tr.EscrowID, tr.Reference, tr.CreatedAt)
	return err
}

func (t *pgTx) SumTransactionsSince(ctx context.Context, accountID string, types []TransactionType, since time.Time) (int64, error) {
	typeStrs := make([]string, len(types))
	for i, ty := range types {
		typeStrs[i] = string(ty)
	}
	var sum sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_id = $1 AND type = ANY($2) AND created_at > $3`, accountID, pq.StringArray(typeStrs), since).
		Scan(&sum)
	return sum.Int64, err
}

// FreezeAccountIndependently opens a fresh transaction on the connection
// pool, independent of any transaction the caller currently holds, so a
// spend-guard freeze survives even when the operation that detected the
// breach ultimately rolls back.
func (p *PostgresStore) FreezeAccountIndependently(ctx context.Context, accountID string, until time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET frozen_until=$2, updated_at=now() WHERE id=$1`, accountID, until); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

// NetworkStats satisfies StatsStore.
func (p *PostgresStore) NetworkStats(ctx context.Context) (*NetworkStats, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'held'),
			COUNT(*) FILTER (WHERE status = 'released'),
			COUNT(*) FILTER (WHERE status = 'refunded'),
			COUNT(*) FILTER (WHERE status = 'disputed'),
			COUNT(*) FILTER (WHERE status = 'expired'),
			COALESCE(SUM(amount), 0),
			COALESCE(SUM(fee_amount), 0)
		FROM escrows`)

	stats := &NetworkStats{}
	err := row.Scan(
		&stats.TotalEscrows, &stats.HeldEscrows, &stats.ReleasedEscrows, &stats.RefundedEscrows,
		&stats.DisputedEscrows, &stats.ExpiredEscrows, &stats.TotalVolume, &stats.TotalFeesEarned,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

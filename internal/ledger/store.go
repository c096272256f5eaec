package ledger

import (
	"context"
	"time"
)

// Store is the top-level persistence boundary for the ledger package. All
// mutating operations go through WithTx so that balance, escrow, account,
// and transaction rows move together or not at all.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	ListTransactions(ctx context.Context, accountID string, limit int, cursor string) ([]*Transaction, string, error)
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	ListEscrows(ctx context.Context, accountID string, status Status, limit int, cursor string) ([]*Escrow, string, error)

	// FreezeAccountIndependently writes a spend-guard freeze on a
	// transaction/connection independent of any transaction currently open
	// on this Store, so the freeze survives even if the caller's own
	// transaction later rolls back.
	FreezeAccountIndependently(ctx context.Context, accountID string, until time.Time) error
}

// Tx is the set of operations available within one atomic ledger
// transaction. Row locks are acquired by the Lock* methods and held until
// the enclosing WithTx call returns.
type Tx interface {
	// LockBalance acquires a row lock (SELECT ... FOR UPDATE in Postgres)
	// on the account's balance row, creating a zeroed one if absent.
	LockBalance(ctx context.Context, accountID string) (*Balance, error)
	SaveBalance(ctx context.Context, b *Balance) error

	// LockAccount reads the account's status/reputation/spend-limit/freeze
	// fields under the same row lock used by the accounts package for
	// updates, so a concurrent suspend or freeze is serialized against
	// escrow operations touching that account.
	LockAccount(ctx context.Context, accountID string) (*AccountSnapshot, error)
	SaveAccountLedgerFields(ctx context.Context, accountID string, reputation float64, frozenUntil *OptionalTime) error

	InsertEscrow(ctx context.Context, e *Escrow) error
	GetEscrowForUpdate(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
	FindOpenEscrowForTask(ctx context.Context, requesterID, providerID, taskID string) (*Escrow, error)
	ListHeldEscrowsWithDependencies(ctx context.Context) ([]*Escrow, error)
	ListExpiredHeld(ctx context.Context, asOf time.Time) ([]*Escrow, error)
	ListExpiredDisputes(ctx context.Context, asOf time.Time) ([]*Escrow, error)
	ListExpiringSoon(ctx context.Context, from, to time.Time) ([]*Escrow, error)

	InsertTransaction(ctx context.Context, t *Transaction) error
	SumTransactionsSince(ctx context.Context, accountID string, types []TransactionType, since time.Time) (int64, error)
}

// OptionalTime distinguishes "clear the field" from "leave unset" in a
// partial update without reaching for a pointer-to-pointer.
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// AccountBridge lets the in-memory ledger store reach into the live
// accounts store for the fields it must read and mutate atomically with
// balance and escrow rows. The Postgres store needs no such bridge: it
// reads and writes the shared accounts table directly, within the same
// *sql.Tx, since both tables live in the same database.
type AccountBridge interface {
	GetAccountSnapshot(accountID string) (*AccountSnapshot, error)
	SetAccountLedgerFields(accountID string, reputation float64, frozenUntil *time.Time) error
}

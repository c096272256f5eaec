// Package ledger implements the settlement exchange's atomic balance and
// escrow state machine: deposits, escrow creation, release, refund (with
// dependent-escrow cascade), dispute, and operator resolution, all backed
// by one transaction per operation spanning both balance and escrow rows.
package ledger

import (
	"errors"
	"time"
)

// Status is an escrow's lifecycle state.
type Status string

const (
	StatusHeld      Status = "held"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusExpired   Status = "expired"
	StatusDisputed  Status = "disputed"
)

// TransactionType classifies an entry in the append-only ledger.
type TransactionType string

const (
	TxMint          TransactionType = "mint"
	TxDeposit       TransactionType = "deposit"
	TxEscrowHold    TransactionType = "escrow_hold"
	TxEscrowRelease TransactionType = "escrow_release"
	TxEscrowRefund  TransactionType = "escrow_refund"
	TxFee           TransactionType = "fee"
)

// Balance is an account's book-entry token position.
type Balance struct {
	AccountID    string
	Available    int64
	HeldInEscrow int64
	TotalEarned  int64
	TotalSpent   int64
	UpdatedAt    time.Time
}

// Escrow is a held transfer pending release, refund, expiry, or dispute
// resolution.
type Escrow struct {
	ID                string
	RequesterID       string
	ProviderID        string
	Amount            int64
	FeeAmount         int64
	Status            Status
	TaskID            string
	TaskType          string
	GroupID           string
	DependsOn         []string
	Deliverables      string
	ExpiresAt         time.Time
	DisputeExpiresAt  *time.Time
	WarningSentAt     *time.Time
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	DisputeReason     string
	Resolution        string
}

// EffectiveFeePercent reports fee/amount*100, rounded to 4 decimal places,
// a derived field surfaced on escrow creation responses.
func (e *Escrow) EffectiveFeePercent() float64 {
	if e.Amount == 0 {
		return 0
	}
	pct := float64(e.FeeAmount) / float64(e.Amount) * 100
	return roundTo(pct, 4)
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int64(v*mult+0.5)) / mult
}

// Transaction is an append-only ledger entry.
type Transaction struct {
	ID        string
	AccountID string
	Type      TransactionType
	Amount    int64
	EscrowID  string
	Reference string
	CreatedAt time.Time
}

// AccountSnapshot is the subset of account state the ledger reads and
// mutates within its own transactions: status, reputation, spend limit,
// and freeze state live on the accounts table but the ledger must see and
// update them atomically with balance and escrow rows.
type AccountSnapshot struct {
	ID              string
	Status          string
	Reputation      float64
	DailySpendLimit *int64
	FrozenUntil     *time.Time
}

var (
	ErrNotFound              = errors.New("resource not found")
	ErrInsufficientFunds     = errors.New("insufficient available balance")
	ErrInactiveProvider      = errors.New("provider account is not active")
	ErrAccountFrozen         = errors.New("account is frozen")
	ErrSpendLimitBreached    = errors.New("daily spending limit breached")
	ErrTaskConflict          = errors.New("an open escrow already exists for this task")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrDependencyUnresolved  = errors.New("one or more dependencies are not yet released")
	ErrWrongStatus           = errors.New("escrow is not in a valid status for this operation")
	ErrForbidden             = errors.New("caller is not a party to this escrow")
	ErrTransientConflict     = errors.New("concurrent update detected, retry")
)

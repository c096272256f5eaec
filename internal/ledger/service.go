package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2a-settlement/exchange/internal/idgen"
	"github.com/a2a-settlement/exchange/internal/metrics"
	"github.com/a2a-settlement/exchange/internal/spendguard"
	"github.com/a2a-settlement/exchange/internal/traces"
)

// EventEmitter fires webhook events for escrow lifecycle transitions. The
// ledger package only depends on this narrow interface, not on the
// webhooks package itself, so the two can be wired together in the server
// without an import cycle.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, accountIDs []string, data map[string]any)
}

// ComplianceRecorder appends a compliance attestation when a dispute
// resolves.
type ComplianceRecorder interface {
	RecordDisputeResolution(ctx context.Context, e *Escrow) error
}

// Limits carries the escrow-size and TTL bounds read from configuration.
type Limits struct {
	MinEscrow            int64
	MaxEscrow            int64
	DefaultTTL           time.Duration
	DisputeTTL           time.Duration
	ExpiryWarningWindow  time.Duration
	SpendingWindowHours  int
	HourlyVelocityLimit  int64
	SpendFreezeMinutes   int
}

// Service implements the ledger and escrow state machine.
type Service struct {
	store      Store
	feeCfg     FeeConfig
	limits     Limits
	emitter    EventEmitter
	compliance ComplianceRecorder
	logger     *slog.Logger
}

func NewService(store Store, feeCfg FeeConfig, limits Limits, emitter EventEmitter, compliance ComplianceRecorder, logger *slog.Logger) *Service {
	return &Service{store: store, feeCfg: feeCfg, limits: limits, emitter: emitter, compliance: compliance, logger: logger}
}

// ProviderLookup resolves whether a provider account is active, used by
// CreateEscrow before it opens a database transaction. Defined narrowly so
// ledger does not need the accounts package's full Store interface.
type ProviderLookup interface {
	IsActiveProvider(ctx context.Context, accountID string) (bool, error)
}

// Deposit mints tokens into an account's available balance. amount must be
// positive. txType distinguishes operator mints from self-service deposits.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, txType TransactionType, reference string) (*Balance, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger.Deposit", traces.AgentAddr(accountID), traces.Amount(fmt.Sprint(amount)))
	defer span.End()

	var result *Balance
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		bal, err := tx.LockBalance(ctx, accountID)
		if err != nil {
			return err
		}
		bal.Available += amount
		if err := tx.SaveBalance(ctx, bal); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &Transaction{
			ID: idgen.New(), AccountID: accountID, Type: txType, Amount: amount,
			Reference: reference, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		result = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowOperations.WithLabelValues("deposit", "ok").Inc()
	return result, nil
}

// CreateEscrowInput carries the fields accepted at escrow creation.
type CreateEscrowInput struct {
	RequesterID  string
	ProviderID   string
	Amount       int64
	TaskID       string
	TaskType     string
	GroupID      string
	DependsOn    []string
	Deliverables string
	TTLMinutes   int
}

// CreateEscrow opens a held escrow: debits amount+fee from the requester's
// available balance, credits the requester's held-in-escrow, validates the
// provider is active, and evaluates the spending-limit circuit breaker,
// all within one transaction. Locks are acquired on balances in ascending
// account-id order, requester then provider, to match the canonical lock
// order used everywhere two balances are touched together.
func (s *Service) CreateEscrow(ctx context.Context, in CreateEscrowInput, providers ProviderLookup) (*Escrow, error) {
	if in.Amount < s.limits.MinEscrow || in.Amount > s.limits.MaxEscrow {
		return nil, fmt.Errorf("%w: amount must be between %d and %d", ErrInvalidAmount, s.limits.MinEscrow, s.limits.MaxEscrow)
	}
	if in.RequesterID == in.ProviderID {
		return nil, fmt.Errorf("%w: requester and provider must differ", ErrInvalidAmount)
	}

	ctx, span := traces.StartSpan(ctx, "ledger.CreateEscrow",
		traces.AgentAddr(in.RequesterID), traces.Amount(fmt.Sprint(in.Amount)))
	defer span.End()

	active, err := providers.IsActiveProvider(ctx, in.ProviderID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrInactiveProvider
	}

	fee := ComputeFee(in.Amount, s.feeCfg)
	totalHold := in.Amount + fee
	ttl := s.limits.DefaultTTL
	if in.TTLMinutes > 0 {
		ttl = time.Duration(in.TTLMinutes) * time.Minute
	}

	var escrow *Escrow
	now := time.Now().UTC()

	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if existing, err := tx.FindOpenEscrowForTask(ctx, in.RequesterID, in.ProviderID, in.TaskID); err != nil {
			return err
		} else if existing != nil {
			return fmt.Errorf("%w: open escrow %s already exists for this task", ErrTaskConflict, existing.ID)
		}

		requesterAccount, err := tx.LockAccount(ctx, in.RequesterID)
		if err != nil {
			return err
		}
		if spendguard.IsFrozen(requesterAccount.FrozenUntil, now) {
			return fmt.Errorf("%w: frozen until %s", ErrAccountFrozen, requesterAccount.FrozenUntil.Format(time.RFC3339))
		}
		if requesterAccount.FrozenUntil != nil {
			// stale freeze: clear it atomically with this operation, on the
			// caller's own transaction.
			if err := tx.SaveAccountLedgerFields(ctx, in.RequesterID, requesterAccount.Reputation, &OptionalTime{Set: true, Value: nil}); err != nil {
				return err
			}
		}

		requesterBal, providerBal, err := lockBalancesInOrder(ctx, tx, in.RequesterID, in.ProviderID)
		if err != nil {
			return err
		}
		if requesterBal.Available < totalHold {
			return ErrInsufficientFunds
		}

		dailySpent, err := tx.SumTransactionsSince(ctx, in.RequesterID, []TransactionType{TxEscrowHold}, now.Add(-time.Duration(s.limits.SpendingWindowHours)*time.Hour))
		if err != nil {
			return err
		}
		hourlySpent, err := tx.SumTransactionsSince(ctx, in.RequesterID, []TransactionType{TxEscrowHold}, now.Add(-1*time.Hour))
		if err != nil {
			return err
		}
		verdict := spendguard.Evaluate(now, totalHold, dailySpent, hourlySpent, spendguard.Limits{
			DailySpendLimit:     requesterAccount.DailySpendLimit,
			HourlyVelocityLimit: s.limits.HourlyVelocityLimit,
			SpendingWindowHours: s.limits.SpendingWindowHours,
			FreezeMinutes:       s.limits.SpendFreezeMinutes,
		})
		if verdict.Breached {
			if err := s.store.FreezeAccountIndependently(ctx, in.RequesterID, verdict.FreezeUntil); err != nil {
				s.logger.Error("failed to write independent freeze", "account_id", in.RequesterID, "error", err)
			}
			return fmt.Errorf("%w: %s", ErrSpendLimitBreached, verdict.Trigger)
		}

		for _, depID := range in.DependsOn {
			dep, err := tx.GetEscrowForUpdate(ctx, depID)
			if err != nil {
				return fmt.Errorf("%w: dependency %s not found", ErrDependencyUnresolved, depID)
			}
			if dep.Status != StatusReleased {
				return fmt.Errorf("%w: dependency %s is %s", ErrDependencyUnresolved, depID, dep.Status)
			}
		}

		requesterBal.Available -= totalHold
		requesterBal.HeldInEscrow += totalHold
		if err := tx.SaveBalance(ctx, requesterBal); err != nil {
			return err
		}
		_ = providerBal // provider balance is read for lock ordering only here

		escrow = &Escrow{
			ID:           idgen.New(),
			RequesterID:  in.RequesterID,
			ProviderID:   in.ProviderID,
			Amount:       in.Amount,
			FeeAmount:    fee,
			Status:       StatusHeld,
			TaskID:       in.TaskID,
			TaskType:     in.TaskType,
			GroupID:      in.GroupID,
			DependsOn:    in.DependsOn,
			Deliverables: in.Deliverables,
			ExpiresAt:    now.Add(ttl),
			CreatedAt:    now,
		}
		if err := tx.InsertEscrow(ctx, escrow); err != nil {
			return err
		}

		return tx.InsertTransaction(ctx, &Transaction{
			ID: idgen.New(), AccountID: in.RequesterID, Type: TxEscrowHold, Amount: totalHold,
			EscrowID: escrow.ID, CreatedAt: now,
		})
	})
	if err != nil {
		metrics.EscrowOperations.WithLabelValues("create", "error").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("create", "ok").Inc()
	s.emitter.Emit(ctx, "escrow.created", []string{escrow.RequesterID, escrow.ProviderID}, escrowEventData(escrow))
	return escrow, nil
}

// BatchCreateEscrowInput is one item in a batch escrow-creation request.
// DependsOn may reference earlier items in the same batch via "$N"
// (zero-based index), resolved to the real escrow id once that item is
// created.
type BatchCreateEscrowInput struct {
	ProviderID   string
	Amount       int64
	TaskID       string
	TaskType     string
	Deliverables string
	TTLMinutes   int
	DependsOn    []string
}

// BatchCreateEscrow creates several escrows under one group id, validating
// the combined hold against available balance before creating any of them.
func (s *Service) BatchCreateEscrow(ctx context.Context, requesterID string, items []BatchCreateEscrowInput, providers ProviderLookup) ([]*Escrow, error) {
	groupID := idgen.New()

	var total int64
	for _, item := range items {
		total += item.Amount + ComputeFee(item.Amount, s.feeCfg)
	}
	bal, err := s.store.GetBalance(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if bal.Available < total {
		return nil, ErrInsufficientFunds
	}

	created := make([]*Escrow, 0, len(items))
	resolvedIDs := make([]string, len(items))

	for i, item := range items {
		dependsOn := make([]string, 0, len(item.DependsOn))
		for _, d := range item.DependsOn {
			if resolved, ok := resolveBackReference(d, resolvedIDs); ok {
				dependsOn = append(dependsOn, resolved)
			} else {
				dependsOn = append(dependsOn, d)
			}
		}

		e, err := s.CreateEscrow(ctx, CreateEscrowInput{
			RequesterID:  requesterID,
			ProviderID:   item.ProviderID,
			Amount:       item.Amount,
			TaskID:       item.TaskID,
			TaskType:     item.TaskType,
			GroupID:      groupID,
			DependsOn:    dependsOn,
			Deliverables: item.Deliverables,
			TTLMinutes:   item.TTLMinutes,
		}, providers)
		if err != nil {
			return created, fmt.Errorf("batch item %d: %w", i, err)
		}
		resolvedIDs[i] = e.ID
		created = append(created, e)
	}
	return created, nil
}

func resolveBackReference(ref string, resolvedIDs []string) (string, bool) {
	if len(ref) < 2 || ref[0] != '$' {
		return "", false
	}
	var idx int
	if _, err := fmt.Sscanf(ref[1:], "%d", &idx); err != nil {
		return "", false
	}
	if idx < 0 || idx >= len(resolvedIDs) || resolvedIDs[idx] == "" {
		return "", false
	}
	return resolvedIDs[idx], true
}

// Release pays out a held escrow to the provider: moves the held amount
// out of the requester's held-in-escrow and into the provider's available
// balance, bumping the provider's total earned and reputation.
func (s *Service) Release(ctx context.Context, escrowID, callerID string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Release", traces.EscrowID(escrowID))
	defer span.End()

	var escrow *Escrow
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.GetEscrowForUpdate(ctx, escrowID)
		if err != nil {
			return err
		}
		if callerID != e.RequesterID && callerID != e.ProviderID {
			return ErrForbidden
		}
		if e.Status != StatusHeld {
			return fmt.Errorf("%w: escrow is %s", ErrWrongStatus, e.Status)
		}
		if err := ensureDependenciesReleased(ctx, tx, e); err != nil {
			return err
		}

		if err := settleRelease(ctx, tx, e); err != nil {
			return err
		}

		now := time.Now().UTC()
		e.Status = StatusReleased
		e.ResolvedAt = &now
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		escrow = e
		return nil
	})
	if err != nil {
		metrics.EscrowOperations.WithLabelValues("release", "error").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("release", "ok").Inc()
	s.emitter.Emit(ctx, "escrow.released", []string{escrow.RequesterID, escrow.ProviderID}, escrowEventData(escrow))
	return escrow, nil
}

// settleRelease performs the balance movement and reputation update for a
// release, shared by the direct Release path and Resolve's "release"
// outcome. The observer's expiry sweep never releases; it refunds.
func settleRelease(ctx context.Context, tx Tx, e *Escrow) error {
	requesterBal, providerBal, err := lockBalancesInOrder(ctx, tx, e.RequesterID, e.ProviderID)
	if err != nil {
		return err
	}
	total := e.Amount + e.FeeAmount
	requesterBal.HeldInEscrow -= total
	requesterBal.TotalSpent += total
	providerBal.Available += e.Amount
	providerBal.TotalEarned += e.Amount

	if err := tx.SaveBalance(ctx, requesterBal); err != nil {
		return err
	}
	if err := tx.SaveBalance(ctx, providerBal); err != nil {
		return err
	}

	if err := applyReputationDelta(ctx, tx, e.ProviderID, 1.0); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := tx.InsertTransaction(ctx, &Transaction{
		ID: idgen.New(), AccountID: e.ProviderID, Type: TxEscrowRelease, Amount: e.Amount, EscrowID: e.ID, CreatedAt: now,
	}); err != nil {
		return err
	}
	if e.FeeAmount == 0 {
		return nil
	}
	return tx.InsertTransaction(ctx, &Transaction{
		ID: idgen.New(), AccountID: e.RequesterID, Type: TxFee, Amount: e.FeeAmount, EscrowID: e.ID, CreatedAt: now,
	})
}

// Refund returns a held escrow's funds to the requester and cascades to any
// currently-held escrow that names it as a dependency, since those can no
// longer ever be released. A visited set bounds the recursion against
// cycles.
func (s *Service) Refund(ctx context.Context, escrowID, callerID, reason string) ([]*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Refund", traces.EscrowID(escrowID))
	defer span.End()

	var refunded []*Escrow
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.GetEscrowForUpdate(ctx, escrowID)
		if err != nil {
			return err
		}
		if callerID != e.RequesterID && callerID != e.ProviderID {
			return ErrForbidden
		}
		if e.Status != StatusHeld && e.Status != StatusDisputed {
			return fmt.Errorf("%w: escrow is %s", ErrWrongStatus, e.Status)
		}

		visited := map[string]bool{}
		return cascadeRefund(ctx, tx, e, reason, visited, &refunded)
	})
	if err != nil {
		metrics.EscrowOperations.WithLabelValues("refund", "error").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("refund", "ok").Inc()
	for _, e := range refunded {
		s.emitter.Emit(ctx, "escrow.refunded", []string{e.RequesterID, e.ProviderID}, escrowEventData(e))
	}
	return refunded, nil
}

func cascadeRefund(ctx context.Context, tx Tx, e *Escrow, reason string, visited map[string]bool, out *[]*Escrow) error {
	if visited[e.ID] {
		return nil
	}
	visited[e.ID] = true

	if err := settleRefund(ctx, tx, e, reason); err != nil {
		return err
	}
	*out = append(*out, e)

	dependents, err := tx.ListHeldEscrowsWithDependencies(ctx)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if visited[dep.ID] {
			continue
		}
		for _, depOn := range dep.DependsOn {
			if depOn == e.ID {
				locked, err := tx.GetEscrowForUpdate(ctx, dep.ID)
				if err != nil {
					return err
				}
				if locked.Status == StatusHeld {
					if err := cascadeRefund(ctx, tx, locked, "dependency "+e.ID+" was refunded", visited, out); err != nil {
						return err
					}
				}
				break
			}
		}
	}
	return nil
}

func settleRefund(ctx context.Context, tx Tx, e *Escrow, reason string) error {
	requesterBal, err := tx.LockBalance(ctx, e.RequesterID)
	if err != nil {
		return err
	}
	total := e.Amount + e.FeeAmount
	requesterBal.HeldInEscrow -= total
	requesterBal.Available += total
	if err := tx.SaveBalance(ctx, requesterBal); err != nil {
		return err
	}

	if err := applyReputationDelta(ctx, tx, e.ProviderID, 0.0); err != nil {
		return err
	}

	now := time.Now().UTC()
	// The expiry sweep marks an escrow expired before settling it; that
	// status is kept, every other refund ends as refunded.
	if e.Status != StatusExpired {
		e.Status = StatusRefunded
	}
	e.ResolvedAt = &now
	if reason != "" {
		e.DisputeReason = reason
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return err
	}

	return tx.InsertTransaction(ctx, &Transaction{
		ID: idgen.New(), AccountID: e.RequesterID, Type: TxEscrowRefund, Amount: total, EscrowID: e.ID, CreatedAt: now,
	})
}

// Dispute marks a held escrow as disputed, starting the dispute TTL clock.
func (s *Service) Dispute(ctx context.Context, escrowID, callerID, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Dispute", traces.EscrowID(escrowID))
	defer span.End()

	var escrow *Escrow
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.GetEscrowForUpdate(ctx, escrowID)
		if err != nil {
			return err
		}
		if callerID != e.RequesterID && callerID != e.ProviderID {
			return ErrForbidden
		}
		if e.Status != StatusHeld {
			return fmt.Errorf("%w: escrow is %s", ErrWrongStatus, e.Status)
		}
		now := time.Now().UTC()
		deadline := now.Add(s.limits.DisputeTTL)
		e.Status = StatusDisputed
		e.DisputeExpiresAt = &deadline
		e.DisputeReason = reason
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		escrow = e
		return nil
	})
	if err != nil {
		metrics.EscrowOperations.WithLabelValues("dispute", "error").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("dispute", "ok").Inc()
	parties := []string{escrow.RequesterID, escrow.ProviderID}
	s.emitter.Emit(ctx, "escrow.disputed", parties, escrowEventData(escrow))
	s.emitter.Emit(ctx, "escrow.dispute_pending_mediation", parties, escrowEventData(escrow))
	return escrow, nil
}

// Resolve is the operator-only terminal action on a disputed escrow,
// releasing or refunding it and appending a compliance attestation.
func (s *Service) Resolve(ctx context.Context, escrowID, resolution, note string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Resolve", traces.EscrowID(escrowID))
	defer span.End()

	var escrow *Escrow
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		e, err := tx.GetEscrowForUpdate(ctx, escrowID)
		if err != nil {
			return err
		}
		if e.Status != StatusDisputed {
			return fmt.Errorf("%w: escrow is %s", ErrWrongStatus, e.Status)
		}
		e.Resolution = note

		switch resolution {
		case "release":
			if err := settleRelease(ctx, tx, e); err != nil {
				return err
			}
			now := time.Now().UTC()
			e.Status = StatusReleased
			e.ResolvedAt = &now
			if err := tx.UpdateEscrow(ctx, e); err != nil {
				return err
			}
		case "refund":
			if err := settleRefund(ctx, tx, e, note); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: resolution must be release or refund", ErrInvalidAmount)
		}
		escrow = e
		return nil
	})
	if err != nil {
		metrics.EscrowOperations.WithLabelValues("resolve", "error").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues("resolve", "ok").Inc()
	if s.compliance != nil {
		if err := s.compliance.RecordDisputeResolution(ctx, escrow); err != nil {
			s.logger.Error("failed to record compliance attestation", "escrow_id", escrow.ID, "error", err)
		}
	}
	s.emitter.Emit(ctx, "escrow.resolved", []string{escrow.RequesterID, escrow.ProviderID}, escrowEventData(escrow))
	return escrow, nil
}

func (s *Service) Balance(ctx context.Context, accountID string) (*Balance, error) {
	return s.store.GetBalance(ctx, accountID)
}

func (s *Service) Transactions(ctx context.Context, accountID string, limit int, cursor string) ([]*Transaction, string, error) {
	return s.store.ListTransactions(ctx, accountID, limit, cursor)
}

func (s *Service) ListEscrows(ctx context.Context, accountID string, status Status, limit int, cursor string) ([]*Escrow, string, error) {
	return s.store.ListEscrows(ctx, accountID, status, limit, cursor)
}

func (s *Service) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

func ensureDependenciesReleased(ctx context.Context, tx Tx, e *Escrow) error {
	for _, depID := range e.DependsOn {
		dep, err := tx.GetEscrowForUpdate(ctx, depID)
		if err != nil {
			return fmt.Errorf("%w: dependency %s not found", ErrDependencyUnresolved, depID)
		}
		if dep.Status != StatusReleased {
			return fmt.Errorf("%w: dependency %s is %s, not released", ErrDependencyUnresolved, depID, dep.Status)
		}
	}
	return nil
}

// lockBalancesInOrder locks two balance rows in ascending account-id
// order, preventing deadlocks when two concurrent operations touch the
// same pair of accounts in opposite roles.
func lockBalancesInOrder(ctx context.Context, tx Tx, idA, idB string) (*Balance, *Balance, error) {
	if idA == idB {
		bal, err := tx.LockBalance(ctx, idA)
		return bal, bal, err
	}
	first, second := idA, idB
	swapped := false
	if second < first {
		first, second = second, first
		swapped = true
	}
	firstBal, err := tx.LockBalance(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	secondBal, err := tx.LockBalance(ctx, second)
	if err != nil {
		return nil, nil, err
	}
	if swapped {
		return secondBal, firstBal, nil
	}
	return firstBal, secondBal, nil
}

// applyReputationDelta applies r <- clamp(0.9*r_prev + 0.1*v, 0, 1) to the
// given account's reputation, within the enclosing transaction's account
// lock.
func applyReputationDelta(ctx context.Context, tx Tx, accountID string, v float64) error {
	acct, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	newRep := 0.9*acct.Reputation + 0.1*v
	if newRep < 0 {
		newRep = 0
	}
	if newRep > 1 {
		newRep = 1
	}
	return tx.SaveAccountLedgerFields(ctx, accountID, newRep, nil)
}

func escrowEventData(e *Escrow) map[string]any {
	return map[string]any{
		"escrow_id":    e.ID,
		"requester_id": e.RequesterID,
		"provider_id":  e.ProviderID,
		"amount":       e.Amount,
		"fee_amount":   e.FeeAmount,
		"status":       string(e.Status),
		"task_id":      e.TaskID,
	}
}

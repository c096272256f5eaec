package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/a2a-settlement/exchange/internal/metrics"
)

// Observer runs the three-phase background sweep: expiring stale held
// escrows back to their requesters, resolving stale disputes by default,
// and warning parties whose escrow is about to expire.
type Observer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewObserver(svc *Service, interval time.Duration, logger *slog.Logger) *Observer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Observer{svc: svc, interval: interval, logger: logger, stop: make(chan struct{}, 1)}
}

func (o *Observer) Running() bool { return o.running.Load() }

// Start runs the sweep on a ticker until Stop is called or ctx is done.
func (o *Observer) Start(ctx context.Context) {
	o.running.Store(true)
	defer o.running.Store(false)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.safeSweep(ctx)
		}
	}
}

func (o *Observer) Stop() {
	select {
	case o.stop <- struct{}{}:
	default:
	}
}

func (o *Observer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observer sweep panicked", "panic", r)
		}
	}()
	o.Sweep(ctx)
}

// Sweep runs all three phases, tolerating partial failure: one phase
// failing does not prevent the others from running.
func (o *Observer) Sweep(ctx context.Context) {
	if err := o.expireStaleHeld(ctx); err != nil {
		o.logger.Error("expire_stale_held failed", "error", err)
	}
	if err := o.expireStaleDisputes(ctx); err != nil {
		o.logger.Error("expire_stale_disputes failed", "error", err)
	}
	if err := o.warnExpiringSoon(ctx); err != nil {
		o.logger.Error("warn_expiring_soon failed", "error", err)
	}
}

// expireStaleHeld refunds every held escrow whose expiry has passed: the
// provider did not deliver (or the requester did not release) in time, so
// funds return to the requester, same as a manual refund including its
// dependent-escrow cascade.
func (o *Observer) expireStaleHeld(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.ObserverSweepDuration.WithLabelValues("expire_stale_held"))
	defer timer.ObserveDuration()

	var expired []*Escrow
	err := o.svc.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		list, err := tx.ListExpiredHeld(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		visited := map[string]bool{}
		for _, e := range list {
			locked, err := tx.GetEscrowForUpdate(ctx, e.ID)
			if err != nil {
				continue
			}
			if locked.Status != StatusHeld {
				continue
			}
			locked.Status = StatusExpired
			var out []*Escrow
			if err := cascadeRefund(ctx, tx, locked, "escrow expired without resolution", visited, &out); err != nil {
				o.logger.Error("expire_stale_held: refund failed", "escrow_id", e.ID, "error", err)
				continue
			}
			expired = append(expired, out...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range expired {
		metrics.EscrowOperations.WithLabelValues("expire", "ok").Inc()
		o.svc.emitter.Emit(ctx, "escrow.expired", []string{e.RequesterID, e.ProviderID}, escrowEventData(e))
	}
	return nil
}

// expireStaleDisputes resolves any dispute whose deadline passed without
// operator action, defaulting to a refund: an unresolved dispute should
// not indefinitely freeze the requester's funds.
func (o *Observer) expireStaleDisputes(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.ObserverSweepDuration.WithLabelValues("expire_stale_disputes"))
	defer timer.ObserveDuration()

	var resolved []*Escrow
	err := o.svc.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		list, err := tx.ListExpiredDisputes(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		for _, e := range list {
			locked, err := tx.GetEscrowForUpdate(ctx, e.ID)
			if err != nil || locked.Status != StatusDisputed {
				continue
			}
			locked.Resolution = "refund"
			if err := settleRefund(ctx, tx, locked, "dispute window expired without operator resolution"); err != nil {
				o.logger.Error("expire_stale_disputes: refund failed", "escrow_id", e.ID, "error", err)
				continue
			}
			resolved = append(resolved, locked)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range resolved {
		metrics.EscrowOperations.WithLabelValues("resolve_expired", "ok").Inc()
		if o.svc.compliance != nil {
			if err := o.svc.compliance.RecordDisputeResolution(ctx, e); err != nil {
				o.logger.Error("failed to record compliance attestation for expired dispute", "escrow_id", e.ID, "error", err)
			}
		}
		o.svc.emitter.Emit(ctx, "escrow.resolved", []string{e.RequesterID, e.ProviderID}, escrowEventData(e))
	}
	return nil
}

// warnExpiringSoon fires a one-time webhook to both parties for any held
// escrow entering its expiry-warning window.
func (o *Observer) warnExpiringSoon(ctx context.Context) error {
	timer := prometheus.NewTimer(metrics.ObserverSweepDuration.WithLabelValues("warn_expiring_soon"))
	defer timer.ObserveDuration()

	now := time.Now().UTC()
	var warned []*Escrow
	err := o.svc.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		list, err := tx.ListExpiringSoon(ctx, now, now.Add(o.svc.limits.ExpiryWarningWindow))
		if err != nil {
			return err
		}
		for _, e := range list {
			locked, err := tx.GetEscrowForUpdate(ctx, e.ID)
			if err != nil || locked.Status != StatusHeld || locked.WarningSentAt != nil {
				continue
			}
			locked.WarningSentAt = &now
			if err := tx.UpdateEscrow(ctx, locked); err != nil {
				o.logger.Error("warn_expiring_soon: update failed", "escrow_id", e.ID, "error", err)
				continue
			}
			warned = append(warned, locked)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range warned {
		o.svc.emitter.Emit(ctx, "escrow.expiring_soon", []string{e.RequesterID, e.ProviderID}, escrowEventData(e))
	}
	return nil
}

// MiniSweep runs the full expire_stale_held phase, invoked synchronously
// from the mutating paths (create_escrow/release/refund) so a caller never
// sees a stale held escrow that should already have expired. The pass is
// not narrowed to accountID: it expires stale escrows of every account,
// the caller's among them; accountID only labels the error log line.
func (o *Observer) MiniSweep(ctx context.Context, accountID string) {
	_ = accountID // no narrowing: expired escrows for any
	// other account are harmless to also sweep here, since the sweep is
	// idempotent and cheap at single-account scale.
	if err := o.expireStaleHeld(ctx); err != nil {
		o.logger.Error("mini sweep failed", "account_id", accountID, "error", err)
	}
}

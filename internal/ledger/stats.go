package ledger

import (
	"context"
	"errors"
)

// NetworkStats is a point-in-time aggregate over the escrow ledger,
// surfaced at GET /stats.
type NetworkStats struct {
	TotalEscrows    int64
	HeldEscrows     int64
	ReleasedEscrows int64
	RefundedEscrows int64
	DisputedEscrows int64
	ExpiredEscrows  int64
	TotalVolume     int64
	TotalFeesEarned int64
}

// StatsStore is implemented by both concrete Store backends; it is kept
// separate from Store so adding an aggregate query never touches the
// per-operation transaction interface.
type StatsStore interface {
	NetworkStats(ctx context.Context) (*NetworkStats, error)
}

var ErrStatsUnavailable = errors.New("ledger: store does not support network statistics")

// NetworkStats reports aggregate escrow volume across the whole exchange.
func (s *Service) NetworkStats(ctx context.Context) (*NetworkStats, error) {
	ss, ok := s.store.(StatsStore)
	if !ok {
		return nil, ErrStatsUnavailable
	}
	return ss.NetworkStats(ctx)
}

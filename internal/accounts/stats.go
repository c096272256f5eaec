package accounts

import (
	"context"
	"errors"
)

// Stats is a point-in-time count of accounts by status, surfaced at
// GET /stats alongside ledger.NetworkStats.
type Stats struct {
	TotalAccounts     int64
	ActiveAccounts    int64
	SuspendedAccounts int64
}

// StatsStore is implemented by both concrete Store backends.
type StatsStore interface {
	Stats(ctx context.Context) (*Stats, error)
}

var ErrStatsUnavailable = errors.New("accounts: store does not support statistics")

// Stats reports account counts by status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ss, ok := s.store.(StatsStore)
	if !ok {
		return nil, ErrStatsUnavailable
	}
	return ss.Stats(ctx)
}

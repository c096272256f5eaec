package ledger

import "github.com/shopspring/decimal"

// FeeConfig carries the configured fee percentage and floor.
type FeeConfig struct {
	FeePercent decimal.Decimal
	MinFee     int64
}

// ComputeFee returns fee = max(ceil(amount * fee_percent / 100), min_fee).
// Decimal arithmetic avoids the rounding drift a float64 fee_percent would
// introduce across many small escrows.
func ComputeFee(amount int64, cfg FeeConfig) int64 {
	amt := decimal.NewFromInt(amount)
	raw := amt.Mul(cfg.FeePercent).Div(decimal.NewFromInt(100))
	fee := raw.Ceil().IntPart()
	if fee < cfg.MinFee {
		fee = cfg.MinFee
	}
	return fee
}
